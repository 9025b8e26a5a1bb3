// Package store keeps device identity and cloud credentials.
//
// Credentials mutated in memory are written to durable storage only by Commit,
// after first successful cloud handshake. Skip counter and firmware version
// are written on their own and never drag uncommitted credentials along.
package store

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/uplink/log2"
)

type Store struct {
	sync.Mutex
	log         *log2.Log
	storage     Storage
	defaultHost string

	current Record
	durable Record // last successfully written
	saved   bool
}

func New(log *log2.Log, storage Storage, defaultHost string) *Store {
	if storage == nil {
		panic("code error store storage=nil")
	}
	s := &Store{
		log:         log,
		storage:     storage,
		defaultHost: defaultHost,
	}
	s.current = s.defaults()
	return s
}

func (s *Store) defaults() Record {
	return Record{
		Auth:            InvalidToken,
		Host:            s.defaultHost,
		FirmwareVersion: s.durable.FirmwareVersion,
		SkipCount:       s.durable.SkipCount,
	}
}

// Load returns true if durable record with committed credentials was found.
// Store is left in valid default state on any failure.
func (s *Store) Load() bool {
	s.Lock()
	defer s.Unlock()

	tbegin := time.Now()
	b, err := s.storage.Read()
	s.log.Debugf("store load storage.read duration=%v", time.Since(tbegin))
	if err != nil {
		if b == nil || extremofile.IsCritical(err) {
			s.log.Errorf("store load err=%v", err)
			s.loadDefault()
			return false
		}
		s.log.Errorf("store load ignore non-critical err=%v", err)
	}
	if b == nil {
		s.log.Debugf("store load empty, using defaults")
		s.loadDefault()
		return false
	}
	var r Record
	if err = r.UnmarshalBinary(b); err != nil {
		s.log.Errorf("store load err=%v", errors.ErrorStack(err))
		s.loadDefault()
		return false
	}
	s.durable = r
	if !ValidToken(r.Auth) {
		s.loadDefault()
		return false
	}
	if r.Host == "" {
		r.Host = s.defaultHost
	}
	s.current = r
	s.saved = true
	return true
}

// LoadDefault resets in-memory credentials, durable record is not touched.
func (s *Store) LoadDefault() {
	s.Lock()
	s.loadDefault()
	s.Unlock()
}

func (s *Store) loadDefault() {
	s.current = s.defaults()
	s.saved = false
}

func (s *Store) IsProvisioned() bool {
	s.Lock()
	defer s.Unlock()
	return s.saved && ValidToken(s.current.Auth)
}

func (s *Store) IsSaved() bool {
	s.Lock()
	defer s.Unlock()
	return s.saved
}

func (s *Store) Auth() string {
	s.Lock()
	defer s.Unlock()
	return s.current.Auth
}

func (s *Store) Host() string {
	s.Lock()
	defer s.Unlock()
	return s.current.Host
}

func (s *Store) FirmwareVersion() string {
	s.Lock()
	defer s.Unlock()
	return s.current.FirmwareVersion
}

func (s *Store) SkipCount() int {
	s.Lock()
	defer s.Unlock()
	return s.current.SkipCount
}

// Snapshot returns copy of in-memory record.
func (s *Store) Snapshot() (Record, bool) {
	s.Lock()
	defer s.Unlock()
	return s.current, s.saved
}

func (s *Store) SetCredential(token string) {
	s.Lock()
	s.current.Auth = token
	s.saved = false
	s.Unlock()
}

// SetHost empty host means default.
func (s *Store) SetHost(host string) {
	if host == "" {
		host = s.defaultHost
	}
	s.Lock()
	s.current.Host = host
	s.saved = false
	s.Unlock()
}

// Commit durably writes current credentials.
// On write failure durable record is unchanged and store stays unsaved.
func (s *Store) Commit() error {
	s.Lock()
	defer s.Unlock()
	next := s.durable
	next.Auth = s.current.Auth
	next.Host = s.current.Host
	if err := s.write(next); err != nil {
		s.saved = false
		return errors.Annotate(err, "store commit")
	}
	s.saved = true
	return nil
}

// Erase writes empty credentials and returns to defaults.
// Firmware version survives, skip counter is reset.
func (s *Store) Erase() error {
	s.Lock()
	defer s.Unlock()
	next := Record{FirmwareVersion: s.durable.FirmwareVersion}
	err := s.write(next)
	s.loadDefault()
	s.current.SkipCount = 0
	return errors.Annotate(err, "store erase")
}

// RecordSkippedProvisioning increments and persists skip counter.
func (s *Store) RecordSkippedProvisioning() error {
	s.Lock()
	defer s.Unlock()
	s.current.SkipCount++
	next := s.durable
	next.SkipCount = s.current.SkipCount
	return errors.Annotate(s.write(next), "store record skip")
}

// ResetSkipCount is called once device got online.
func (s *Store) ResetSkipCount() error {
	s.Lock()
	defer s.Unlock()
	if s.current.SkipCount == 0 && s.durable.SkipCount == 0 {
		return nil
	}
	s.current.SkipCount = 0
	next := s.durable
	next.SkipCount = 0
	return errors.Annotate(s.write(next), "store reset skip")
}

func (s *Store) StoreFirmwareVersion(v string) error {
	s.Lock()
	defer s.Unlock()
	s.current.FirmwareVersion = v
	next := s.durable
	next.FirmwareVersion = v
	return errors.Annotate(s.write(next), "store firmware version")
}

// write must be called with lock held.
func (s *Store) write(r Record) error {
	b, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	tbegin := time.Now()
	_, err = s.storage.Write(b)
	s.log.Debugf("store storage.write duration=%v", time.Since(tbegin))
	if err != nil {
		return storageWriteError{err}
	}
	s.durable = r
	return nil
}
