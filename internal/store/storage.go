package store

import (
	"io"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

// Storage is satisfied by extremofile.
// Read returns nil,nil when nothing was written yet.
type Storage interface {
	Read() ([]byte, error)
	io.Writer
}

func NewFileStorage(root, namespace string) Storage {
	return extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, namespace),
		DirPerm:  0700,
		FilePerm: 0600,
	})
}

// MemStorage keeps last written bytes in memory.
type MemStorage struct {
	mu       sync.Mutex
	b        []byte
	writes   int
	FailNext error
}

func (m *MemStorage) Read() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.b == nil {
		return nil, nil
	}
	return append([]byte(nil), m.b...), nil
}

func (m *MemStorage) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailNext; err != nil {
		m.FailNext = nil
		return 0, err
	}
	m.b = append(m.b[:0:0], b...)
	m.writes++
	return len(b), nil
}

func (m *MemStorage) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemStorage) SetFailNext(err error) {
	m.mu.Lock()
	m.FailNext = err
	m.mu.Unlock()
}

type storageWriteError struct{ error }

// IsStorageWrite reports whether err came from failed durable write.
func IsStorageWrite(err error) bool {
	_, ok := errors.Cause(err).(storageWriteError)
	return ok
}
