package cloud

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
	"github.com/temoto/uplink/helpers"
	"github.com/temoto/uplink/log2"
)

var ErrOffline = errors.New("cloud offline")

type EventKind uint8

const (
	KindInvalid EventKind = iota
	KindLog
	KindMeta
	KindError
)

func (k EventKind) Topic() string {
	switch k {
	case KindLog:
		return "event"
	case KindMeta:
		return "meta"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind%d", k)
}

type Event struct {
	Kind  EventKind `cbor:"1,keyasint"`
	Name  string    `cbor:"2,keyasint"`
	Value string    `cbor:"3,keyasint,omitempty"`
	Time  int64     `cbor:"4,keyasint"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// eventWire has no Binary(Un)Marshaler methods, cbor would call them recursively.
type eventWire Event

func (e *Event) MarshalBinary() ([]byte, error) { return encMode.Marshal((*eventWire)(e)) }
func (e *Event) UnmarshalBinary(b []byte) error {
	if err := cbor.Unmarshal(b, (*eventWire)(e)); err != nil {
		return errors.Annotate(err, "event decode")
	}
	if e.Kind == KindInvalid || e.Name == "" {
		return errors.NotValidf("event kind=%d name=%q", e.Kind, e.Name)
	}
	return nil
}

// Outbox persists events and delivers them at least once in background.
// Push methods block at most for disk write.
type Outbox struct {
	log     *log2.Log
	opt     Options
	pub     Publisher
	q       *spq.Queue
	alive   *alive.Alive
	backoff helpers.Backoff
	timeout time.Duration
}

func NewOutbox(log *log2.Log, path string, opt Options, pub Publisher) (*Outbox, error) {
	if path == "" {
		path = spq.OnlyForTesting
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "outbox open path=%s", path)
	}
	timeout := opt.NetworkTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	self := &Outbox{
		log:     log,
		opt:     opt,
		pub:     pub,
		q:       q,
		alive:   alive.NewAlive(),
		timeout: timeout,
		backoff: helpers.Backoff{
			Min: 500 * time.Millisecond,
			Max: time.Minute,
			K:   2,
			Res: 100 * time.Millisecond,
		},
	}
	return self, nil
}

func (self *Outbox) Start() {
	if self.alive.Add(1) {
		go self.worker()
	}
}

// Close stops worker, undelivered events stay on disk.
func (self *Outbox) Close() error {
	self.alive.Stop()
	err := self.q.Close()
	self.alive.Wait()
	return err
}

func (self *Outbox) LogEvent(name, desc string) error {
	return self.push(Event{Kind: KindLog, Name: name, Value: desc})
}

func (self *Outbox) SetMeta(key, value string) error {
	return self.push(Event{Kind: KindMeta, Name: key, Value: value})
}

// Error is suitable for log2.SetErrorFunc.
// Never calls Errorf on own log.
func (self *Outbox) Error(err error) {
	if err == nil {
		return
	}
	if e := self.push(Event{Kind: KindError, Name: "error", Value: err.Error()}); e != nil {
		self.log.Infof("outbox drop error=%v push err=%v", err, e)
	}
}

func (self *Outbox) push(e Event) error {
	if e.Time == 0 {
		e.Time = time.Now().UnixNano()
	}
	return self.q.MarshalPush(&e)
}

func (self *Outbox) worker() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
		case spq.ErrClosed:
			return
		default:
			self.log.Infof("CRITICAL outbox peek err=%v", err)
			return
		}

		var e Event
		if err = box.Unmarshal(&e); err != nil {
			self.log.Infof("outbox drop b=%x err=%v", box.Bytes(), errors.ErrorStack(err))
			if err = self.q.Delete(box); err != nil {
				return
			}
			continue
		}

		err = self.pub.Publish(self.opt.Topic(e.Kind.Topic()), box.Bytes(), self.timeout)
		if err == nil {
			self.backoff.Reset()
			if err = self.q.Delete(box); err != nil {
				self.log.Infof("outbox delete err=%v", err)
				return
			}
			continue
		}
		if errors.Cause(err) != ErrOffline {
			self.log.Debugf("outbox publish %s err=%v", e.Name, err)
		}
		select {
		case <-time.After(self.backoff.DelayAfter(false)):
		case <-stopch:
			return
		}
	}
}
