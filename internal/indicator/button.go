package indicator

import (
	"io"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/inputevent-go"
	"github.com/temoto/uplink/log2"
)

// linux/input-event-codes.h
const evKey = 0x01

// Button fires once per press held for at least hold duration.
type Button struct {
	log  *log2.Log
	r    io.ReadCloser
	key  uint16
	hold time.Duration

	down   time.Time
	fired  bool
	isDown bool
}

func OpenButton(log *log2.Log, device string, key uint16, hold time.Duration) (*Button, error) {
	f, err := os.Open(device)
	if err != nil {
		return nil, errors.Annotatef(err, "button device=%s", device)
	}
	return NewButton(log, f, key, hold), nil
}

func NewButton(log *log2.Log, r io.ReadCloser, key uint16, hold time.Duration) *Button {
	return &Button{log: log, r: r, key: key, hold: hold}
}

// Run reads events until error, Close makes it return.
func (self *Button) Run(onHold func()) error {
	for {
		ie, err := inputevent.ReadOne(self.r)
		if err != nil {
			return errors.Annotate(err, "button read")
		}
		if self.handle(ie) && onHold != nil {
			self.log.Infof("button key=%d held %v", self.key, self.hold)
			onHold()
		}
	}
}

func (self *Button) Close() error { return self.r.Close() }

func (self *Button) handle(ie inputevent.InputEvent) bool {
	if ie.Type != evKey || ie.Code != self.key {
		return false
	}
	at := time.Unix(int64(ie.Time.Sec), int64(ie.Time.Usec)*int64(time.Microsecond))
	switch inputevent.KeyEventState(ie.Value) {
	case inputevent.KeyStateDown:
		self.down, self.isDown, self.fired = at, true, false
		return false
	case inputevent.KeyStateHold, inputevent.KeyStateUp:
		if !self.isDown {
			return false
		}
		if inputevent.KeyEventState(ie.Value) == inputevent.KeyStateUp {
			self.isDown = false
		}
		if self.fired || at.Sub(self.down) < self.hold {
			return false
		}
		self.fired = true
		return true
	}
	return false
}
