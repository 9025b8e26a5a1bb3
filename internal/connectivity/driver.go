package connectivity

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/uplink/log2"
)

const DefaultTickInterval = 10 * time.Millisecond

var ErrStopped = errors.New("connectivity driver stopped")

// Driver owns Machine and calls Tick at steady cadence.
// Other goroutines reach Machine only through Do/Call.
type Driver struct {
	log      *log2.Log
	machine  *Machine
	interval time.Duration
	alive    *alive.Alive
	cmdch    chan func(*Machine)
	state    uint32

	// OnTick is called on driver goroutine after every tick, used for watchdog.
	OnTick func(State)
}

func NewDriver(log *log2.Log, m *Machine, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Driver{
		log:      log,
		machine:  m,
		interval: interval,
		alive:    alive.NewAlive(),
		cmdch:    make(chan func(*Machine)),
		state:    uint32(StateInit),
	}
}

// State is safe for concurrent use.
func (self *Driver) State() State { return State(atomic.LoadUint32(&self.state)) }

// Run blocks until ctx is done or Stop.
func (self *Driver) Run(ctx context.Context) error {
	if !self.alive.Add(1) {
		return ErrStopped
	}
	defer self.alive.Done()

	if self.machine.State() == StateInit {
		self.machine.Begin()
	}
	self.publish()

	t := time.NewTicker(self.interval)
	defer t.Stop()
	stopch := self.alive.StopChan()
	for {
		select {
		case now := <-t.C:
			self.machine.Tick(now)
			self.publish()
			if self.OnTick != nil {
				self.OnTick(self.State())
			}

		case f := <-self.cmdch:
			f(self.machine)
			self.publish()

		case <-stopch:
			self.log.Debugf("connectivity driver stop")
			return nil

		case <-ctx.Done():
			self.log.Debugf("connectivity driver ctx done")
			return ctx.Err()
		}
	}
}

func (self *Driver) Stop() {
	self.alive.Stop()
	self.alive.Wait()
}

// Do schedules f on driver goroutine and waits until it is accepted.
func (self *Driver) Do(ctx context.Context, f func(*Machine)) error {
	select {
	case self.cmdch <- f:
		return nil
	case <-self.alive.StopChan():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs f on driver goroutine and returns its result.
func (self *Driver) Call(ctx context.Context, f func(*Machine) error) error {
	errch := make(chan error, 1)
	if err := self.Do(ctx, func(m *Machine) { errch <- f(m) }); err != nil {
		return err
	}
	select {
	case err := <-errch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *Driver) publish() {
	atomic.StoreUint32(&self.state, uint32(self.machine.State()))
}
