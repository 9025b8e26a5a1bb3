// Package run is main service mode: drive connectivity until signal.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/uplink/cmd/uplink/subcmd"
	"github.com/temoto/uplink/helpers/atomic_clock"
	"github.com/temoto/uplink/internal/connectivity"
	"github.com/temoto/uplink/internal/state"
)

var Mod = subcmd.Mod{Name: "run", Usage: "service mode, default", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		g.Log.Infof("signal=%v stopping", sig)
		subcmd.SdNotify(daemon.SdNotifyStopping)
		g.Stop()
	}()

	wd := NewWatchdog(g.Driver, subcmd.SdNotify)
	if interval, err := daemon.SdWatchdogEnabled(false); err != nil {
		g.Error(errors.Annotate(err, "systemd watchdog"))
	} else if interval != 0 {
		g.Log.Debugf("systemd watchdog interval=%v", interval)
		go wd.Run(g.Alive.StopChan(), interval/2)
	}

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("uplink init complete, running")
	err := g.Run(ctx)
	g.StopWait(5 * time.Second)
	return errors.Annotate(err, "run")
}

// Watchdog pings supervisor only while driver loop keeps ticking.
type Watchdog struct {
	lastTick atomic_clock.Clock
	notify   func(string) bool
}

func NewWatchdog(d *connectivity.Driver, notify func(string) bool) *Watchdog {
	wd := &Watchdog{notify: notify}
	prev := d.OnTick
	d.OnTick = func(s connectivity.State) {
		wd.lastTick.Touch()
		if prev != nil {
			prev(s)
		}
	}
	return wd
}

// Check sends one ping if last tick is fresher than maxAge.
func (self *Watchdog) Check(maxAge time.Duration) bool {
	if self.lastTick.Age(time.Now()) > maxAge {
		return false
	}
	self.notify(daemon.SdNotifyWatchdog)
	return true
}

func (self *Watchdog) Run(stopch <-chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			self.Check(interval)
		case <-stopch:
			return
		}
	}
}
