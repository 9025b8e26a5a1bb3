package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/uplink/helpers"
	"github.com/temoto/uplink/internal/connectivity"
	"github.com/temoto/uplink/internal/indicator"
)

type hardware struct {
	LED struct {
		once
		led *indicator.LED
	}
	Button struct {
		once
		button *indicator.Button
	}
}

// LED returns nil,nil when disabled in config.
func (g *Global) LED() (*indicator.LED, error) {
	x := &g.Hardware.LED // short alias
	_ = x.do(func() error {
		cfg := &g.Config.Hardware.LED
		if !cfg.Enable {
			g.Log.Infof("hardware led disabled")
			return nil
		}
		x.led, x.err = indicator.OpenLED(g.Log, cfg.Chip, uint32(cfg.Line), cfg.ActiveLow)
		return x.err
	})
	return x.led, x.err
}

// Button returns nil,nil when disabled in config.
func (g *Global) Button() (*indicator.Button, error) {
	x := &g.Hardware.Button // short alias
	_ = x.do(func() error {
		cfg := &g.Config.Hardware.Button
		if !cfg.Enable {
			g.Log.Infof("hardware button disabled")
			return nil
		}
		x.button, x.err = indicator.OpenButton(g.Log, cfg.Device, uint16(cfg.Key), g.Config.ButtonHold())
		return x.err
	})
	return x.button, x.err
}

func (g *Global) initIndicator() error {
	errs := make([]error, 0, 2)
	if led, err := g.LED(); err != nil {
		errs = append(errs, errors.Annotate(err, "led"))
	} else if led != nil {
		go led.Run(g.Driver.State)
	}

	if button, err := g.Button(); err != nil {
		errs = append(errs, errors.Annotate(err, "button"))
	} else if button != nil {
		go func() {
			err := button.Run(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := g.Driver.Do(ctx, func(m *connectivity.Machine) { m.ResetConfiguration() }); err != nil {
					g.Log.Errorf("button reset err=%v", err)
				}
			})
			if g.Alive.IsRunning() {
				g.Error(err, "button stopped")
			}
		}()
	}
	return helpers.FoldErrors(errs)
}

func (h *hardware) close() {
	if h.LED.done() && h.LED.led != nil {
		h.LED.led.Stop()
	}
	if h.Button.done() && h.Button.button != nil {
		_ = h.Button.button.Close()
	}
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
