// Package indicator shows connectivity state on status LED and
// watches reset button.
package indicator

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/gpio-cdev-go"
	"github.com/temoto/uplink/internal/connectivity"
	"github.com/temoto/uplink/log2"
)

const (
	StepInterval = 100 * time.Millisecond
	patternSteps = 10
	consumer     = "uplink"
)

// Blink patterns, bit i is LED level at step i of one second period.
var patterns = map[connectivity.State]uint16{
	connectivity.StateIdle:            0x000,
	connectivity.StateWaitConfig:      0x01f,
	connectivity.StateConnectingNet:   0x001,
	connectivity.StateConnectingCloud: 0x021,
	connectivity.StateRunning:         0x3ff,
	connectivity.StateResetConfig:     0x155,
	connectivity.StateError:           0x3de,
}

// Level returns LED level for state at step.
func Level(s connectivity.State, step int) bool {
	return patterns[s]&(1<<uint(step%patternSteps)) != 0
}

type LED struct {
	log   *log2.Log
	lines gpio.Lineser
	set   gpio.LineSetFunc
	alive *alive.Alive
	last  int8
}

func OpenLED(log *log2.Log, chipPath string, line uint32, activeLow bool) (*LED, error) {
	chip, err := gpio.Open(chipPath, consumer)
	if err != nil {
		return nil, errors.Annotatef(err, "led chip=%s", chipPath)
	}
	flag := gpio.GPIOHANDLE_REQUEST_OUTPUT
	if activeLow {
		flag |= gpio.GPIOHANDLE_REQUEST_ACTIVE_LOW
	}
	lines, err := chip.OpenLines(flag, consumer+"-led", line)
	if err != nil {
		_ = chip.Close()
		return nil, errors.Annotatef(err, "led chip=%s line=%d", chipPath, line)
	}
	return NewLED(log, lines, line), nil
}

func NewLED(log *log2.Log, lines gpio.Lineser, line uint32) *LED {
	return &LED{
		log:   log,
		lines: lines,
		set:   lines.SetFunc(line),
		alive: alive.NewAlive(),
		last:  -1,
	}
}

// Show sets LED level for state at step, hardware is touched only on change.
func (self *LED) Show(s connectivity.State, step int) error {
	var v int8
	if Level(s, step) {
		v = 1
	}
	if v == self.last {
		return nil
	}
	self.set(byte(v))
	if err := self.lines.Flush(); err != nil {
		self.last = -1
		return errors.Annotate(err, "led flush")
	}
	self.last = v
	return nil
}

// Run blinks until Stop. state must be safe for concurrent use.
func (self *LED) Run(state func() connectivity.State) {
	if !self.alive.Add(1) {
		return
	}
	defer self.alive.Done()
	t := time.NewTicker(StepInterval)
	defer t.Stop()
	stopch := self.alive.StopChan()
	failed := false
	for step := 0; ; step++ {
		if err := self.Show(state(), step); err != nil && !failed {
			failed = true
			self.log.Errorf("indicator %v", err)
		}
		select {
		case <-t.C:
		case <-stopch:
			return
		}
	}
}

func (self *LED) Stop() {
	self.alive.Stop()
	self.alive.Wait()
	self.set(0)
	_ = self.lines.Flush()
	_ = self.lines.Close()
}
