// Package netmgr aggregates network media (ethernet, wifi)
// into any-connected / any-configured view.
package netmgr

import (
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/uplink/helpers"
	"github.com/temoto/uplink/log2"
)

// Transport is one network medium.
type Transport interface {
	String() string
	On() error
	Off() error
	IsConnected() bool
	IsConfigured() bool
	Status() string
}

// WifiConfigurer is implemented by media that accept credentials.
type WifiConfigurer interface {
	AddNetwork(ssid, pass string) error
	ClearNetworks() error
}

// Manager keeps media in priority order, first is preferred.
type Manager struct {
	mu    sync.Mutex
	log   *log2.Log
	media []Transport
}

func NewManager(log *log2.Log, media ...Transport) *Manager {
	return &Manager{log: log, media: media}
}

func (self *Manager) Add(t Transport) {
	self.mu.Lock()
	self.media = append(self.media, t)
	self.mu.Unlock()
}

func (self *Manager) list() []Transport {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]Transport(nil), self.media...)
}

func (self *Manager) AllOn() error {
	errs := make([]error, 0)
	for _, t := range self.list() {
		if err := t.On(); err != nil {
			self.log.Errorf("netmgr %s on err=%v", t, err)
			errs = append(errs, errors.Annotatef(err, "%s on", t))
		}
	}
	return helpers.FoldErrors(errs)
}

func (self *Manager) AllOff() error {
	errs := make([]error, 0)
	for _, t := range self.list() {
		if err := t.Off(); err != nil {
			errs = append(errs, errors.Annotatef(err, "%s off", t))
		}
	}
	return helpers.FoldErrors(errs)
}

func (self *Manager) AnyConnected() bool {
	_, ok := self.Connected()
	return ok
}

// Connected returns highest priority connected medium.
func (self *Manager) Connected() (Transport, bool) {
	for _, t := range self.list() {
		if t.IsConnected() {
			return t, true
		}
	}
	return nil, false
}

func (self *Manager) AnyConfigured() bool {
	for _, t := range self.list() {
		if t.IsConfigured() {
			return true
		}
	}
	return false
}

func (self *Manager) ClearAllNetworks() error {
	errs := make([]error, 0)
	for _, t := range self.list() {
		if wc, ok := t.(WifiConfigurer); ok {
			if err := wc.ClearNetworks(); err != nil {
				errs = append(errs, errors.Annotatef(err, "%s clear", t))
			}
		}
	}
	return helpers.FoldErrors(errs)
}

// AddNetwork applies credentials to first medium that accepts them.
func (self *Manager) AddNetwork(ssid, pass string) error {
	if err := ValidateWifi(ssid, pass); err != nil {
		return err
	}
	for _, t := range self.list() {
		if wc, ok := t.(WifiConfigurer); ok {
			self.log.Infof("netmgr %s add network ssid=%s", t, ssid)
			return errors.Annotatef(wc.AddNetwork(ssid, pass), "%s add network", t)
		}
	}
	return errors.NotSupportedf("wifi medium")
}

func (self *Manager) Status() string {
	ss := make([]string, 0, len(self.media))
	for _, t := range self.list() {
		ss = append(ss, t.String()+": "+t.Status())
	}
	return strings.Join(ss, "\n")
}

func ValidateWifi(ssid, pass string) error {
	if l := len(ssid); l == 0 || l > 32 {
		return errors.NotValidf("wifi ssid length=%d", l)
	}
	switch l := len(pass); {
	case l == 0:
	case l == 64:
		for _, c := range pass {
			if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
				return errors.NotValidf("wifi raw psk must be hex")
			}
		}
	case l < 8 || l > 63:
		return errors.NotValidf("wifi pass length=%d", l)
	}
	return nil
}
