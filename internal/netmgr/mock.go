package netmgr

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
)

type Mock struct {
	Name string

	mu         sync.Mutex
	on         bool
	connected  bool
	configured bool
	ons        int
	networks   map[string]string
	OnErr      error
}

var _ Transport = &Mock{}
var _ WifiConfigurer = &Mock{}

func NewMock(name string, configured bool) *Mock {
	return &Mock{Name: name, configured: configured, networks: make(map[string]string)}
}

func (m *Mock) String() string { return m.Name }

func (m *Mock) On() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ons++
	if m.OnErr != nil {
		return m.OnErr
	}
	m.on = true
	return nil
}

func (m *Mock) Off() error {
	m.mu.Lock()
	m.on = false
	m.mu.Unlock()
	return nil
}

func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on && m.connected
}

func (m *Mock) IsConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configured
}

func (m *Mock) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("on=%t connected=%t configured=%t", m.on, m.connected, m.configured)
}

func (m *Mock) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *Mock) Ons() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ons
}

func (m *Mock) AddNetwork(ssid, pass string) error {
	if err := ValidateWifi(ssid, pass); err != nil {
		return errors.Trace(err)
	}
	m.mu.Lock()
	m.networks[ssid] = pass
	m.configured = true
	m.mu.Unlock()
	return nil
}

func (m *Mock) ClearNetworks() error {
	m.mu.Lock()
	m.networks = make(map[string]string)
	m.configured = false
	m.mu.Unlock()
	return nil
}

func (m *Mock) Networks() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make(map[string]string, len(m.networks))
	for k, v := range m.networks {
		r[k] = v
	}
	return r
}
