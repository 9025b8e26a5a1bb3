package link

import (
	"sync"

	"github.com/juju/errors"
)

// Memory is in-process Transport for tests and console-driven provisioning.
type Memory struct {
	mu      sync.Mutex
	in      *Queue
	out     [][]byte
	name    string
	started bool
	peer    bool
	starts  int
	stops   int
}

var _ Transport = &Memory{}

func NewMemory(limit int) *Memory {
	return &Memory{in: NewQueue(limit)}
}

func (m *Memory) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	m.started = true
	m.starts++
	return nil
}

func (m *Memory) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		m.stops++
	}
	m.started = false
	m.peer = false
	m.in.Clear()
	return nil
}

func (m *Memory) IsPeerConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && m.peer
}

func (m *Memory) Send(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || !m.peer {
		return errors.New("link memory send: no peer")
	}
	m.out = append(m.out, append([]byte(nil), b...))
	return nil
}

func (m *Memory) TryReceive() ([]byte, bool) { return m.in.TryPop() }

// Peer side.

func (m *Memory) Connect() {
	m.mu.Lock()
	m.peer = true
	m.mu.Unlock()
}

func (m *Memory) Disconnect() {
	m.mu.Lock()
	m.peer = false
	m.mu.Unlock()
}

// Inject delivers message from peer.
func (m *Memory) Inject(b []byte) error {
	m.mu.Lock()
	ok := m.started
	m.mu.Unlock()
	if !ok {
		return errors.New("link memory not started")
	}
	return m.in.Push(b)
}

// Sent drains messages sent to peer.
func (m *Memory) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.out
	m.out = nil
	return out
}

func (m *Memory) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *Memory) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *Memory) Counts() (starts, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops
}
