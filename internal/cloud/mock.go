package cloud

import (
	"sync"
	"time"
)

// Mock session, tests drive its state.
type Mock struct {
	mu           sync.Mutex
	connected    bool
	tokenInvalid bool
	connects     int
	disconnects  int
	runs         int
	lastHost     string
	lastToken    string
	lastTimeout  time.Duration
	published    map[string][][]byte
	// ConnectOK makes Connect succeed immediately.
	ConnectOK bool
	PubErr    error
}

var _ Session = &Mock{}
var _ Publisher = &Mock{}

func (m *Mock) Connect(host, token string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	m.lastHost, m.lastToken, m.lastTimeout = host, token, timeout
	m.connected = m.ConnectOK
}

func (m *Mock) Run() {
	m.mu.Lock()
	m.runs++
	m.mu.Unlock()
}

func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Mock) IsTokenInvalid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenInvalid
}

func (m *Mock) Disconnect() {
	m.mu.Lock()
	m.disconnects++
	m.connected = false
	m.mu.Unlock()
}

func (m *Mock) Publish(topic string, payload []byte, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PubErr != nil {
		return m.PubErr
	}
	if !m.connected {
		return ErrOffline
	}
	if m.published == nil {
		m.published = make(map[string][][]byte)
	}
	m.published[topic] = append(m.published[topic], append([]byte(nil), payload...))
	return nil
}

func (m *Mock) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *Mock) SetTokenInvalid(v bool) {
	m.mu.Lock()
	m.tokenInvalid = v
	m.mu.Unlock()
}

func (m *Mock) SetPubErr(err error) {
	m.mu.Lock()
	m.PubErr = err
	m.mu.Unlock()
}

func (m *Mock) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *Mock) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

func (m *Mock) Last() (host, token string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHost, m.lastToken, m.lastTimeout
}

func (m *Mock) Published(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published[topic]...)
}
