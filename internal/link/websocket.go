package link

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/uplink/log2"
)

const (
	DefaultPath    = "/provision"
	DefaultService = "_uplink._tcp"
	outLimit       = 8
	writeTimeout   = 5 * time.Second
	maxMessageSize = 4 << 10
)

type WebSocketConfig struct {
	Listen     string // host:port, port 0 picks random
	Path       string
	QueueLimit int
	MDNS       bool
	Service    string
}

// WebSocket serves single provisioning peer on local network,
// advertised over mDNS with device name.
type WebSocket struct {
	config   WebSocketConfig
	log      *log2.Log
	in       *Queue
	upgrader websocket.Upgrader

	mu    sync.Mutex
	alive *alive.Alive
	ln    net.Listener
	srv   *http.Server
	mdns  *zeroconf.Server
	peer  *wsPeer
}

type wsPeer struct {
	conn      *websocket.Conn
	out       chan []byte
	stop      chan struct{} // flush out, send close frame
	done      chan struct{} // writer finished, conn closed
	stopOnce  sync.Once
	closeOnce sync.Once
}

var _ Transport = &WebSocket{}

func NewWebSocket(config WebSocketConfig, log *log2.Log) *WebSocket {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.Service == "" {
		config.Service = DefaultService
	}
	return &WebSocket{
		config: config,
		log:    log,
		in:     NewQueue(config.QueueLimit),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   maxMessageSize,
			WriteBufferSize:  maxMessageSize,
			// installer app is not a browser page on our origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (self *WebSocket) Start(name string) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", self.config.Listen)
	if err != nil {
		return errors.Annotatef(err, "link listen=%s", self.config.Listen)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(self.config.Path, self.handle)
	self.alive = alive.NewAlive()
	self.ln = ln
	self.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	self.in.Clear()

	a, srv := self.alive, self.srv
	a.Add(1)
	go func() {
		defer a.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			self.log.Errorf("link serve err=%v", err)
		}
	}()

	if self.config.MDNS {
		port := ln.Addr().(*net.TCPAddr).Port
		txt := []string{"path=" + self.config.Path, "port=" + strconv.Itoa(port)}
		self.mdns, err = zeroconf.Register(name, self.config.Service, "local.", port, txt, nil)
		if err != nil {
			// provisioning still works by address, keep going
			self.log.Errorf("link mdns register name=%s err=%v", name, err)
			self.mdns = nil
		}
	}
	self.log.Infof("link started name=%s addr=%s%s", name, ln.Addr(), self.config.Path)
	return nil
}

func (self *WebSocket) Stop() error {
	self.mu.Lock()
	srv, a, mdns, peer := self.srv, self.alive, self.mdns, self.peer
	self.srv, self.mdns, self.peer, self.ln = nil, nil, nil, nil
	self.mu.Unlock()
	if srv == nil {
		return nil
	}
	if mdns != nil {
		mdns.Shutdown()
	}
	if peer != nil {
		peer.shutdown()
	}
	err := srv.Close()
	a.Stop()
	a.Wait()
	self.in.Clear()
	self.log.Debugf("link stopped")
	return errors.Annotate(err, "link stop")
}

// Addr is useful when listening on port 0.
func (self *WebSocket) Addr() net.Addr {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.ln == nil {
		return nil
	}
	return self.ln.Addr()
}

func (self *WebSocket) IsPeerConnected() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.peer != nil
}

func (self *WebSocket) Send(b []byte) error {
	self.mu.Lock()
	peer := self.peer
	self.mu.Unlock()
	if peer == nil {
		return errors.New("link send: no peer")
	}
	msg := append([]byte(nil), b...)
	select {
	case peer.out <- msg:
		return nil
	case <-peer.done:
		return errors.New("link send: peer gone")
	default:
		return errors.New("link send: out queue full")
	}
}

func (self *WebSocket) TryReceive() ([]byte, bool) { return self.in.TryPop() }

func (self *WebSocket) handle(w http.ResponseWriter, r *http.Request) {
	self.mu.Lock()
	busy := self.peer != nil
	a := self.alive
	self.mu.Unlock()
	if busy {
		http.Error(w, "another installer is connected", http.StatusConflict)
		return
	}
	if a == nil || !a.Add(1) {
		http.Error(w, "stopping", http.StatusServiceUnavailable)
		return
	}
	defer a.Done()

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		self.log.Errorf("link upgrade remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	peer := &wsPeer{
		conn: conn,
		out:  make(chan []byte, outLimit),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	self.mu.Lock()
	if self.peer != nil || self.srv == nil {
		self.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "busy"), time.Now().Add(writeTimeout))
		conn.Close()
		return
	}
	self.peer = peer
	self.mu.Unlock()
	self.log.Infof("link peer connected remote=%s", r.RemoteAddr)

	go peer.writer(self.log)
	self.reader(peer)

	self.mu.Lock()
	if self.peer == peer {
		self.peer = nil
	}
	self.mu.Unlock()
	peer.close()
	self.log.Infof("link peer disconnected remote=%s", r.RemoteAddr)
}

func (self *WebSocket) reader(peer *wsPeer) {
	for {
		mt, b, err := peer.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				self.log.Debugf("link read err=%v", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if err = self.in.Push(b); err != nil {
			self.log.Errorf("link drop inbound len=%d err=%v", len(b), err)
		}
	}
}

func (self *wsPeer) writer(log *log2.Log) {
	defer self.close()
	for {
		select {
		case <-self.done:
			return
		case b := <-self.out:
			if err := self.write(b); err != nil {
				log.Debugf("link write err=%v", err)
				return
			}
		case <-self.stop:
			self.flush(log)
			return
		}
	}
}

// flush writes queued replies, then close frame.
func (self *wsPeer) flush(log *log2.Log) {
	// only writer receives from out
	for len(self.out) > 0 {
		if err := self.write(<-self.out); err != nil {
			log.Debugf("link flush err=%v", err)
			return
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "provisioning finished")
	_ = self.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func (self *wsPeer) write(b []byte) error {
	_ = self.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return self.conn.WriteMessage(websocket.TextMessage, b)
}

// shutdown waits until queued replies are written, at most 2*writeTimeout.
func (self *wsPeer) shutdown() {
	self.stopOnce.Do(func() { close(self.stop) })
	t := time.NewTimer(2 * writeTimeout)
	defer t.Stop()
	select {
	case <-self.done:
	case <-t.C:
		self.close()
	}
}

func (self *wsPeer) close() {
	self.closeOnce.Do(func() {
		close(self.done)
		_ = self.conn.Close()
	})
}
