// Package mqtt is one device session with broker over gomqtt packet/transport.
// Session never reconnects, caller decides when and with what credentials
// to try again.
package mqtt

import (
	"context"
	"crypto/tls"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/uplink/helpers/atomic_clock"
	"github.com/temoto/uplink/log2"
)

const DefaultNetworkTimeout = 30 * time.Second

var ErrClosed = errors.New("mqtt session closed")

type Options struct {
	BrokerURL      string
	TLS            *tls.Config
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	OnMessage      func(*packet.Message) error
	Will           *packet.Message
	Log            *log2.Log
}

// Session lifecycle: dial, CONNECT, CONNACK, SUBSCRIBE, SUBACK, ready.
// Any error is final. QOS 0,1. Publish is serialized.
type Session struct {
	opt     Options
	alive   *alive.Alive
	readych chan struct{}
	lastID  uint32
	refused uint32             // ConnackCode+1, 0 means not refused
	pingat  atomic_clock.Clock // last outgoing packet
	pongat  atomic_clock.Clock // last incoming packet

	mu      sync.Mutex
	conn    transport.Conn
	err     error
	subID   packet.ID
	closing bool

	flow struct {
		sync.Mutex
		id  packet.ID
		ack chan packet.ID
	}
}

// Start validates options and connects in background.
func Start(opt Options) (*Session, error) {
	u, err := url.ParseRequestURI(opt.BrokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	}
	if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.OnMessage == nil {
		opt.OnMessage = func(m *packet.Message) error {
			opt.Log.Debugf("mqtt unhandled message %s", MessageString(m))
			return nil
		}
	}
	s := &Session{
		opt:     opt,
		alive:   alive.NewAlive(),
		readych: make(chan struct{}),
		lastID:  uint32(time.Now().UnixNano()),
	}
	s.alive.Add(1)
	go s.run()
	return s, nil
}

// Ready never blocks: connected and subscribed right now.
func (s *Session) Ready() bool {
	select {
	case <-s.readych:
		return s.alive.IsRunning()
	default:
		return false
	}
}

// Done is closed when session is finished for any reason.
func (s *Session) Done() <-chan struct{} { return s.alive.StopChan() }

// Refused returns CONNACK code when broker refused connection.
func (s *Session) Refused() (packet.ConnackCode, bool) {
	v := atomic.LoadUint32(&s.refused)
	if v == 0 {
		return 0, false
	}
	return packet.ConnackCode(v - 1), true
}

// Err is the reason session finished, nil while running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitReady returns nil when ready, session error or ctx error.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.readych:
		if s.alive.IsRunning() {
			return nil
		}
	case <-s.alive.StopChan():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// Close sends DISCONNECT if connected and waits for background tasks.
func (s *Session) Close() error {
	if s.Ready() {
		_ = s.send(packet.NewDisconnect())
	}
	s.die(ErrClosed)
	s.alive.Wait()
	return nil
}

func (s *Session) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		panic("code error QOS ExactlyOnce not implemented")
	}
	if !s.Ready() {
		return client.ErrClientNotConnected
	}
	s.flow.Lock()
	defer s.flow.Unlock()

	publish := packet.NewPublish()
	publish.Message = *msg
	var ack chan packet.ID
	if msg.QOS == packet.QOSAtLeastOnce {
		publish.ID = s.nextID()
		ack = make(chan packet.ID, 1)
		s.mu.Lock()
		s.flow.id, s.flow.ack = publish.ID, ack
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.flow.id, s.flow.ack = 0, nil
			s.mu.Unlock()
		}()
	}
	if err := s.send(publish); err != nil {
		return errors.Annotate(err, "send PUBLISH")
	}
	if ack == nil {
		return nil
	}

	timer := time.NewTimer(s.opt.NetworkTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-timer.C:
		return s.die(errors.Timeoutf("PUBACK id=%d", publish.ID))
	case <-ctx.Done():
		return ctx.Err()
	case <-s.alive.StopChan():
		return s.WaitReady(ctx)
	}
}

func (s *Session) nextID() packet.ID {
	u32 := atomic.AddUint32(&s.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

// die records first error and stops session. Returns e for convenience.
func (s *Session) die(e error) error {
	if e == nil {
		e = ErrClosed
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return e
	}
	s.closing, s.err = true, e
	conn := s.conn
	s.mu.Unlock()

	s.alive.Stop()
	if conn != nil {
		_ = conn.Close()
	}
	return e
}

func (s *Session) send(p packet.Generic) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		return s.die(errors.Annotatef(err, "send %s", p.Type().String()))
	}
	s.pingat.Touch()
	s.opt.Log.Debugf("mqtt sent %s", PacketString(p))
	return nil
}

// dial, CONNECT, CONNACK, then reader and pinger
func (s *Session) run() {
	defer s.alive.Done()

	dialer := transport.NewDialer(transport.DialConfig{
		TLSConfig: s.opt.TLS,
		Timeout:   s.opt.NetworkTimeout,
	})
	conn, err := dialer.Dial(s.opt.BrokerURL)
	if err != nil {
		s.die(errors.Annotatef(err, "dial broker=%s", s.opt.BrokerURL))
		return
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	connect := packet.NewConnect()
	connect.ClientID = s.opt.ClientID
	if connect.ClientID == "" {
		connect.ClientID = s.opt.Username
	}
	connect.KeepAlive = s.opt.KeepaliveSec
	connect.CleanSession = true
	connect.Username = s.opt.Username
	connect.Password = s.opt.Password
	connect.Will = s.opt.Will
	if err = s.send(connect); err != nil {
		return
	}

	conn.SetReadTimeout(s.opt.NetworkTimeout)
	pkt, err := conn.Receive()
	if err != nil {
		s.die(errors.Annotate(err, "expect CONNACK"))
		return
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		s.die(errors.Annotatef(client.ErrClientExpectedConnack, "server error pkt=%s", PacketString(pkt)))
		return
	}
	s.opt.Log.Debugf("mqtt CONNACK=%s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		atomic.StoreUint32(&s.refused, uint32(connack.ReturnCode)+1)
		s.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
		return
	}
	conn.SetReadTimeout(0)
	s.pongat.Touch()

	if len(s.opt.Subscriptions) == 0 {
		close(s.readych)
	} else {
		sub := packet.NewSubscribe()
		sub.ID = s.nextID()
		sub.Subscriptions = s.opt.Subscriptions
		s.mu.Lock()
		s.subID = sub.ID
		s.mu.Unlock()
		if err = s.send(sub); err != nil {
			return
		}
		if s.alive.Add(1) {
			go s.subscribeTimeout()
		}
	}

	if s.opt.KeepaliveSec != 0 && s.alive.Add(1) {
		go s.pinger()
	}
	s.reader(conn)
}

func (s *Session) subscribeTimeout() {
	defer s.alive.Done()
	timer := time.NewTimer(s.opt.NetworkTimeout)
	defer timer.Stop()
	select {
	case <-s.readych:
	case <-s.alive.StopChan():
	case <-timer.C:
		s.die(errors.Timeoutf("SUBACK"))
	}
}

// Sends PINGREQ when nothing was sent for keepalive minus network timeout.
func (s *Session) pinger() {
	defer s.alive.Done()

	// [MQTT-3.1.2-24] control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(s.opt.KeepaliveSec)
	interval := keepalive - s.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := s.alive.StopChan()
	for {
		now := time.Now()
		if s.pongat.Age(now) > keepalive {
			s.die(client.ErrClientMissingPong)
			return
		}
		wait := interval - s.pingat.Age(now)
		if wait <= 0 {
			if err := s.send(packet.NewPingreq()); err != nil {
				return
			}
			wait = interval
		}
		select {
		case <-time.After(wait):
		case <-stopch:
			return
		}
	}
}

func (s *Session) reader(conn transport.Conn) {
	for {
		pkt, err := conn.Receive()
		if !s.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path
		case io.EOF:
			s.opt.Log.Errorf("mqtt server closed connection")
			s.die(errors.Annotate(io.EOF, "receive"))
			return
		default:
			s.die(errors.Annotate(err, "receive"))
			return
		}
		s.pongat.Touch()
		s.opt.Log.Debugf("mqtt received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Pingresp:
		case *packet.Suback:
			s.onSuback(pt)
		case *packet.Puback:
			s.onPuback(pt.ID)
		case *packet.Publish:
			s.onPublish(pt)
		case *packet.Connack:
			s.die(errors.Errorf("server error duplicate CONNACK"))
		default:
			s.opt.Log.Debugf("mqtt unexpected packet %s", PacketString(pkt))
		}
	}
}

func (s *Session) onSuback(suback *packet.Suback) {
	s.mu.Lock()
	expect := s.subID
	s.mu.Unlock()
	if expect == 0 || suback.ID != expect {
		s.die(errors.Annotatef(client.ErrFailedSubscription, "unexpected SUBACK id=%d", suback.ID))
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			s.die(client.ErrFailedSubscription)
			return
		}
	}
	close(s.readych)
}

func (s *Session) onPuback(id packet.ID) {
	s.mu.Lock()
	expect, ack := s.flow.id, s.flow.ack
	s.mu.Unlock()
	if ack == nil || id != expect {
		// publisher gave up waiting
		s.opt.Log.Debugf("mqtt PUBACK id=%d expected=%d ignored", id, expect)
		return
	}
	ack <- id
}

func (s *Session) onPublish(publish *packet.Publish) {
	if publish.Message.QOS > packet.QOSAtLeastOnce {
		s.die(errors.NotSupportedf("qos=%d", publish.Message.QOS))
		return
	}
	if err := s.opt.OnMessage(&publish.Message); err != nil {
		s.opt.Log.Errorf("mqtt onMessage topic=%s err=%v", publish.Message.Topic, err)
		return
	}
	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = s.send(puback)
	}
}
