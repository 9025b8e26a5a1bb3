package cloud

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/juju/errors"
	"github.com/temoto/uplink/log2"
)

// Paho session, alternative driver selected with cloud.driver="paho".
type Paho struct {
	log       *log2.Log
	opt       Options
	onMessage func(topic string, payload []byte)

	mu        sync.Mutex
	client    paho.Client
	err       error // last connect error
	gen       uint32 // bumped by each Connect, stale callbacks compare
	connected uint32
	refused   uint32
}

var pahoLogOnce sync.Once

var _ Session = &Paho{}
var _ Publisher = &Paho{}

func NewPaho(log *log2.Log, opt Options, onMessage func(topic string, payload []byte), debug bool) *Paho {
	// paho loggers are package globals, first driver wins
	pahoLogOnce.Do(func() {
		pl := pahoLogger{log.Clone(log2.LDebug)}
		paho.CRITICAL = pl
		paho.ERROR = pl
		paho.WARN = pl
		if debug {
			paho.DEBUG = pl
		}
	})
	return &Paho{log: log, opt: opt, onMessage: onMessage}
}

func (self *Paho) Connect(host, token string, timeout time.Duration) {
	self.Disconnect()

	atomic.StoreUint32(&self.refused, 0)
	self.setErr(nil)
	url, err := self.opt.BrokerURL(host)
	if err != nil {
		self.setErr(errors.Annotate(err, "cloud connect"))
		self.log.Errorf("cloud connect err=%v", err)
		return
	}
	tc, err := self.opt.TLSConfig()
	if err != nil {
		self.setErr(errors.Annotate(err, "cloud connect"))
		self.log.Errorf("cloud connect err=%v", err)
		return
	}
	gen := atomic.AddUint32(&self.gen, 1)
	atomic.StoreUint32(&self.connected, 0)

	networkTimeout := timeout
	if self.opt.NetworkTimeout != 0 && self.opt.NetworkTimeout < timeout {
		networkTimeout = self.opt.NetworkTimeout
	}
	mopt := paho.NewClientOptions().
		AddBroker(url).
		SetAutoReconnect(false).
		SetBinaryWill(self.opt.Topic("status"), []byte("offline"), 1, true).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetClientID(self.opt.ClientID).
		SetUsername(Username).
		SetPassword(token).
		SetConnectTimeout(timeout).
		SetKeepAlive(time.Duration(self.opt.KeepaliveSec) * time.Second).
		SetPingTimeout(networkTimeout).
		SetWriteTimeout(networkTimeout).
		SetOnConnectHandler(func(c paho.Client) {
			if atomic.LoadUint32(&self.gen) != gen {
				return
			}
			if self.onMessage != nil {
				c.Subscribe(self.opt.Topic("cmd/#"), 1, func(_ paho.Client, m paho.Message) {
					self.onMessage(m.Topic(), m.Payload())
				})
			}
			c.Publish(self.opt.Topic("status"), 0, true, []byte("online"))
			atomic.StoreUint32(&self.connected, 1)
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			if atomic.LoadUint32(&self.gen) != gen {
				return
			}
			atomic.StoreUint32(&self.connected, 0)
			self.setErr(errors.Annotate(err, "cloud connection lost"))
			self.log.Errorf("cloud connection lost err=%v", err)
		})
	if tc != nil {
		mopt.SetTLSConfig(tc)
	}
	c := paho.NewClient(mopt)
	self.mu.Lock()
	self.client = c
	self.mu.Unlock()
	self.log.Infof("cloud connecting broker=%s driver=paho", url)

	go func() {
		t := c.Connect()
		if !t.WaitTimeout(timeout) {
			if atomic.LoadUint32(&self.gen) == gen {
				self.setErr(errors.Timeoutf("cloud connect"))
			}
			return
		}
		err := t.Error()
		if err == nil || atomic.LoadUint32(&self.gen) != gen {
			return
		}
		var rc byte
		if ct, ok := t.(*paho.ConnectToken); ok {
			rc = ct.ReturnCode()
		}
		if pahoAuthRefused(rc, err) {
			atomic.StoreUint32(&self.refused, 1)
		}
		self.setErr(errors.Annotate(err, "cloud connect"))
		self.log.Errorf("cloud connect err=%v", err)
	}()
}

// pahoAuthRefused reports CONNACK codes meaning token is rejected.
// Paho returns shared error values from packets.ConnErrors.
func pahoAuthRefused(rc byte, err error) bool {
	switch rc {
	case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised:
		return true
	}
	return err != nil &&
		(err == packets.ConnErrors[packets.ErrRefusedBadUsernameOrPassword] ||
			err == packets.ConnErrors[packets.ErrRefusedNotAuthorised])
}

func (self *Paho) setErr(err error) {
	self.mu.Lock()
	self.err = err
	self.mu.Unlock()
}

// Err returns last connect error, nil while connecting or connected.
func (self *Paho) Err() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.err
}

func (self *Paho) Run() {}

func (self *Paho) Connected() bool { return atomic.LoadUint32(&self.connected) == 1 }

func (self *Paho) IsTokenInvalid() bool { return atomic.LoadUint32(&self.refused) == 1 }

func (self *Paho) Disconnect() {
	atomic.AddUint32(&self.gen, 1)
	atomic.StoreUint32(&self.connected, 0)
	self.mu.Lock()
	c := self.client
	self.client = nil
	self.mu.Unlock()
	if c != nil {
		go c.Disconnect(250)
	}
}

func (self *Paho) Publish(topic string, payload []byte, timeout time.Duration) error {
	self.mu.Lock()
	c := self.client
	self.mu.Unlock()
	if c == nil || !self.Connected() {
		return ErrOffline
	}
	t := c.Publish(topic, 1, false, payload)
	if !t.WaitTimeout(timeout) {
		return errors.Timeoutf("cloud publish topic=%s", topic)
	}
	return errors.Annotatef(t.Error(), "cloud publish topic=%s", topic)
}

type pahoLogger struct{ l *log2.Log }

func (p pahoLogger) Println(v ...interface{}) { p.l.Debug(fmt.Sprintln(v...)) }
func (p pahoLogger) Printf(format string, v ...interface{}) {
	p.l.Debugf(format, v...)
}
