package cloud

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/uplink/internal/cloud/mqtt"
	"github.com/temoto/uplink/log2"
)

// Native session runs in-tree MQTT client.
type Native struct {
	log       *log2.Log
	opt       Options
	onMessage func(topic string, payload []byte)

	mu       sync.Mutex
	client   *mqtt.Session
	err      error // config error of last Connect
	wasReady bool
}

var _ Session = &Native{}
var _ Publisher = &Native{}

func NewNative(log *log2.Log, opt Options, onMessage func(topic string, payload []byte)) *Native {
	return &Native{log: log, opt: opt, onMessage: onMessage}
}

func (self *Native) Connect(host, token string, timeout time.Duration) {
	self.Disconnect()

	url, err := self.opt.BrokerURL(host)
	var tc *tls.Config
	if err == nil {
		tc, err = self.opt.TLSConfig()
	}
	if err != nil {
		self.log.Errorf("cloud connect err=%v", err)
		self.mu.Lock()
		self.err = err
		self.mu.Unlock()
		return
	}
	opts := mqtt.Options{
		BrokerURL:      url,
		TLS:            tc,
		NetworkTimeout: timeout,
		KeepaliveSec:   uint16(self.opt.KeepaliveSec),
		ClientID:       self.opt.ClientID,
		Username:       Username,
		Password:       token,
		Log:            self.log,
		Will: &packet.Message{
			Topic:   self.opt.Topic("status"),
			Payload: []byte("offline"),
			QOS:     packet.QOSAtLeastOnce,
			Retain:  true,
		},
	}
	if self.opt.NetworkTimeout != 0 && self.opt.NetworkTimeout < timeout {
		opts.NetworkTimeout = self.opt.NetworkTimeout
	}
	if self.onMessage != nil {
		opts.Subscriptions = []packet.Subscription{{Topic: self.opt.Topic("cmd/#"), QOS: packet.QOSAtLeastOnce}}
		opts.OnMessage = func(m *packet.Message) error {
			self.onMessage(m.Topic, m.Payload)
			return nil
		}
	}
	c, err := mqtt.Start(opts)
	self.mu.Lock()
	self.client, self.err, self.wasReady = c, err, false
	self.mu.Unlock()
	if err != nil {
		self.log.Errorf("cloud connect err=%v", errors.ErrorStack(err))
		return
	}
	self.log.Infof("cloud connecting broker=%s", url)
}

// Run announces online status once per connection.
func (self *Native) Run() {
	self.mu.Lock()
	c := self.client
	announce := c != nil && !self.wasReady && c.Ready()
	if announce {
		self.wasReady = true
	}
	self.mu.Unlock()
	if announce {
		go func() {
			msg := &packet.Message{Topic: self.opt.Topic("status"), Payload: []byte("online"), QOS: packet.QOSAtMostOnce, Retain: true}
			ctx, cancel := context.WithTimeout(context.Background(), mqtt.DefaultNetworkTimeout)
			defer cancel()
			if err := c.Publish(ctx, msg); err != nil {
				self.log.Debugf("cloud status publish err=%v", err)
			}
		}()
	}
}

// Err is configuration or last connection error.
func (self *Native) Err() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.err != nil || self.client == nil {
		return self.err
	}
	return self.client.Err()
}

func (self *Native) Connected() bool {
	self.mu.Lock()
	c := self.client
	self.mu.Unlock()
	return c != nil && c.Ready()
}

func (self *Native) IsTokenInvalid() bool {
	self.mu.Lock()
	c := self.client
	self.mu.Unlock()
	if c == nil {
		return false
	}
	code, refused := c.Refused()
	return refused && mqtt.IsAuthRefused(code)
}

// Disconnect drops session, closing happens in background.
func (self *Native) Disconnect() {
	self.mu.Lock()
	c := self.client
	self.client, self.wasReady = nil, false
	self.mu.Unlock()
	if c != nil {
		go func() { _ = c.Close() }()
	}
}

func (self *Native) Publish(topic string, payload []byte, timeout time.Duration) error {
	self.mu.Lock()
	c := self.client
	self.mu.Unlock()
	if c == nil {
		return ErrOffline
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msg := &packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtLeastOnce}
	return errors.Annotatef(c.Publish(ctx, msg), "cloud publish topic=%s", topic)
}
