// Package provision speaks request/response protocol with installer
// over link.Transport and collects network and cloud credentials.
package provision

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/uplink/internal/link"
	"github.com/temoto/uplink/internal/netmgr"
	"github.com/temoto/uplink/internal/store"
	"github.com/temoto/uplink/log2"
)

// maxPerRun bounds work done in one tick.
const maxPerRun = 8

type CredentialStore interface {
	SetCredential(token string)
	SetHost(host string)
}

type Networker interface {
	AddNetwork(ssid, pass string) error
}

type Session struct {
	log       *log2.Log
	transport link.Transport
	store     CredentialStore
	net       Networker
	info      DeviceInfo

	mu        sync.Mutex
	active    bool
	engaged   bool // peer sent at least one request and did not finish yet
	lastError Outcome
	done      func(Outcome)
}

func NewSession(log *log2.Log, t link.Transport, st CredentialStore, net Networker, info DeviceInfo) *Session {
	return &Session{
		log:       log,
		transport: t,
		store:     st,
		net:       net,
		info:      info,
	}
}

// Begin starts advertising. done is called once per delivered payload.
func (self *Session) Begin(done func(Outcome)) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.active {
		self.done = done
		return nil
	}
	if err := self.transport.Start(self.info.Name); err != nil {
		return errors.Annotate(err, "provision begin")
	}
	self.active = true
	self.engaged = false
	self.done = done
	self.log.Infof("provision begin name=%s", self.info.Name)
	return nil
}

// End tears down transport. Safe to call when not active.
func (self *Session) End() {
	self.mu.Lock()
	if !self.active {
		self.mu.Unlock()
		return
	}
	self.active = false
	self.engaged = false
	self.done = nil
	self.mu.Unlock()
	if err := self.transport.Stop(); err != nil {
		self.log.Errorf("provision end err=%v", err)
	}
	self.log.Infof("provision end")
}

func (self *Session) IsActive() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.active
}

func (self *Session) IsUserConfiguring() bool {
	self.mu.Lock()
	engaged := self.active && self.engaged
	self.mu.Unlock()
	return engaged && self.transport.IsPeerConnected()
}

// SetLastError is reported to next installer in info reply.
func (self *Session) SetLastError(o Outcome) {
	self.mu.Lock()
	self.lastError = o
	self.mu.Unlock()
}

func (self *Session) LastError() Outcome {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.lastError
}

// Run processes pending requests without blocking.
func (self *Session) Run() {
	if !self.IsActive() {
		return
	}
	if !self.transport.IsPeerConnected() {
		self.mu.Lock()
		self.engaged = false
		self.mu.Unlock()
	}
	for i := 0; i < maxPerRun; i++ {
		b, ok := self.transport.TryReceive()
		if !ok {
			return
		}
		self.handle(b)
		if !self.IsActive() {
			return
		}
	}
}

func (self *Session) handle(b []byte) {
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		self.log.Errorf("provision bad request len=%d err=%v", len(b), err)
		self.reply(Reply{Type: TypeError, Code: "format", Message: "invalid json"})
		return
	}
	self.mu.Lock()
	self.engaged = true
	self.mu.Unlock()
	self.log.Debugf("provision request t=%s id=%d", req.Type, req.ID)

	switch req.Type {
	case TypePing:
		self.reply(Reply{Type: TypePong, ID: req.ID})
	case TypeInfo:
		self.reply(Reply{
			Type:            TypeInfo,
			ID:              req.ID,
			Name:            self.info.Name,
			UID:             self.info.UID,
			FirmwareVersion: self.info.FirmwareVersion,
			LastError:       self.LastError().String(),
			Intfs:           self.info.Intfs,
		})
	case TypeConfig:
		outcome, err := self.configure(&req)
		if err != nil {
			self.log.Errorf("provision config rejected err=%v", err)
			self.reply(Reply{Type: TypeError, ID: req.ID, Code: outcome.String(), Message: err.Error()})
		} else {
			self.reply(Reply{Type: TypeAck, ID: req.ID})
		}
		self.finish(outcome)
	default:
		self.reply(Reply{Type: TypeError, ID: req.ID, Code: "format", Message: "unknown type"})
	}
}

// configure validates everything before mutating anything.
func (self *Session) configure(req *Request) (Outcome, error) {
	auth := strings.TrimSpace(req.Auth)
	host := strings.TrimSpace(req.Host)
	if !store.ValidToken(auth) {
		return OutcomeTokenError, errors.NotValidf("auth token length=%d", len(auth))
	}
	if strings.ContainsAny(host, " /\t") {
		return OutcomeCloudError, errors.NotValidf("host=%q", host)
	}
	switch req.Intf {
	case IntfWifi:
		if err := netmgr.ValidateWifi(req.SSID, req.Pass); err != nil {
			return OutcomeNetworkError, err
		}
		if self.net == nil {
			return OutcomeNetworkError, errors.NotSupportedf("wifi")
		}
		if err := self.net.AddNetwork(req.SSID, req.Pass); err != nil {
			return OutcomeNetworkError, errors.Annotate(err, "apply wifi")
		}
	case IntfEthernet, IntfCloud, "":
	default:
		return OutcomeNetworkError, errors.NotValidf("intf=%q", req.Intf)
	}
	self.store.SetHost(host)
	self.store.SetCredential(auth)
	self.log.Infof("provision config accepted intf=%s host=%s", req.Intf, host)
	return OutcomeNone, nil
}

func (self *Session) finish(o Outcome) {
	self.mu.Lock()
	done := self.done
	if o == OutcomeNone {
		self.engaged = false
	}
	self.mu.Unlock()
	if done != nil {
		done(o)
	}
}

func (self *Session) reply(r Reply) {
	b, err := json.Marshal(r)
	if err != nil {
		self.log.Errorf("provision reply marshal err=%v", err)
		return
	}
	if err = self.transport.Send(b); err != nil {
		self.log.Debugf("provision reply t=%s err=%v", r.Type, err)
	}
}
