// Package connectivity drives device from provisioning to steady cloud session.
//
// Machine is not safe for concurrent use, it is owned by Driver goroutine.
// Each Tick evaluates current state, performs at most one transition and returns.
package connectivity

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/uplink/helpers"
	"github.com/temoto/uplink/internal/cloud"
	"github.com/temoto/uplink/internal/provision"
	"github.com/temoto/uplink/internal/store"
	"github.com/temoto/uplink/internal/system"
	"github.com/temoto/uplink/log2"
)

const (
	DefaultMaxRetries = 500
	BootstrapRetries  = 1

	DefaultNetTimeout    = 50 * time.Second
	DefaultCloudTimeout  = 50 * time.Second
	DefaultErrorLinger   = 10 * time.Second
	DefaultConfigTimeout = 5 * time.Minute
	MinConfigTimeout     = time.Minute
	MaxConfigTimeout     = time.Hour

	DefaultConfigSkipLimit = 10
	MinConfigSkipLimit     = 5
	MaxConfigSkipLimit     = 50
)

type Config struct {
	MaxRetries    int
	NetTimeout    time.Duration
	CloudTimeout  time.Duration
	ErrorLinger   time.Duration
	ConfigTimeout time.Duration
	// ConfigSkipLimit 0 disables skip accounting, otherwise clamped to [5,50].
	ConfigSkipLimit int
}

// DefaultConfig returns values used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      DefaultMaxRetries,
		NetTimeout:      DefaultNetTimeout,
		CloudTimeout:    DefaultCloudTimeout,
		ErrorLinger:     DefaultErrorLinger,
		ConfigTimeout:   DefaultConfigTimeout,
		ConfigSkipLimit: DefaultConfigSkipLimit,
	}
}

func ClampConfigTimeout(d time.Duration) time.Duration {
	return helpers.ClampDuration(d, MinConfigTimeout, MaxConfigTimeout)
}

func ClampConfigSkipLimit(n int) int {
	switch {
	case n <= 0:
		return 0
	case n < MinConfigSkipLimit:
		return MinConfigSkipLimit
	case n > MaxConfigSkipLimit:
		return MaxConfigSkipLimit
	}
	return n
}

func (c *Config) normalize() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.NetTimeout <= 0 {
		c.NetTimeout = DefaultNetTimeout
	}
	if c.CloudTimeout <= 0 {
		c.CloudTimeout = DefaultCloudTimeout
	}
	if c.ErrorLinger <= 0 {
		c.ErrorLinger = DefaultErrorLinger
	}
	if c.ConfigTimeout == 0 {
		c.ConfigTimeout = DefaultConfigTimeout
	}
	c.ConfigTimeout = ClampConfigTimeout(c.ConfigTimeout)
	c.ConfigSkipLimit = ClampConfigSkipLimit(c.ConfigSkipLimit)
}

type Store interface {
	Load() bool
	LoadDefault()
	IsProvisioned() bool
	IsSaved() bool
	Auth() string
	Host() string
	FirmwareVersion() string
	SkipCount() int
	SetCredential(token string)
	SetHost(host string)
	Commit() error
	Erase() error
	RecordSkippedProvisioning() error
	ResetSkipCount() error
	StoreFirmwareVersion(v string) error
}

type Network interface {
	AllOn() error
	AnyConnected() bool
	AnyConfigured() bool
	ClearAllNetworks() error
}

type Provisioner interface {
	Begin(done func(provision.Outcome)) error
	End()
	Run()
	IsUserConfiguring() bool
	SetLastError(provision.Outcome)
}

type Stats interface {
	TrackConnected(now time.Time)
	TrackDisconnected(now time.Time)
	NetworkDrop()
	CloudDrop()
}

// Reporter receives startup connection events, usually cloud.Outbox.
type Reporter interface {
	LogEvent(name, desc string) error
	SetMeta(key, value string) error
}

type Device struct {
	UID             string
	Name            string
	FirmwareVersion string
}

type Deps struct {
	Store     Store
	Net       Network
	Cloud     cloud.Session
	Session   Provisioner
	Stats     Stats
	Restarter system.Restarter
	Reporter  Reporter // optional
	Clock     func() time.Time
}

type startupMode uint8

const (
	startupUnset startupMode = iota
	startupDefault
	startupCustom
)

type Machine struct {
	log    *log2.Log
	config Config
	device Device

	store   Store
	net     Network
	cloud   cloud.Session
	prov    Provisioner
	stats   Stats
	restart system.Restarter
	report  Reporter
	clock   func() time.Time

	current      State
	previous     State
	entered      bool
	enteredAt    time.Time
	now          time.Time
	netRetries   int
	cloudRetries int
	tokenInvalid bool
	restarting   bool
	lastErr      error

	startup   startupMode
	startupFn func()

	OnStateChange         func(prev, next State)
	OnInitialConnection   func()
	OnConfigChange        func()
	OnUserInitiatedReboot func()
}

func NewMachine(log *log2.Log, config Config, device Device, deps Deps) *Machine {
	config.normalize()
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Store == nil || deps.Net == nil || deps.Cloud == nil || deps.Session == nil ||
		deps.Stats == nil || deps.Restarter == nil {
		panic("code error connectivity.NewMachine missing dependency")
	}
	return &Machine{
		log:          log,
		config:       config,
		device:       device,
		store:        deps.Store,
		net:          deps.Net,
		cloud:        deps.Cloud,
		prov:         deps.Session,
		stats:        deps.Stats,
		restart:      deps.Restarter,
		report:       deps.Reporter,
		clock:        deps.Clock,
		current:      StateInit,
		previous:     StateInit,
		netRetries:   config.MaxRetries,
		cloudRetries: config.MaxRetries,
		startup:      startupDefault,
	}
}

func (self *Machine) Config() Config    { return self.config }
func (self *Machine) State() State      { return self.current }
func (self *Machine) Previous() State   { return self.previous }
func (self *Machine) StateName() string { return self.current.String() }
func (self *Machine) LastError() error  { return self.lastErr }

// Retries returns remaining network and cloud budget.
func (self *Machine) Retries() (netLeft, cloudLeft int) { return self.netRetries, self.cloudRetries }

// OnStartupConnection replaces startup hook.
// nil disables the hook including default action.
func (self *Machine) OnStartupConnection(f func()) {
	if f == nil {
		self.startup, self.startupFn = startupUnset, nil
		return
	}
	self.startup, self.startupFn = startupCustom, f
}

// Begin loads stored configuration and makes first transition.
func (self *Machine) Begin() {
	if self.current != StateInit {
		self.log.Errorf("code error connectivity Begin called twice state=%s", self.current)
		return
	}
	self.now = self.clock()
	self.store.Load()
	self.printBanner()

	switch {
	case self.isConfigured():
		self.setState(StateConnectingNet, false)
	case self.skipLimitReached():
		self.log.Infof("provision skip limit reached count=%d limit=%d", self.store.SkipCount(), self.config.ConfigSkipLimit)
		self.setState(StateIdle, false)
	default:
		self.setState(StateWaitConfig, false)
	}
}

func (self *Machine) Tick(now time.Time) {
	self.now = now
	switch self.current {
	case StateIdle:
		self.entered = true
	case StateWaitConfig:
		self.tickWaitConfig()
	case StateConnectingNet:
		self.tickConnectingNet()
	case StateConnectingCloud:
		self.tickConnectingCloud()
	case StateRunning:
		self.tickRunning()
	case StateResetConfig:
		self.tickResetConfig()
	case StateError:
		self.tickError()
	}
}

// StartProvisioning drops cloud session and waits for installer.
func (self *Machine) StartProvisioning() {
	self.touch()
	self.cloud.Disconnect()
	self.setState(StateWaitConfig, false)
}

// StopProvisioning leaves WaitConfig, to ConnectingNet if stored config is usable.
func (self *Machine) StopProvisioning() {
	if self.current != StateWaitConfig {
		return
	}
	self.touch()
	if self.isConfigured() && !self.tokenInvalid {
		self.resetRetries()
		self.setState(StateConnectingNet, false)
	} else {
		self.setState(StateIdle, false)
	}
}

// ResetConfiguration erases stored configuration, no-op while waiting for config.
func (self *Machine) ResetConfiguration() {
	if self.current == StateWaitConfig {
		return
	}
	self.touch()
	self.setState(StateResetConfig, false)
}

// EraseConfiguration is factory reset from console: network credentials are
// cleared too and reset happens in any state, WaitConfig included.
func (self *Machine) EraseConfiguration() error {
	err := self.net.ClearAllNetworks()
	if err != nil {
		self.log.Errorf("config erase networks err=%v", err)
	}
	self.touch()
	self.setState(StateResetConfig, false)
	return errors.Annotate(err, "config erase")
}

func (self *Machine) IsProvisioned() bool { return self.isConfigured() }

// ForceConnect bypasses provisioning with given credentials.
// Empty host means default.
func (self *Machine) ForceConnect(token, host string) error {
	if !store.ValidToken(token) {
		return errors.NotValidf("auth token length=%d", len(token))
	}
	self.touch()
	self.store.LoadDefault()
	self.store.SetCredential(token)
	if host != "" {
		self.store.SetHost(host)
	}
	self.tokenInvalid = false
	self.cloud.Disconnect()
	self.startInitialConnection()
	return nil
}

// Reboot is user initiated restart.
func (self *Machine) Reboot() {
	if self.OnUserInitiatedReboot != nil {
		self.OnUserInitiatedReboot()
	}
	self.restarting = true
	self.restart.Restart("user")
}

func (self *Machine) tickWaitConfig() {
	if !self.entered {
		self.entered = true
		if err := self.prov.Begin(self.onProvisioned); err != nil {
			self.lastErr = err
			self.log.Errorf("state=%s provision begin err=%v", self.current, errors.ErrorStack(err))
		}
	}

	self.prov.Run()
	if self.current != StateWaitConfig || !self.entered {
		return
	}
	if self.elapsed() <= self.config.ConfigTimeout {
		return
	}
	if self.prov.IsUserConfiguring() {
		self.enteredAt = self.now
		return
	}

	self.log.Infof("provision timeout after %v", self.config.ConfigTimeout)
	if self.config.ConfigSkipLimit > 0 {
		if err := self.store.RecordSkippedProvisioning(); err != nil {
			self.log.Errorf("provision record skip err=%v", err)
		}
	}
	switch {
	case self.isConfigured() && !self.tokenInvalid:
		self.resetRetries()
		self.setState(StateConnectingNet, false)
	case self.skipLimitReached():
		self.setState(StateIdle, false)
	default:
		self.setState(StateWaitConfig, true)
	}
}

func (self *Machine) onProvisioned(o provision.Outcome) {
	if o != provision.OutcomeNone {
		self.log.Infof("provision attempt failed outcome=%s", o)
		self.prov.SetLastError(o)
		return
	}
	self.log.Infof("provision received configuration")
	self.tokenInvalid = false
	if self.OnConfigChange != nil {
		self.OnConfigChange()
	}
	self.startInitialConnection()
}

func (self *Machine) startInitialConnection() {
	self.netRetries, self.cloudRetries = BootstrapRetries, BootstrapRetries
	self.setState(StateConnectingNet, false)
}

func (self *Machine) tickConnectingNet() {
	if !self.entered {
		self.entered = true
		if err := self.net.AllOn(); err != nil {
			self.log.Errorf("state=%s network on err=%v", self.current, err)
		}
	}

	if self.net.AnyConnected() {
		self.netRetries = self.config.MaxRetries
		self.setState(StateConnectingCloud, false)
		return
	}
	if self.elapsed() > self.config.NetTimeout {
		self.lastErr = errors.Timeoutf("network connect after %v", self.config.NetTimeout)
		self.log.Infof("%v retries=%d", self.lastErr, self.netRetries-1)
		self.netRetries--
		if self.netRetries <= 0 {
			self.prov.SetLastError(provision.OutcomeNetworkError)
			self.escalate()
		} else {
			self.setState(StateConnectingNet, true)
		}
	}
}

func (self *Machine) tickConnectingCloud() {
	if !self.entered {
		self.entered = true
		self.cloud.Connect(self.store.Host(), self.store.Auth(), self.config.CloudTimeout)
	}

	self.cloud.Run()

	if self.cloud.Connected() {
		self.cloudConnected()
		return
	}
	if self.tokenInvalid = self.cloud.IsTokenInvalid(); self.tokenInvalid {
		self.lastErr = errors.Unauthorizedf("cloud rejected auth token")
		self.log.Errorf("state=%s %v", self.current, self.lastErr)
		if !self.store.IsSaved() {
			self.prov.SetLastError(provision.OutcomeTokenError)
		}
		self.setState(StateWaitConfig, false)
		return
	}
	if !self.net.AnyConnected() {
		self.setState(StateConnectingNet, false)
		return
	}
	if self.elapsed() > self.config.CloudTimeout {
		self.lastErr = errors.Timeoutf("cloud connect after %v", self.config.CloudTimeout)
		self.log.Infof("%v retries=%d", self.lastErr, self.cloudRetries-1)
		self.cloudRetries--
		if self.cloudRetries <= 0 {
			self.prov.SetLastError(provision.OutcomeCloudError)
			self.escalate()
		} else {
			self.setState(StateConnectingCloud, true)
		}
	}
}

func (self *Machine) cloudConnected() {
	self.tokenInvalid = false
	if !self.store.IsSaved() {
		self.prov.SetLastError(provision.OutcomeNone)
		if err := self.store.Commit(); err != nil {
			self.lastErr = err
			self.log.Errorf("config commit err=%v", errors.ErrorStack(err))
		} else {
			self.log.Infof("Config saved")
			if err := self.store.ResetSkipCount(); err != nil {
				self.log.Errorf("config reset skip err=%v", err)
			}
			if self.OnInitialConnection != nil {
				self.OnInitialConnection()
			}
		}
	}
	self.cloudRetries = self.config.MaxRetries
	self.stats.TrackConnected(self.now)
	self.setState(StateRunning, false)
	self.startupConnection()
}

func (self *Machine) startupConnection() {
	if self.startup == startupUnset {
		return
	}
	fn := self.startupFn
	self.startup, self.startupFn = startupUnset, nil

	prev := self.store.FirmwareVersion()
	if cur := self.device.FirmwareVersion; cur != prev {
		if prev != "" {
			desc := "Firmware updated from " + prev + " to " + cur
			self.log.Infof("%s", desc)
			self.reportEvent("sys_ota", desc)
		}
		if err := self.store.StoreFirmwareVersion(cur); err != nil {
			self.log.Errorf("store firmware version err=%v", err)
		}
	}
	self.reportMeta("Device UID", self.device.UID)
	self.reportMeta("Hotspot Name", self.device.Name)

	if fn != nil {
		fn()
	}
}

func (self *Machine) tickRunning() {
	self.entered = true
	self.cloud.Run()
	if self.cloud.Connected() {
		return
	}
	self.stats.TrackDisconnected(self.now)
	if self.net.AnyConnected() {
		self.stats.CloudDrop()
		self.setState(StateConnectingCloud, false)
	} else {
		self.stats.NetworkDrop()
		self.setState(StateConnectingNet, false)
	}
}

func (self *Machine) tickResetConfig() {
	self.entered = true
	self.log.Infof("Resetting configuration")
	if err := self.store.Erase(); err != nil {
		self.lastErr = err
		self.log.Errorf("config erase err=%v", err)
	}
	self.tokenInvalid = false
	self.setState(StateWaitConfig, false)
}

func (self *Machine) tickError() {
	self.entered = true
	if self.restarting || self.elapsed() <= self.config.ErrorLinger {
		return
	}
	self.restarting = true
	self.log.Infof("Restarting after error")
	self.restart.Restart("error")
}

// escalate after retry budget is exhausted.
// Before first commit, installer gets another chance.
func (self *Machine) escalate() {
	if !self.store.IsSaved() {
		self.setState(StateWaitConfig, false)
	} else {
		self.log.Errorf("connectivity fatal err=%v", self.lastErr)
		self.setState(StateError, false)
	}
}

func (self *Machine) setState(next State, force bool) {
	if !next.Valid() {
		return
	}
	prev := self.current
	if prev == next && !force {
		return
	}
	if prev == StateWaitConfig && next != StateWaitConfig {
		self.prov.End()
	}
	if (prev == StateConnectingCloud || prev == StateRunning) &&
		(next == StateWaitConfig || next == StateIdle || next == StateResetConfig || next == StateError) {
		self.cloud.Disconnect()
	}

	self.log.Infof("state %s => %s", prev, next)
	self.log.Event("state", "prev", prev, "next", next, "force", force)
	self.previous = prev
	self.current = next
	self.entered = false
	self.enteredAt = self.now
	if self.OnStateChange != nil {
		self.OnStateChange(prev, next)
	}
}

func (self *Machine) elapsed() time.Duration { return self.now.Sub(self.enteredAt) }

// touch refreshes clock for transitions outside Tick.
func (self *Machine) touch() {
	if now := self.clock(); now.After(self.now) {
		self.now = now
	}
}

func (self *Machine) resetRetries() {
	self.netRetries, self.cloudRetries = self.config.MaxRetries, self.config.MaxRetries
}

func (self *Machine) isConfigured() bool {
	return self.store.IsProvisioned() && self.net.AnyConfigured()
}

func (self *Machine) skipLimitReached() bool {
	return self.config.ConfigSkipLimit > 0 && self.store.SkipCount() >= self.config.ConfigSkipLimit
}

func (self *Machine) reportEvent(name, desc string) {
	if self.report == nil {
		return
	}
	if err := self.report.LogEvent(name, desc); err != nil {
		self.log.Errorf("report event=%s err=%v", name, err)
	}
}

func (self *Machine) reportMeta(key, value string) {
	if self.report == nil {
		return
	}
	if err := self.report.SetMeta(key, value); err != nil {
		self.log.Errorf("report meta=%s err=%v", key, err)
	}
}

func (self *Machine) printBanner() {
	const line = "----------------------------------------------------"
	self.log.Info(line)
	self.log.Infof(" Device:    %s", self.device.Name)
	self.log.Infof(" Version:   %s", self.device.FirmwareVersion)
	self.log.Infof(" UID:       %s", self.device.UID)
	if self.store.IsProvisioned() {
		self.log.Infof(" Token:     %s - xxxx - xxxx - xxxx", self.store.Auth()[:4])
	}
	self.log.Info(line)
}
