package state

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/uplink/helpers"
	"github.com/temoto/uplink/internal/cloud"
	"github.com/temoto/uplink/internal/connectivity"
	"github.com/temoto/uplink/internal/link"
	"github.com/temoto/uplink/log2"
)

const (
	DriverNative = "native"
	DriverPaho   = "paho"
	DriverMock   = "mock"

	RestartReboot = "reboot"
	RestartExit   = "exit"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Device struct {
		NamePrefix      string `hcl:"name_prefix"`
		FirmwareVersion string `hcl:"firmware_version"`
		UID             string `hcl:"uid"` // overrides uid_path
		UIDPath         string `hcl:"uid_path"`
		Restart         string `hcl:"restart"`
	} `hcl:"device"`

	Persist struct {
		Root      string `hcl:"root"`
		Namespace string `hcl:"namespace"`
	} `hcl:"persist"`

	Connect struct {
		MaxRetries      int `hcl:"max_retries"`
		NetTimeoutSec   int `hcl:"net_timeout_sec"`
		CloudTimeoutSec int `hcl:"cloud_timeout_sec"`
		ErrorLingerSec  int `hcl:"error_linger_sec"`
		TickMs          int `hcl:"tick_ms"`
	} `hcl:"connect"`

	Provision struct {
		ConfigTimeoutSec int `hcl:"config_timeout_sec"`
		// nil means default, 0 disables
		ConfigSkipLimit *int   `hcl:"config_skip_limit"`
		Listen          string `hcl:"listen"`
		Path            string `hcl:"path"`
		MDNS            bool   `hcl:"mdns"`
		QueueLimit      int    `hcl:"queue_limit"`
	} `hcl:"provision"`

	Cloud struct {
		Driver            string `hcl:"driver"`
		DefaultHost       string `hcl:"default_host"`
		TLS               bool   `hcl:"tls"`
		TLSCAFile         string `hcl:"tls_ca_file"`
		Port              int    `hcl:"port"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		LogDebug          bool   `hcl:"log_debug"`
	} `hcl:"cloud"`

	Network struct {
		Ethernet []NetworkEthernet `hcl:"ethernet"`
		Wifi     []NetworkWifi     `hcl:"wifi"`
	} `hcl:"network"`

	Hardware struct {
		LED struct {
			Enable    bool   `hcl:"enable"`
			Chip      string `hcl:"chip"`
			Line      int    `hcl:"line"`
			ActiveLow bool   `hcl:"active_low"`
		} `hcl:"led"`
		Button struct {
			Enable  bool   `hcl:"enable"`
			Device  string `hcl:"device"`
			Key     int    `hcl:"key"`
			HoldSec int    `hcl:"hold_sec"`
		} `hcl:"button"`
	} `hcl:"hardware"`

	Log struct {
		Debug bool `hcl:"debug"`
	} `hcl:"log"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type NetworkEthernet struct {
	Iface string `hcl:"iface,key"`
}

type NetworkWifi struct {
	Iface    string   `hcl:"iface,key"`
	ConfPath string   `hcl:"conf_path"`
	Reload   []string `hcl:"reload"`
}

const (
	defaultNamePrefix = "Uplink"
	defaultNamespace  = "uplink"
	defaultButtonHold = 10 * time.Second
)

// ConnectivityConfig converts seconds from file to machine config.
func (c *Config) ConnectivityConfig() connectivity.Config {
	cc := connectivity.Config{
		MaxRetries:      c.Connect.MaxRetries,
		NetTimeout:      helpers.IntSecondDefault(c.Connect.NetTimeoutSec, connectivity.DefaultNetTimeout),
		CloudTimeout:    helpers.IntSecondDefault(c.Connect.CloudTimeoutSec, connectivity.DefaultCloudTimeout),
		ErrorLinger:     helpers.IntSecondDefault(c.Connect.ErrorLingerSec, connectivity.DefaultErrorLinger),
		ConfigTimeout:   helpers.IntSecondDefault(c.Provision.ConfigTimeoutSec, connectivity.DefaultConfigTimeout),
		ConfigSkipLimit: connectivity.DefaultConfigSkipLimit,
	}
	if cc.MaxRetries == 0 {
		cc.MaxRetries = connectivity.DefaultMaxRetries
	}
	if c.Provision.ConfigSkipLimit != nil {
		cc.ConfigSkipLimit = *c.Provision.ConfigSkipLimit
	}
	return cc
}

func (c *Config) TickInterval() time.Duration {
	return helpers.IntMillisecondDefault(c.Connect.TickMs, connectivity.DefaultTickInterval)
}

func (c *Config) ButtonHold() time.Duration {
	return helpers.IntSecondDefault(c.Hardware.Button.HoldSec, defaultButtonHold)
}

func (c *Config) CloudOptions(uid string) cloud.Options {
	return cloud.Options{
		ClientID:       uid,
		TopicPrefix:    "d/" + uid,
		TLS:            c.Cloud.TLS,
		TLSCAFile:      c.Cloud.TLSCAFile,
		Port:           c.Cloud.Port,
		KeepaliveSec:   c.Cloud.KeepaliveSec,
		NetworkTimeout: helpers.IntSecondDefault(c.Cloud.NetworkTimeoutSec, 30*time.Second),
	}
}

func (c *Config) WebSocketConfig() link.WebSocketConfig {
	return link.WebSocketConfig{
		Listen:     c.Provision.Listen,
		Path:       c.Provision.Path,
		QueueLimit: c.Provision.QueueLimit,
		MDNS:       c.Provision.MDNS,
	}
}

// applyDefaults fills empty values and validates the rest.
func (c *Config) applyDefaults(log *log2.Log) error {
	errs := make([]error, 0, 4)
	if c.Device.NamePrefix == "" {
		c.Device.NamePrefix = defaultNamePrefix
	}
	if c.Device.FirmwareVersion == "" {
		c.Device.FirmwareVersion = "unknown"
		log.Errorf("config: device.firmware_version is not set")
	}
	switch c.Device.Restart {
	case "":
		c.Device.Restart = RestartReboot
	case RestartReboot, RestartExit:
	default:
		errs = append(errs, errors.NotValidf("config: device.restart=%s", c.Device.Restart))
	}
	if c.Persist.Namespace == "" {
		c.Persist.Namespace = defaultNamespace
	}
	switch c.Cloud.Driver {
	case "":
		c.Cloud.Driver = DriverNative
	case DriverNative, DriverPaho, DriverMock:
	default:
		errs = append(errs, errors.NotValidf("config: cloud.driver=%s", c.Cloud.Driver))
	}
	if strings.ContainsAny(c.Cloud.DefaultHost, " /\t") {
		errs = append(errs, errors.NotValidf("config: cloud.default_host=%q", c.Cloud.DefaultHost))
	}
	if c.Connect.MaxRetries < 0 {
		errs = append(errs, errors.NotValidf("config: connect.max_retries=%d", c.Connect.MaxRetries))
	}
	if c.Provision.QueueLimit < 0 {
		errs = append(errs, errors.NotValidf("config: provision.queue_limit=%d", c.Provision.QueueLimit))
	}
	for _, w := range c.Network.Wifi {
		if w.ConfPath == "" {
			errs = append(errs, errors.NotValidf("config: network.wifi.%s.conf_path empty", w.Iface))
		}
	}
	if c.Hardware.LED.Enable && c.Hardware.LED.Chip == "" {
		errs = append(errs, errors.NotValidf("config: hardware.led.chip empty"))
	}
	if c.Hardware.Button.Enable && c.Hardware.Button.Device == "" {
		errs = append(errs, errors.NotValidf("config: hardware.button.device empty"))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.applyDefaults(log); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
