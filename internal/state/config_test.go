package state

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/temoto/uplink/internal/cloud"
	"github.com/temoto/uplink/internal/connectivity"
	"github.com/temoto/uplink/internal/link"
	"github.com/temoto/uplink/internal/system"
	"github.com/temoto/uplink/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, "Uplink", c.Device.NamePrefix)
			assert.Equal(t, "unknown", c.Device.FirmwareVersion)
			assert.Equal(t, RestartReboot, c.Device.Restart)
			assert.Equal(t, "uplink", c.Persist.Namespace)
			assert.Equal(t, DriverNative, c.Cloud.Driver)
			assert.Equal(t, connectivity.DefaultConfig(), c.ConnectivityConfig())
			assert.Equal(t, connectivity.DefaultTickInterval, c.TickInterval())
			assert.Equal(t, 10*time.Second, c.ButtonHold())
		}, ""},

		{"connect", `
connect { max_retries = 3 net_timeout_sec = 5 cloud_timeout_sec = 7 tick_ms = 20 }
provision { config_timeout_sec = 120 config_skip_limit = 7 }`,
			func(t testing.TB, c *Config) {
				cc := c.ConnectivityConfig()
				assert.Equal(t, 3, cc.MaxRetries)
				assert.Equal(t, 5*time.Second, cc.NetTimeout)
				assert.Equal(t, 7*time.Second, cc.CloudTimeout)
				assert.Equal(t, 2*time.Minute, cc.ConfigTimeout)
				assert.Equal(t, 7, cc.ConfigSkipLimit)
				assert.Equal(t, 20*time.Millisecond, c.TickInterval())
			}, ""},

		{"skip-limit-disabled", `provision { config_skip_limit = 0 }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 0, c.ConnectivityConfig().ConfigSkipLimit)
			}, ""},

		{"cloud", `
device { uid = "00aa" }
cloud { driver = "paho" tls = true port = 8884 keepalive_sec = 30 }`,
			func(t testing.TB, c *Config) {
				opt := c.CloudOptions(c.Device.UID)
				assert.Equal(t, cloud.Options{
					ClientID:       "00aa",
					TopicPrefix:    "d/00aa",
					TLS:            true,
					Port:           8884,
					KeepaliveSec:   30,
					NetworkTimeout: 30 * time.Second,
				}, opt)
			}, ""},

		{"network", `
network {
	ethernet "eth0" {}
	wifi "wlan0" { conf_path = "/run/wpa.conf" reload = ["wpa_cli", "reconfigure"] }
}
provision { listen = ":0" mdns = true queue_limit = 4 }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, []NetworkEthernet{{Iface: "eth0"}}, c.Network.Ethernet)
				assert.Equal(t, []NetworkWifi{{Iface: "wlan0", ConfPath: "/run/wpa.conf", Reload: []string{"wpa_cli", "reconfigure"}}}, c.Network.Wifi)
				assert.Equal(t, link.WebSocketConfig{Listen: ":0", QueueLimit: 4, MDNS: true}, c.WebSocketConfig())
			}, ""},

		{"include-normalize", `
log { debug = true }
include "./empty" {}`,
			func(t testing.TB, c *Config) { assert.True(t, c.Log.Debug) }, ""},

		{"include-optional", `
include "name-prefix" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "Kiosk", c.Device.NamePrefix)
			}, ""},

		{"include-overwrites", `
device { name_prefix = "First" }
include "name-prefix" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "Kiosk", c.Device.NamePrefix)
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-driver", `cloud { driver = "carrier-pigeon" }`, nil, "cloud.driver=carrier-pigeon not valid"},
		{"error-restart", `device { restart = "never" }`, nil, "device.restart=never not valid"},
		{"error-wifi", `network { wifi "wlan0" {} }`, nil, "network.wifi.wlan0.conf_path empty not valid"},
		{"error-led", `hardware { led { enable = true } }`, nil, "hardware.led.chip empty not valid"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"name-prefix":  `device { name_prefix = "Kiosk" }`,
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				if err == nil || !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, mkCheck(c))
	}
}

func TestGlobalInit(t *testing.T) {
	t.Parallel()

	ctx, g := NewTestContext(t, "1.0-test", `
device { firmware_version = "1.2" restart = "exit" }
cloud { default_host = "mqtt.test" }`)
	assert.Equal(t, g, GetGlobal(ctx))
	assert.Equal(t, "Uplink-CDEF", g.Device.Name)
	assert.Equal(t, "1.2", g.Device.FirmwareVersion)
	assert.IsType(t, &cloud.Mock{}, g.Cloud)
	assert.IsType(t, &link.Memory{}, g.Link)
	assert.IsType(t, system.ProcessExit{}, g.Restarter)
	assert.Equal(t, "mqtt.test", g.Store.Host())
	assert.Equal(t, connectivity.StateInit, g.Driver.State())

	led, err := g.LED()
	assert.NoError(t, err)
	assert.Nil(t, led)
}

func TestGlobalRun(t *testing.T) {
	t.Parallel()

	ctx, g := NewTestContext(t, "1.0-test", `connect { tick_ms = 1 }`)
	errch := make(chan error, 1)
	go func() { errch <- g.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for g.Driver.State() != connectivity.StateWaitConfig {
		if time.Now().After(deadline) {
			t.Fatalf("state expected=%s actual=%s", connectivity.StateWaitConfig, g.Driver.State())
		}
		time.Sleep(time.Millisecond)
	}
	assert.True(t, g.Link.(*link.Memory).Started())

	// cloud command reaches machine through driver
	g.onCloudMessage("d/"+g.Device.UID+"/"+TopicCmdConfigReset, nil)
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.NoError(t, g.Driver.Call(cctx, func(m *connectivity.Machine) error { return nil }))

	assert.True(t, g.StopWait(5*time.Second))
	assert.NoError(t, <-errch)
}

func TestFunctionalBundled(t *testing.T) {
	// not Parallel
	t.Logf("this test needs OS open|read|stat access to file `../../uplink.hcl`")

	log := log2.NewTest(t, log2.LDebug)
	c := MustReadConfig(log, NewOsFullReader(), "../../uplink.hcl")
	assert.Equal(t, "native", c.Cloud.Driver)
	assert.Equal(t, 10, c.ConnectivityConfig().ConfigSkipLimit)
}
