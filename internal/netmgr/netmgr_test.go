package netmgr

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/uplink/log2"
	"github.com/vishvananda/netlink"
)

type fakeOps struct {
	links map[string]*netlink.Device
	addrs map[string][]netlink.Addr
	ups   int
}

func (f *fakeOps) LinkByName(name string) (netlink.Link, error) {
	if l, ok := f.links[name]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("Link not found")
}
func (f *fakeOps) LinkSetUp(l netlink.Link) error {
	f.ups++
	l.Attrs().Flags |= net.FlagUp
	return nil
}
func (f *fakeOps) LinkSetDown(l netlink.Link) error {
	l.Attrs().Flags &^= net.FlagUp
	return nil
}
func (f *fakeOps) AddrList(l netlink.Link, family int) ([]netlink.Addr, error) {
	return f.addrs[l.Attrs().Name], nil
}

func mustAddr(t testing.TB, s string) netlink.Addr {
	a, err := netlink.ParseAddr(s)
	require.NoError(t, err)
	return *a
}

func TestLinkConnected(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	cases := []struct {
		name   string
		oper   netlink.LinkOperState
		flags  net.Flags
		addrs  []string
		expect bool
	}{
		{"up-global", netlink.OperUp, net.FlagUp, []string{"192.168.1.5/24"}, true},
		{"up-linklocal", netlink.OperUp, net.FlagUp, []string{"169.254.3.3/16", "fe80::1/64"}, false},
		{"down", netlink.OperDown, 0, []string{"10.0.0.2/8"}, false},
		{"unknown-flag-up", netlink.OperUnknown, net.FlagUp, []string{"10.0.0.2/8"}, true},
		{"unknown-flag-down", netlink.OperUnknown, 0, []string{"10.0.0.2/8"}, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			dev := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0", OperState: c.oper, Flags: c.flags}}
			ops := &fakeOps{
				links: map[string]*netlink.Device{"eth0": dev},
				addrs: map[string][]netlink.Addr{},
			}
			for _, s := range c.addrs {
				ops.addrs["eth0"] = append(ops.addrs["eth0"], mustAddr(t, s))
			}
			l := newLink(log, "ethernet", "eth0", ops)
			assert.Equal(t, c.expect, l.IsConnected())
			assert.True(t, l.IsConfigured())
		})
	}
}

func TestLinkOn(t *testing.T) {
	t.Parallel()
	dev := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0"}}
	ops := &fakeOps{links: map[string]*netlink.Device{"eth0": dev}}
	l := newLink(log2.NewTest(t, log2.LDebug), "ethernet", "eth0", ops)
	require.NoError(t, l.On())
	require.NoError(t, l.On())
	assert.Equal(t, 1, ops.ups)

	absent := newLink(nil, "ethernet", "eth9", ops)
	assert.Error(t, absent.On())
	assert.False(t, absent.IsConfigured())
	assert.Equal(t, "absent", absent.Status())
}

func TestManager(t *testing.T) {
	t.Parallel()
	eth := NewMock("eth", false)
	wifi := NewMock("wifi", false)
	m := NewManager(log2.NewTest(t, log2.LDebug), eth, wifi)
	assert.False(t, m.AnyConfigured())
	assert.False(t, m.AnyConnected())

	require.NoError(t, m.AllOn())
	assert.Equal(t, 1, eth.Ons())
	assert.Equal(t, 1, wifi.Ons())

	wifi.SetConnected(true)
	eth.SetConnected(true)
	cur, ok := m.Connected()
	require.True(t, ok)
	assert.Equal(t, "eth", cur.String(), "priority order")

	require.NoError(t, m.AddNetwork("home", "password1"))
	assert.Equal(t, map[string]string{"home": "password1"}, eth.Networks(), "first configurer wins")
	assert.True(t, m.AnyConfigured())

	require.NoError(t, m.ClearAllNetworks())
	assert.False(t, m.AnyConfigured())

	eth.OnErr = fmt.Errorf("no carrier")
	err := m.AllOn()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no carrier")
}

func TestValidateWifi(t *testing.T) {
	t.Parallel()
	cases := []struct {
		ssid, pass string
		ok         bool
	}{
		{"home", "", true},
		{"home", "12345678", true},
		{"", "12345678", false},
		{strings.Repeat("s", 33), "", false},
		{"home", "1234567", false},
		{"home", strings.Repeat("p", 63), true},
		{"home", strings.Repeat("a", 64), true},
		{"home", strings.Repeat("z", 64), false},
	}
	for _, c := range cases {
		err := ValidateWifi(c.ssid, c.pass)
		assert.Equal(t, c.ok, err == nil, "ssid=%q pass=%q err=%v", c.ssid, c.pass, err)
	}
}

func TestWiFi(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	conf := filepath.Join(dir, "wpa.conf")
	dev := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "wlan0"}}
	ops := &fakeOps{links: map[string]*netlink.Device{"wlan0": dev}}
	cfg := WifiConfig{Iface: "wlan0", ConfPath: conf, StateDir: filepath.Join(dir, "state")}
	w, err := newWiFi(log2.NewTest(t, log2.LDebug), cfg, ops)
	require.NoError(t, err)
	assert.False(t, w.IsConfigured())
	assert.Equal(t, "wifi/wlan0", w.String())

	require.NoError(t, w.AddNetwork("old", ""))
	require.NoError(t, w.AddNetwork("home", "password1"))
	assert.Equal(t, []WifiNetwork{{"home", "password1"}, {"old", ""}}, w.Networks())

	b, err := os.ReadFile(conf)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, "ssid=686f6d65\n")
	assert.Contains(t, s, "psk=\"password1\"")
	assert.Contains(t, s, "key_mgmt=NONE")
	assert.True(t, strings.Index(s, "686f6d65") < strings.Index(s, "6f6c64"))

	w2, err := newWiFi(nil, cfg, ops)
	require.NoError(t, err)
	assert.True(t, w2.IsConfigured(), "credentials survive restart")

	require.NoError(t, w2.ClearNetworks())
	assert.False(t, w2.IsConfigured())
	assert.Error(t, w2.AddNetwork("", "x"))
}

func TestWiFiReloadBackground(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		reload []string
		fail   bool
	}{
		{"slow", []string{"sleep", "1"}, false},
		{"fail", []string{"false"}, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			dev := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "wlan0"}}
			ops := &fakeOps{links: map[string]*netlink.Device{"wlan0": dev}}
			cfg := WifiConfig{Iface: "wlan0", ConfPath: filepath.Join(dir, "wpa.conf"), Reload: c.reload, StateDir: filepath.Join(dir, "state")}
			w, err := newWiFi(log2.NewTest(t, log2.LDebug), cfg, ops)
			require.NoError(t, err)

			begin := time.Now()
			require.NoError(t, w.AddNetwork("home", "password1"))
			require.NoError(t, w.AddNetwork("work", "password2"))
			assert.Less(t, int64(time.Since(begin)), int64(500*time.Millisecond), "AddNetwork must not wait for reload")
			assert.True(t, w.IsConfigured())
			if c.fail {
				require.Eventually(t, func() bool { return w.ReloadErr() != nil }, 5*time.Second, 10*time.Millisecond)
				assert.Contains(t, w.Status(), "reload_err=")
			}
			require.Eventually(t, func() bool {
				w.mu.Lock()
				defer w.mu.Unlock()
				return !w.reloading
			}, 10*time.Second, 10*time.Millisecond)
			assert.Equal(t, c.fail, w.ReloadErr() != nil)
		})
	}
}
