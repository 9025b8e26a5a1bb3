package netmgr

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/uplink/helpers"
	"github.com/temoto/uplink/log2"
	"github.com/vishvananda/netlink"
	"gopkg.in/yaml.v3"
)

const reloadTimeout = 10 * time.Second

type WifiConfig struct {
	Iface    string
	ConfPath string   // wpa_supplicant config to generate
	Reload   []string // command applying ConfPath, empty to skip
	StateDir string   // credentials are kept here
}

type WifiNetwork struct {
	SSID string `yaml:"ssid"`
	Pass string `yaml:"pass"`
}

type wifiState struct {
	Networks []WifiNetwork `yaml:"networks"`
}

// WiFi link state comes from netlink, association is left to wpa_supplicant.
type WiFi struct {
	*Link
	config  WifiConfig
	storage interface {
		Read() ([]byte, error)
		Write([]byte) (int, error)
	}

	mu    sync.Mutex
	state wifiState
	// reload runs in background, requests during run coalesce into one more
	reloading     bool
	reloadPending bool
	reloadErr     error
}

var _ Transport = &WiFi{}
var _ WifiConfigurer = &WiFi{}

func NewWiFi(log *log2.Log, config WifiConfig) (*WiFi, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, errors.Annotate(err, "netlink handle")
	}
	return newWiFi(log, config, h)
}

func newWiFi(log *log2.Log, config WifiConfig, ops linkOps) (*WiFi, error) {
	if config.StateDir == "" {
		return nil, errors.NotValidf("wifi state dir empty")
	}
	w := &WiFi{
		Link:   newLink(log, "wifi", config.Iface, ops),
		config: config,
		storage: extremofile.New(extremofile.Config{
			Dir:      config.StateDir,
			DirPerm:  0700,
			FilePerm: 0600,
		}),
	}
	b, err := w.storage.Read()
	if err != nil && b == nil {
		return nil, errors.Annotate(err, "wifi state read")
	}
	if b != nil {
		if err = yaml.Unmarshal(b, &w.state); err != nil {
			log.Errorf("wifi state corrupt, starting empty err=%v", err)
			w.state = wifiState{}
		}
	}
	return w, nil
}

func (self *WiFi) IsConfigured() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.state.Networks) != 0
}

func (self *WiFi) Networks() []WifiNetwork {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]WifiNetwork(nil), self.state.Networks...)
}

// AddNetwork newest network gets highest priority, same ssid is replaced.
func (self *WiFi) AddNetwork(ssid, pass string) error {
	if err := ValidateWifi(ssid, pass); err != nil {
		return err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	next := wifiState{Networks: []WifiNetwork{{SSID: ssid, Pass: pass}}}
	for _, n := range self.state.Networks {
		if n.SSID != ssid {
			next.Networks = append(next.Networks, n)
		}
	}
	return self.apply(next)
}

func (self *WiFi) ClearNetworks() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.apply(wifiState{})
}

func (self *WiFi) Status() string {
	self.mu.Lock()
	n, rerr := len(self.state.Networks), self.reloadErr
	self.mu.Unlock()
	s := fmt.Sprintf("%s networks=%d", self.Link.Status(), n)
	if rerr != nil {
		s += fmt.Sprintf(" reload_err=%v", rerr)
	}
	return s
}

// ReloadErr is result of last finished reload command.
func (self *WiFi) ReloadErr() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.reloadErr
}

// apply must be called with lock held.
func (self *WiFi) apply(next wifiState) error {
	b, err := yaml.Marshal(&next)
	if err != nil {
		return errors.Annotate(err, "wifi state marshal")
	}
	if _, err = self.storage.Write(b); err != nil {
		return errors.Annotate(err, "wifi state write")
	}
	self.state = next
	if self.config.ConfPath == "" {
		return nil
	}
	if err = writeFileAtomic(self.config.ConfPath, renderWpaConf(next.Networks)); err != nil {
		return errors.Annotatef(err, "wifi write conf=%s", self.config.ConfPath)
	}
	self.requestReload()
	return nil
}

// requestReload must be called with lock held. Never blocks.
func (self *WiFi) requestReload() {
	if len(self.config.Reload) == 0 {
		return
	}
	if self.reloading {
		self.reloadPending = true
		return
	}
	self.reloading = true
	go self.reloadLoop()
}

func (self *WiFi) reloadLoop() {
	for {
		err := self.reload()
		if err != nil {
			self.log.Errorf("wifi err=%v", err)
		}
		self.mu.Lock()
		self.reloadErr = err
		if !self.reloadPending {
			self.reloading = false
			self.mu.Unlock()
			return
		}
		self.reloadPending = false
		self.mu.Unlock()
	}
}

func (self *WiFi) reload() error {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, self.config.Reload[0], self.config.Reload[1:]...)
	out, err := cmd.CombinedOutput()
	self.log.Debugf("wifi reload cmd=%v output=%s", self.config.Reload, bytes.TrimSpace(out))
	return errors.Annotatef(err, "wifi reload cmd=%v", self.config.Reload)
}

func renderWpaConf(networks []WifiNetwork) []byte {
	var b bytes.Buffer
	b.WriteString("ctrl_interface=DIR=/var/run/wpa_supplicant\nupdate_config=1\n")
	prio := len(networks)
	for _, n := range networks {
		b.WriteString("\nnetwork={\n")
		// hex ssid avoids quoting rules
		fmt.Fprintf(&b, "\tssid=%s\n", hex.EncodeToString([]byte(n.SSID)))
		switch len(n.Pass) {
		case 0:
			b.WriteString("\tkey_mgmt=NONE\n")
		case 64:
			fmt.Fprintf(&b, "\tpsk=%s\n", strings.ToLower(n.Pass))
		default:
			fmt.Fprintf(&b, "\tpsk=%q\n", n.Pass)
		}
		fmt.Fprintf(&b, "\tpriority=%d\n", prio)
		b.WriteString("}\n")
		prio--
	}
	return b.Bytes()
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err = helpers.WriteAll(f, b); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0600)
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}
