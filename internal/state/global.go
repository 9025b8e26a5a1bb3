package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/uplink/helpers"
	"github.com/temoto/uplink/internal/cloud"
	"github.com/temoto/uplink/internal/connectivity"
	"github.com/temoto/uplink/internal/link"
	"github.com/temoto/uplink/internal/netmgr"
	"github.com/temoto/uplink/internal/provision"
	"github.com/temoto/uplink/internal/stats"
	"github.com/temoto/uplink/internal/store"
	"github.com/temoto/uplink/internal/system"
	"github.com/temoto/uplink/log2"
)

// Cloud command topics, relative to device topic prefix.
const (
	TopicCmdReboot      = "cmd/reboot"
	TopicCmdConfigReset = "cmd/config/reset"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Hardware     hardware // hardware.go
	Log          *log2.Log

	Device    connectivity.Device
	Store     *store.Store
	Link      link.Transport
	Session   *provision.Session
	Net       *netmgr.Manager
	Cloud     cloud.Session
	Publisher cloud.Publisher
	Outbox    *cloud.Outbox
	Stats     *stats.Stats
	Restarter system.Restarter
	Machine   *connectivity.Machine
	Driver    *connectivity.Driver

	shutdownOnce sync.Once
	_copy_guard  sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)
	if g.Config.Persist.Root == "" {
		g.Config.Persist.Root = "./tmp-uplink-db"
		g.Log.Errorf("config: persist.root=empty changed=%s", g.Config.Persist.Root)
	}
	g.Log.Debugf("config: persist.root=%s", g.Config.Persist.Root)

	if err := g.initDevice(); err != nil {
		return errors.Annotate(err, "device init")
	}
	opt := g.Config.CloudOptions(g.Device.UID)
	g.initCloud(opt)

	// Outbox is remote error reporting, it must be inited before anything else.
	// It gets g.Log clone before SetErrorFunc, so outbox errors don't recurse.
	outbox, err := cloud.NewOutbox(g.Log.Clone(log2.LInfo), filepath.Join(g.Config.Persist.Root, "outbox"), opt, g.Publisher)
	if err != nil {
		return errors.Annotate(err, "outbox init")
	}
	g.Outbox = outbox
	g.Outbox.Start()
	g.Log.SetErrorFunc(g.Outbox.Error)

	if g.BuildVersion == "unknown" {
		g.Error(fmt.Errorf("build version is not set, please use script/build"))
	} else if strings.HasSuffix(g.BuildVersion, "-dirty") {
		g.Log.Infof("running development build with uncommited changes")
	}

	g.Store = store.New(g.Log, store.NewFileStorage(g.Config.Persist.Root, g.Config.Persist.Namespace), g.Config.Cloud.DefaultHost)
	g.Stats = stats.New(time.Now())

	errs := make([]error, 0, 4)
	intfs, err := g.initNetwork()
	if err != nil {
		errs = append(errs, errors.Annotate(err, "network init"))
	}
	g.initLink()
	g.Session = provision.NewSession(g.Log, g.Link, g.Store, g.Net, provision.DeviceInfo{
		Name:            g.Device.Name,
		UID:             g.Device.UID,
		FirmwareVersion: g.Device.FirmwareVersion,
		Intfs:           intfs,
	})

	switch g.Config.Device.Restart {
	case RestartExit:
		g.Restarter = system.ProcessExit{Log: g.Log}
	default:
		g.Restarter = system.Reboot{Log: g.Log}
	}
	if err = helpers.FoldErrors(errs); err != nil {
		return err
	}

	g.Machine = connectivity.NewMachine(g.Log, g.Config.ConnectivityConfig(), g.Device, connectivity.Deps{
		Store:     g.Store,
		Net:       g.Net,
		Cloud:     g.Cloud,
		Session:   g.Session,
		Stats:     g.Stats,
		Restarter: g.Restarter,
		Reporter:  g.Outbox,
		Clock:     time.Now,
	})
	g.Machine.OnStateChange = func(prev, next connectivity.State) {
		g.Log.Debugf("connectivity %s -> %s", prev, next)
	}
	g.Machine.OnUserInitiatedReboot = func() {
		_ = g.Outbox.LogEvent("sys_reboot", "user initiated")
	}
	g.Driver = connectivity.NewDriver(g.Log, g.Machine, g.Config.TickInterval())
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) initDevice() error {
	uid := g.Config.Device.UID
	if uid == "" {
		var err error
		if uid, err = system.ReadUID(g.Config.Device.UIDPath); err != nil {
			return err
		}
	}
	g.Device = connectivity.Device{
		UID:             uid,
		Name:            system.DeviceName(g.Config.Device.NamePrefix, uid),
		FirmwareVersion: g.Config.Device.FirmwareVersion,
	}
	g.Log.Infof("device uid=%s name=%s fwver=%s", g.Device.UID, g.Device.Name, g.Device.FirmwareVersion)
	return nil
}

func (g *Global) initCloud(opt cloud.Options) {
	switch g.Config.Cloud.Driver {
	case DriverPaho:
		p := cloud.NewPaho(g.Log.Clone(log2.LInfo), opt, g.onCloudMessage, g.Config.Cloud.LogDebug)
		g.Cloud, g.Publisher = p, p
	case DriverMock:
		m := &cloud.Mock{ConnectOK: true}
		g.Cloud, g.Publisher = m, m
	default:
		n := cloud.NewNative(g.Log.Clone(log2.LInfo), opt, g.onCloudMessage)
		g.Cloud, g.Publisher = n, n
	}
	g.Log.Debugf("cloud driver=%s", g.Config.Cloud.Driver)
}

// initNetwork returns provisioning interface kinds advertised to installer.
func (g *Global) initNetwork() ([]string, error) {
	g.Net = netmgr.NewManager(g.Log)
	intfs := make([]string, 0, 2)
	errs := make([]error, 0)
	for _, x := range g.Config.Network.Ethernet {
		l, err := netmgr.NewEthernet(g.Log, x.Iface)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "ethernet=%s", x.Iface))
			continue
		}
		g.Net.Add(l)
		intfs = appendOnce(intfs, provision.IntfEthernet)
	}
	for _, x := range g.Config.Network.Wifi {
		w, err := netmgr.NewWiFi(g.Log, netmgr.WifiConfig{
			Iface:    x.Iface,
			ConfPath: x.ConfPath,
			Reload:   x.Reload,
			StateDir: filepath.Join(g.Config.Persist.Root, "wifi-"+x.Iface),
		})
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "wifi=%s", x.Iface))
			continue
		}
		g.Net.Add(w)
		intfs = appendOnce(intfs, provision.IntfWifi)
	}
	if len(g.Config.Network.Ethernet)+len(g.Config.Network.Wifi) == 0 {
		g.Log.Errorf("config: network has no interfaces, device can not connect")
	}
	return intfs, helpers.FoldErrors(errs)
}

func (g *Global) initLink() {
	if g.Config.Provision.Listen == "" {
		g.Log.Infof("config: provision.listen empty, installer can not reach device")
		g.Link = link.NewMemory(g.Config.Provision.QueueLimit)
		return
	}
	g.Link = link.NewWebSocket(g.Config.WebSocketConfig(), g.Log)
}

// onCloudMessage runs on cloud client goroutine.
func (g *Global) onCloudMessage(topic string, payload []byte) {
	prefix := g.Config.CloudOptions(g.Device.UID).TopicPrefix + "/"
	switch strings.TrimPrefix(topic, prefix) {
	case TopicCmdReboot:
		g.Log.Infof("cloud command reboot")
		g.do(func(m *connectivity.Machine) { m.Reboot() })
	case TopicCmdConfigReset:
		g.Log.Infof("cloud command config reset")
		g.do(func(m *connectivity.Machine) { m.ResetConfiguration() })
	default:
		g.Log.Debugf("cloud message ignored topic=%s len=%d", topic, len(payload))
	}
}

// do schedules f on driver goroutine without waiting for result.
func (g *Global) do(f func(*connectivity.Machine)) {
	if g.Driver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.Driver.Do(ctx, f); err != nil {
			g.Log.Errorf("connectivity command err=%v", err)
		}
	}()
}

// Run drives connectivity until Stop. Blocks.
func (g *Global) Run(ctx context.Context) error {
	if !g.Alive.Add(1) {
		return connectivity.ErrStopped
	}
	defer g.Alive.Done()

	if err := g.initIndicator(); err != nil {
		g.Error(err)
	}
	go func() {
		<-g.Alive.StopChan()
		g.Driver.Stop()
	}()
	err := g.Driver.Run(ctx)
	if errors.Cause(err) == context.Canceled {
		err = nil
	}
	return err
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	defer g.shutdown()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

func (g *Global) shutdown() {
	g.shutdownOnce.Do(g.closeAll)
}

func (g *Global) closeAll() {
	g.Hardware.close()
	if g.Link != nil {
		_ = g.Link.Stop()
	}
	if g.Cloud != nil {
		g.Cloud.Disconnect()
	}
	if g.Outbox != nil {
		_ = g.Outbox.Close()
	}
}

func appendOnce(ss []string, s string) []string {
	for _, x := range ss {
		if x == s {
			return ss
		}
	}
	return append(ss, s)
}
