// Package console is interactive debug shell over running agent.
package console

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/skip2/go-qrcode"
	"github.com/temoto/uplink/cmd/uplink/subcmd"
	"github.com/temoto/uplink/helpers/cli"
	"github.com/temoto/uplink/internal/connectivity"
	"github.com/temoto/uplink/internal/link"
	"github.com/temoto/uplink/internal/netmgr"
	"github.com/temoto/uplink/internal/state"
)

const modName = "console"

const usage = `commands:
- state                    connectivity state and retries left
- devinfo                  device identity and stored config
- connect AUTH [HOST]      skip provisioning, connect with credentials
- config start|stop|erase  provisioning control
- wifi add SSID [PASS]     add wifi network
- wifi clear|info
- sys info|drop_stats      connection statistics
- qr                       print provisioning QR code
- reboot
`

const callTimeout = 10 * time.Second

var Mod = subcmd.Mod{Name: modName, Usage: "interactive shell over running agent", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	go func() {
		if err := g.Run(ctx); err != nil {
			g.Error(err)
		}
	}()
	g.Log.Debugf("console init complete")
	cli.MainLoop(modName, newExecutor(ctx, os.Stdout), newCompleter())
	g.StopWait(5 * time.Second)
	return nil
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "state"},
		{Text: "devinfo"},
		{Text: "connect", Description: "AUTH [HOST]"},
		{Text: "config start"},
		{Text: "config stop"},
		{Text: "config erase"},
		{Text: "wifi add", Description: "SSID [PASS]"},
		{Text: "wifi clear"},
		{Text: "wifi info"},
		{Text: "sys info"},
		{Text: "sys drop_stats"},
		{Text: "qr"},
		{Text: "reboot"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.TextBeforeCursor(), true)
	}
}

func newExecutor(ctx context.Context, w io.Writer) func(string) {
	g := state.GetGlobal(ctx)
	return func(line string) {
		if err := Exec(ctx, w, line); err != nil {
			g.Log.Errorf("console line=%q err=%v", line, err)
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
}

// Exec runs one console line. Machine is touched only on driver goroutine.
func Exec(ctx context.Context, w io.Writer, line string) error {
	g := state.GetGlobal(ctx)
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	call := func(f func(*connectivity.Machine) error) error {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return g.Driver.Call(cctx, f)
	}
	arg := func(i int) string {
		if i < len(words) {
			return words[i]
		}
		return ""
	}

	switch words[0] {
	case "help", "?":
		fmt.Fprint(w, usage)
		return nil

	case "state":
		return call(func(m *connectivity.Machine) error {
			net, cloud := m.Retries()
			fmt.Fprintf(w, "state=%s previous=%s retries(net=%d cloud=%d) last_error=%v\n",
				m.State(), m.Previous(), net, cloud, m.LastError())
			return nil
		})

	case "devinfo":
		return call(func(m *connectivity.Machine) error {
			fmt.Fprintf(w, "uid=%s name=%s fwver=%s\nhost=%s provisioned=%t saved=%t skipped=%d\n",
				g.Device.UID, g.Device.Name, g.Device.FirmwareVersion,
				g.Store.Host(), g.Store.IsProvisioned(), g.Store.IsSaved(), g.Store.SkipCount())
			return nil
		})

	case "connect":
		if len(words) < 2 || len(words) > 3 {
			return errors.NotValidf("usage: connect AUTH [HOST]")
		}
		return call(func(m *connectivity.Machine) error { return m.ForceConnect(arg(1), arg(2)) })

	case "config":
		switch arg(1) {
		case "start":
			return call(func(m *connectivity.Machine) error { m.StartProvisioning(); return nil })
		case "stop":
			return call(func(m *connectivity.Machine) error { m.StopProvisioning(); return nil })
		case "erase":
			return call(func(m *connectivity.Machine) error { return m.EraseConfiguration() })
		}
		return errors.NotValidf("usage: config start|stop|erase")

	case "wifi":
		switch arg(1) {
		case "add":
			if len(words) < 3 || len(words) > 4 {
				return errors.NotValidf("usage: wifi add SSID [PASS]")
			}
			if err := netmgr.ValidateWifi(arg(2), arg(3)); err != nil {
				return err
			}
			return call(func(*connectivity.Machine) error { return g.Net.AddNetwork(arg(2), arg(3)) })
		case "clear":
			return call(func(*connectivity.Machine) error { return g.Net.ClearAllNetworks() })
		case "info":
			fmt.Fprintln(w, g.Net.Status())
			return nil
		}
		return errors.NotValidf("usage: wifi add|clear|info")

	case "sys":
		switch arg(1) {
		case "info":
			snap := g.Stats.Snapshot(time.Now())
			fmt.Fprintf(w, "build=%s state=%s %s\n", g.BuildVersion, g.Driver.State(), snap.String())
			return nil
		case "drop_stats":
			// machine counts drops on driver goroutine, print and clear there
			return call(func(*connectivity.Machine) error {
				now := time.Now()
				snap := g.Stats.Snapshot(now)
				fmt.Fprintf(w, "network_drops=%d cloud_drops=%d\n", snap.NetworkDrops, snap.CloudDrops)
				g.Stats.Clear(now)
				return nil
			})
		}
		return errors.NotValidf("usage: sys info|drop_stats")

	case "qr":
		url := ProvisionURL(g)
		q, err := qrcode.New(url, qrcode.Medium)
		if err != nil {
			return errors.Annotate(err, "qr")
		}
		fmt.Fprintf(w, "%s\n%s\n", q.ToSmallString(false), url)
		return nil

	case "reboot":
		return call(func(m *connectivity.Machine) error { m.Reboot(); return nil })
	}
	return errors.NotFoundf("command=%s (try help)", words[0])
}

// ProvisionURL is what installer app needs to reach this device.
func ProvisionURL(g *state.Global) string {
	wsc := g.Config.WebSocketConfig()
	path := wsc.Path
	if path == "" {
		path = link.DefaultPath
	}
	host := strings.ToLower(g.Device.Name) + ".local"
	port := ""
	if _, p, err := net.SplitHostPort(wsc.Listen); err == nil && p != "0" {
		port = p
	}
	if ws, ok := g.Link.(*link.WebSocket); ok {
		if addr, ok := ws.Addr().(*net.TCPAddr); ok && addr != nil {
			port = strconv.Itoa(addr.Port)
		}
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}
	return fmt.Sprintf("ws://%s%s#uid=%s", host, path, g.Device.UID)
}
