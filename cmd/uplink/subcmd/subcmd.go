// Package subcmd dispatches uplink command line modes.
package subcmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/uplink/internal/state"
)

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *state.Config) error
}

// Parse finds mode by name, empty name selects first mode.
func Parse(command string, modules []Mod) (*Mod, error) {
	if len(modules) == 0 {
		panic("code error Parse() without modules")
	}
	if command == "" {
		return &modules[0], nil
	}
	for i := range modules {
		m := &modules[i]
		if m.Name == "" || m.Main == nil {
			panic(fmt.Sprintf("code error module=%#v", m))
		}
		if m.Name == command {
			return m, nil
		}
	}
	return nil, errors.NotFoundf("command=%s", command)
}

func PrintUsage(w io.Writer, modules []Mod) {
	fmt.Fprintf(w, "usage: %s [-config=path] [-version] COMMAND\ncommands:\n", os.Args[0])
	for _, m := range modules {
		fmt.Fprintf(w, "  %-10s %s\n", m.Name, m.Usage)
	}
}

// SdNotify false means not running under systemd.
// Socket errors are not fatal, supervisor may be gone already while stopping.
func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdnotify state=%q err=%v\n", s, err)
		return false
	}
	return ok
}
