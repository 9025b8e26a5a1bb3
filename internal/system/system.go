// Package system is device identity and reboot.
package system

import (
	"bytes"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/uplink/log2"
	"golang.org/x/sys/unix"
)

const DefaultUIDPath = "/etc/machine-id"

type Restarter interface {
	Restart(reason string)
}

// Reboot restarts whole device. Without CAP_SYS_BOOT falls back to process
// exit and lets supervisor (systemd) restart us.
type Reboot struct {
	Log  *log2.Log
	Exit func(code int)
}

func (self Reboot) Restart(reason string) {
	self.Log.Infof("system restart reason=%s", reason)
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		self.Log.Errorf("system reboot err=%v, exiting instead", err)
	}
	exit := self.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(1)
}

// ProcessExit only exits process, for development and containers.
type ProcessExit struct {
	Log  *log2.Log
	Exit func(code int)
}

func (self ProcessExit) Restart(reason string) {
	self.Log.Infof("process exit reason=%s", reason)
	exit := self.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(1)
}

// ReadUID returns stable device id, lowercase hex.
func ReadUID(path string) (string, error) {
	if path == "" {
		path = DefaultUIDPath
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Annotatef(err, "read uid path=%s", path)
	}
	uid := strings.ToLower(string(bytes.TrimSpace(b)))
	if uid == "" {
		return "", errors.NotValidf("uid empty path=%s", path)
	}
	return uid, nil
}

// DeviceName is advertised to installer: prefix + last 4 chars of uid.
func DeviceName(prefix, uid string) string {
	if prefix == "" {
		prefix = "Uplink"
	}
	suffix := uid
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	if suffix == "" {
		return prefix
	}
	return prefix + "-" + strings.ToUpper(suffix)
}
