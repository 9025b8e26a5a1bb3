package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/temoto/uplink/log2"
)

// NewTestContext builds Global with mock cloud driver and temporary persist root.
func NewTestContext(t testing.TB, buildVersion string, confString string) (context.Context, *Global) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("uplink_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.BuildVersion = buildVersion

	cfg := MustReadConfig(log, fs, "test-inline")
	cfg.Cloud.Driver = DriverMock
	if cfg.Persist.Root == "" {
		cfg.Persist.Root = t.TempDir()
	}
	if cfg.Device.UID == "" {
		cfg.Device.UID = "0123456789abcdef"
	}
	g.MustInit(ctx, cfg)
	t.Cleanup(func() { g.StopWait(5 * time.Second) })
	return ctx, g
}
