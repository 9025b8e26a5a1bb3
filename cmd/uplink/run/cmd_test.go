package run

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/uplink/internal/connectivity"
	"github.com/temoto/uplink/internal/state"
)

func TestWatchdog(t *testing.T) {
	t.Parallel()

	_, g := state.NewTestContext(t, "test", "")
	notes := make([]string, 0)
	wd := NewWatchdog(g.Driver, func(s string) bool { notes = append(notes, s); return true })

	assert.False(t, wd.Check(time.Second), "no tick yet")
	g.Driver.OnTick(connectivity.StateIdle)
	assert.True(t, wd.Check(time.Second))
	assert.Equal(t, []string{"WATCHDOG=1"}, notes)

	wd.lastTick.Store(time.Now().Add(-time.Minute))
	assert.False(t, wd.Check(time.Second), "driver stuck")
	assert.Len(t, notes, 1)
}
