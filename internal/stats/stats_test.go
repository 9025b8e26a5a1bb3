package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStats(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(t0)
	s.TrackConnected(t0.Add(10 * time.Second))
	s.TrackConnected(t0.Add(11 * time.Second))
	s.TrackDisconnected(t0.Add(70 * time.Second))
	s.CloudDrop()
	s.TrackConnected(t0.Add(75 * time.Second))
	s.TrackDisconnected(t0.Add(80 * time.Second))
	s.NetworkDrop()

	r := s.Snapshot(t0.Add(100 * time.Second))
	assert.Equal(t, 2, r.Connects)
	assert.Equal(t, 1, r.CloudDrops)
	assert.Equal(t, 1, r.NetworkDrops)
	assert.False(t, r.Online)
	assert.Equal(t, 65*time.Second, r.OnlineTotal)
	assert.Equal(t, 60*time.Second, r.OnlineMax)
	assert.Equal(t, 35*time.Second, r.OfflineTotal)
	assert.Equal(t, 20*time.Second, r.OfflineMax)
	assert.Equal(t, 100*time.Second, r.Uptime)
	assert.Contains(t, r.String(), "drops(network=1 cloud=1)")

	s.Clear(t0.Add(100 * time.Second))
	r = s.Snapshot(t0.Add(101 * time.Second))
	assert.Equal(t, 0, r.CloudDrops)
	assert.Equal(t, time.Second, r.OfflineTotal)
}
