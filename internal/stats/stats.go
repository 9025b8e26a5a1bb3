// Package stats accounts connectivity uptime and drops.
package stats

import (
	"fmt"
	"sync"
	"time"
)

type Stats struct {
	mu sync.Mutex

	NetworkDrops int
	CloudDrops   int
	Connects     int

	OnlineTotal  time.Duration
	OnlineMax    time.Duration
	OfflineTotal time.Duration
	OfflineMax   time.Duration

	online  bool
	since   time.Time
	started time.Time
}

func New(now time.Time) *Stats {
	return &Stats{since: now, started: now}
}

func (s *Stats) TrackConnected(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online {
		return
	}
	d := now.Sub(s.since)
	s.OfflineTotal += d
	if d > s.OfflineMax {
		s.OfflineMax = d
	}
	s.online = true
	s.since = now
	s.Connects++
}

func (s *Stats) TrackDisconnected(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return
	}
	d := now.Sub(s.since)
	s.OnlineTotal += d
	if d > s.OnlineMax {
		s.OnlineMax = d
	}
	s.online = false
	s.since = now
}

func (s *Stats) NetworkDrop() {
	s.mu.Lock()
	s.NetworkDrops++
	s.mu.Unlock()
}

func (s *Stats) CloudDrop() {
	s.mu.Lock()
	s.CloudDrops++
	s.mu.Unlock()
}

func (s *Stats) Clear(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NetworkDrops, s.CloudDrops, s.Connects = 0, 0, 0
	s.OnlineTotal, s.OnlineMax = 0, 0
	s.OfflineTotal, s.OfflineMax = 0, 0
	s.since, s.started = now, now
}

type Snapshot struct {
	NetworkDrops int
	CloudDrops   int
	Connects     int
	Online       bool
	Uptime       time.Duration
	OnlineTotal  time.Duration
	OnlineMax    time.Duration
	OfflineTotal time.Duration
	OfflineMax   time.Duration
}

// Snapshot includes current online/offline period.
func (s *Stats) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Snapshot{
		NetworkDrops: s.NetworkDrops,
		CloudDrops:   s.CloudDrops,
		Connects:     s.Connects,
		Online:       s.online,
		Uptime:       now.Sub(s.started),
		OnlineTotal:  s.OnlineTotal,
		OnlineMax:    s.OnlineMax,
		OfflineTotal: s.OfflineTotal,
		OfflineMax:   s.OfflineMax,
	}
	cur := now.Sub(s.since)
	if s.online {
		r.OnlineTotal += cur
		if cur > r.OnlineMax {
			r.OnlineMax = cur
		}
	} else {
		r.OfflineTotal += cur
		if cur > r.OfflineMax {
			r.OfflineMax = cur
		}
	}
	return r
}

func (r Snapshot) String() string {
	return fmt.Sprintf("uptime=%s online=%t connects=%d drops(network=%d cloud=%d) online(total=%s max=%s) offline(total=%s max=%s)",
		r.Uptime.Round(time.Second), r.Online, r.Connects, r.NetworkDrops, r.CloudDrops,
		r.OnlineTotal.Round(time.Second), r.OnlineMax.Round(time.Second),
		r.OfflineTotal.Round(time.Second), r.OfflineMax.Round(time.Second))
}
