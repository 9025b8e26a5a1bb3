// Package atomic_clock is time.Time in atomic int64 for activity stamps.
// Do not use where time zone matters.
package atomic_clock

import (
	"math"
	"sync/atomic"
	"time"
)

// Clock zero value means never touched.
type Clock struct{ v int64 }

func (c *Clock) IsZero() bool      { return atomic.LoadInt64(&c.v) == 0 }
func (c *Clock) Store(t time.Time) { atomic.StoreInt64(&c.v, t.UnixNano()) }
func (c *Clock) Touch()            { c.Store(time.Now()) }
func (c *Clock) UnixNano() int64   { return atomic.LoadInt64(&c.v) }
func (c *Clock) Reset()            { atomic.StoreInt64(&c.v, 0) }

func (c *Clock) Load() time.Time {
	v := atomic.LoadInt64(&c.v)
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Age is time passed since last touch, never touched clock is infinitely old.
func (c *Clock) Age(now time.Time) time.Duration {
	v := atomic.LoadInt64(&c.v)
	if v == 0 {
		return math.MaxInt64
	}
	return time.Duration(now.UnixNano() - v)
}
