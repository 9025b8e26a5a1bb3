package helpers

import (
	"sync/atomic"
	"time"

	"github.com/temoto/uplink/helpers/atomic_clock"
)

// Backoff is exponential retry delay within [Min, Max].
// First delay is 0, each failure multiplies next delay by K.
// Safe for concurrent use.
type Backoff struct {
	next int64 // atomic
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // rounding for readable logs, default 1ms
}

// DelayAfter records result of attempt and returns pause before next one.
//   for {
//     err := send()
//     time.Sleep(b.DelayAfter(err == nil))
//   }
func (b *Backoff) DelayAfter(success bool) time.Duration {
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	b.Update(success)
	return b.DelayBefore()
}

// DelayBefore is remaining pause since last recorded attempt.
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	age := b.last.Age(time.Now())
	if age >= delay {
		return 0
	}
	return b.round(delay - age)
}

func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	next = b.limit(time.Duration(float32(next) * b.K))
	b.last.Touch()
	atomic.StoreInt64(&b.next, int64(next))
}

func (b *Backoff) Reset() {
	b.last.Touch()
	atomic.StoreInt64(&b.next, int64(b.Min))
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
		return
	}
	b.Failure()
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	return b.round(ClampDuration(d, b.Min, b.Max))
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = time.Millisecond
	}
	return d / res * res
}
