package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: time.Second, Max: 8 * time.Second, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayBefore())
	d := b.DelayAfter(false)
	assert.True(t, d > time.Second && d <= 2*time.Second, "delay=%s", d)
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	d = b.DelayBefore()
	assert.True(t, d > 7*time.Second && d <= 8*time.Second, "delay=%s", d)
	b.Reset()
	d = b.DelayBefore()
	assert.True(t, d <= time.Second, "delay=%s", d)
}

func TestBackoffResolution(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 2 * time.Second, Max: time.Minute, K: 3, Res: time.Second}
	b.Failure()
	b.Failure()
	d := b.DelayBefore()
	assert.True(t, d >= 5*time.Second && d <= 6*time.Second, "delay=%s", d)
	assert.Equal(t, time.Duration(0), d%time.Second)
}
