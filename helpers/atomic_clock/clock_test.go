package atomic_clock

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	t.Parallel()

	var c Clock
	now := time.Now()
	assert.True(t, c.IsZero())
	assert.True(t, c.Load().IsZero())
	assert.Equal(t, time.Duration(math.MaxInt64), c.Age(now))

	c.Store(now.Add(-3 * time.Second))
	assert.False(t, c.IsZero())
	assert.Equal(t, 3*time.Second, c.Age(now))
	assert.Equal(t, now.Add(-3*time.Second).UnixNano(), c.Load().UnixNano())

	c.Touch()
	assert.True(t, c.Age(time.Now()) < time.Second)

	c.Reset()
	assert.True(t, c.IsZero())
}
