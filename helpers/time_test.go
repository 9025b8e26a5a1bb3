package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, expect time.Duration
	}{
		{0, time.Minute},
		{30 * time.Second, time.Minute},
		{5 * time.Minute, 5 * time.Minute},
		{2 * time.Hour, time.Hour},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, ClampDuration(c.in, time.Minute, time.Hour), "in=%s", c.in)
	}
}

func TestIntSecondDefault(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 50*time.Second, IntSecondDefault(0, 50*time.Second))
	assert.Equal(t, 3*time.Second, IntSecondDefault(3, 50*time.Second))
	assert.Equal(t, 10*time.Millisecond, IntMillisecondDefault(0, 10*time.Millisecond))
}
