package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadLines(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  string
		expect []string
	}{
		{"empty", "", nil},
		{"trim", "  state \n\ndevinfo", []string{"state", "", "devinfo"}},
		{"exit", "state\nexit\nreboot\n", []string{"state"}},
		{"quit", "quit\n", nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			var lines []string
			ReadLines(strings.NewReader(c.input), func(line string) { lines = append(lines, line) })
			assert.Equal(t, c.expect, lines)
		})
	}
}
