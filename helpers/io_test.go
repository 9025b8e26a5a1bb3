package helpers

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

// chunkWriter accepts at most n bytes per Write.
type chunkWriter struct {
	buf bytes.Buffer
	n   int
}

func (self *chunkWriter) Write(p []byte) (int, error) {
	if len(p) > self.n {
		p = p[:self.n]
	}
	return self.buf.Write(p)
}

func TestWriteAll(t *testing.T) {
	t.Parallel()
	content := []byte("wpa_supplicant network block")
	cases := []struct {
		name   string
		chunk  int
		expect error
	}{
		{"whole", 1024, nil},
		{"chunked", 7, nil},
		{"byte", 1, nil},
		{"stuck", 0, io.ErrShortWrite},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			w := &chunkWriter{n: c.chunk}
			err := WriteAll(w, content)
			assert.Equal(t, c.expect, err)
			if c.expect == nil {
				assert.Equal(t, content, w.buf.Bytes())
			}
		})
	}
}
