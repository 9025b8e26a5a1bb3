package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/uplink/log2"
)

const testToken = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

func newTestStore(t testing.TB) (*Store, *MemStorage) {
	ms := &MemStorage{}
	return New(log2.NewTest(t, log2.LDebug), ms, "default.example.com"), ms
}

func TestCommitInvariant(t *testing.T) {
	t.Parallel()
	s, ms := newTestStore(t)
	assert.False(t, s.Load())
	assert.False(t, s.IsProvisioned())
	assert.Equal(t, "default.example.com", s.Host())

	s.SetCredential(testToken)
	s.SetHost("cloud.example.com")
	assert.False(t, s.IsProvisioned())
	assert.Equal(t, 0, ms.Writes())

	require.NoError(t, s.Commit())
	assert.True(t, s.IsProvisioned())

	s.SetHost("other.example.com")
	assert.False(t, s.IsProvisioned(), "mutation must clear saved")
	require.NoError(t, s.Commit())
	assert.True(t, s.IsProvisioned())

	s2 := New(log2.NewTest(t, log2.LDebug), ms, "default.example.com")
	assert.True(t, s2.Load())
	assert.True(t, s2.IsProvisioned())
	assert.Equal(t, testToken, s2.Auth())
	assert.Equal(t, "other.example.com", s2.Host())
}

func TestCommitWriteFailure(t *testing.T) {
	t.Parallel()
	s, ms := newTestStore(t)
	s.SetCredential(testToken)
	require.NoError(t, s.Commit())

	s.SetCredential(strings.Repeat("B", TokenLength))
	ms.SetFailNext(fmt.Errorf("flash worn out"))
	err := s.Commit()
	require.Error(t, err)
	assert.True(t, IsStorageWrite(err))
	assert.False(t, s.IsProvisioned())
	assert.Equal(t, strings.Repeat("B", TokenLength), s.Auth(), "memory stays authoritative")

	s2 := New(nil, ms, "")
	require.True(t, s2.Load())
	assert.Equal(t, testToken, s2.Auth(), "durable record untouched")
}

func TestEraseLoad(t *testing.T) {
	t.Parallel()
	s, ms := newTestStore(t)
	s.SetCredential(testToken)
	require.NoError(t, s.Commit())
	require.NoError(t, s.StoreFirmwareVersion("1.2.3"))

	require.NoError(t, s.Erase())
	assert.False(t, s.IsProvisioned())
	assert.Equal(t, InvalidToken, s.Auth())

	s2 := New(nil, ms, "default.example.com")
	assert.False(t, s2.Load())
	assert.False(t, s2.IsProvisioned())
	assert.Equal(t, "1.2.3", s2.FirmwareVersion())
	assert.Equal(t, "default.example.com", s2.Host())
}

func TestSkipCounterIndependentOfCommit(t *testing.T) {
	t.Parallel()
	s, ms := newTestStore(t)
	s.SetCredential(testToken)
	require.NoError(t, s.RecordSkippedProvisioning())
	require.NoError(t, s.RecordSkippedProvisioning())
	assert.Equal(t, 2, s.SkipCount())
	assert.False(t, s.IsProvisioned())

	s2 := New(nil, ms, "")
	assert.False(t, s2.Load(), "uncommitted credential must not leak with skip counter")
	assert.Equal(t, 2, s2.SkipCount())

	require.NoError(t, s2.ResetSkipCount())
	s3 := New(nil, ms, "")
	s3.Load()
	assert.Equal(t, 0, s3.SkipCount())
}

func TestLoadCorrupt(t *testing.T) {
	t.Parallel()
	ms := &MemStorage{}
	_, _ = ms.Write([]byte("cfgskip: [not, a, number]"))
	s := New(log2.NewTest(t, log2.LDebug), ms, "h")
	assert.False(t, s.Load())
	assert.Equal(t, InvalidToken, s.Auth())
	assert.Equal(t, "h", s.Host())
}

func TestRecordBinary(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  string
		expect Record
		err    string
	}{
		{"empty", "", Record{}, ""},
		{"string-skip", "auth: x\ncfgskip: \"7\"\n", Record{Auth: "x", SkipCount: 7}, ""},
		{"int-skip", "cfgskip: 3\nfwver: 0.1\n", Record{SkipCount: 3, FirmwareVersion: "0.1"}, ""},
		{"negative-skip", "cfgskip: -1\n", Record{}, "not valid"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			var r Record
			err := r.UnmarshalBinary([]byte(c.input))
			if c.err != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, r)
		})
	}
}

func TestFileStorage(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s := New(log2.NewTest(t, log2.LDebug), NewFileStorage(root, "uplink"), "")
	assert.False(t, s.Load())
	s.SetCredential(testToken)
	s.SetHost("cloud.example.com")
	require.NoError(t, s.Commit())
	assert.DirExists(t, filepath.Join(root, "uplink"))

	s2 := New(nil, NewFileStorage(root, "uplink"), "")
	require.True(t, s2.Load())
	assert.Equal(t, "cloud.example.com", s2.Host())
}
