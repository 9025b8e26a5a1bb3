package system

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/uplink/log2"
)

func TestDeviceName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Uplink-AB12", DeviceName("", "0123456789ab12"))
	assert.Equal(t, "Pump-7", DeviceName("Pump", "7"))
	assert.Equal(t, "Pump", DeviceName("Pump", ""))
}

func TestReadUID(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "machine-id")
	require.NoError(t, os.WriteFile(path, []byte("ABCDEF0123\n"), 0644))
	uid, err := ReadUID(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123", uid)

	require.NoError(t, os.WriteFile(path, []byte("\n"), 0644))
	_, err = ReadUID(path)
	assert.Error(t, err)

	_, err = ReadUID(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}

func TestProcessExit(t *testing.T) {
	t.Parallel()
	code := -1
	ProcessExit{Log: log2.NewTest(t, log2.LDebug), Exit: func(c int) { code = c }}.Restart("test")
	assert.Equal(t, 1, code)
}
