//go:build linux

package osinfo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinuxWorker(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sys", "kernel"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sys", "kernel", "osrelease"), []byte("6.1.0-test\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uptime"), []byte("3600.50 7000.00\n"), 0o644))

	w := &linuxWorker{proc: dir}
	rel, err := w.Release()
	require.NoError(t, err)
	assert.Equal(t, "6.1.0-test", rel)

	up, err := w.Uptime()
	require.NoError(t, err)
	assert.Equal(t, time.Hour+500*time.Millisecond, up)

	_, err = (&linuxWorker{proc: filepath.Join(dir, "missing")}).Uptime()
	assert.Error(t, err)
}
