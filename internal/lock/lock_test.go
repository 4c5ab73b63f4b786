package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRecordsHolder(t *testing.T) {
	path := PathFor(filepath.Join(t.TempDir(), "warden.db"))
	l, err := Acquire(path, "host-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	h, err := ReadHolder(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), h.PID)
	assert.Equal(t, "host-a", h.Instance)
}

func TestSecondAcquireFailsUntilRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "warden.db.lock")
	first, err := Acquire(path, "one")
	require.NoError(t, err)

	_, err = Acquire(path, "two")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHeld))
	assert.Contains(t, err.Error(), "instance one")

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "release is idempotent")

	second, err := Acquire(path, "two")
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestReadHolderMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err := ReadHolder(path)
	assert.Error(t, err)
}
