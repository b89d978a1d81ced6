package instancelock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "state.lock")

	l, err := Acquire(lockPath, "supervisor")
	require.NoError(t, err)
	require.NotNil(t, l)

	require.NoError(t, l.Release())

	l2, err := Acquire(lockPath, "supervisor")
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestAcquireBusyWhileHeld(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "state.lock")

	l, err := Acquire(lockPath, "supervisor")
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	_, err = Acquire(lockPath, "second")
	require.Error(t, err)
	var busy *Busy
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, os.Getpid(), busy.HolderPID)
}

func TestAcquireReclaimsMalformedRecord(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "state.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("not json"), 0o600))

	l, err := Acquire(lockPath, "supervisor")
	require.NoError(t, err)
	require.NoError(t, l.Release())
}
