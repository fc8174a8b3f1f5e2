package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPIDFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, l.Acquire())

	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestAcquireTwiceFailsWhileFirstAlive(t *testing.T) {
	dir := t.TempDir()
	l1, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, l1.Acquire())

	l2, err := New(dir)
	require.NoError(t, err)
	assert.Error(t, l2.Acquire())
}

func TestStatusReportsRunningForOwnProcess(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, l.Acquire())

	pid, running := l.Status()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReleaseClearsStatus(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, l.Acquire())

	l.Release()
	_, running := l.Status()
	assert.False(t, running)
}

func TestStopFailsWhenNotRunning(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	assert.Error(t, l.Stop())
}

func TestAcquireRecoversStalePIDFile(t *testing.T) {
	dir := t.TempDir()
	// a pid that (almost certainly) does not correspond to a live process
	require.NoError(t, os.WriteFile(filepath.Join(dir, pidFileName), []byte("999999"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), []byte(""), 0o644))

	l, err := New(dir)
	require.NoError(t, err)
	assert.NoError(t, l.Acquire())
}
