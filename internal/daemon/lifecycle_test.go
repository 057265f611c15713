package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileRoundTrip(t *testing.T) {
	dir := t.TempDir()

	_, ok := ReadPIDFile(dir)
	assert.False(t, ok)

	require.NoError(t, WritePIDFile(dir))
	pid, ok := ReadPIDFile(dir)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, RemovePIDFile(dir))
	_, ok = ReadPIDFile(dir)
	assert.False(t, ok)

	// removing twice is fine
	require.NoError(t, RemovePIDFile(dir))
}

func TestWritePIDFileRejectsLiveDaemon(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WritePIDFile(dir))

	err := WritePIDFile(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestWritePIDFileReplacesStaleFile(t *testing.T) {
	dir := t.TempDir()
	// pid unlikely to exist
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kirana.pid"), []byte("999999"), 0o644))

	require.NoError(t, WritePIDFile(dir))
	pid, ok := ReadPIDFile(dir)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(999999))
}
