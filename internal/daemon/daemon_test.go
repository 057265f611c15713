package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kirana/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.WorkspacePath = filepath.Join(dir, "workspace")
	cfg.Logging.Console = false
	cfg.Logging.Pretty = false
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)

	assert.NotNil(t, d.Loop())
	assert.NotNil(t, d.Hooks())
	assert.NotNil(t, d.Router())
	assert.NotNil(t, d.bus)
	assert.NotNil(t, d.sessions)
	assert.NotNil(t, d.engine)
	assert.NotNil(t, d.subagents)
	assert.Nil(t, d.cronService)
}

func TestNewWithCronEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cron.Enabled = true
	cfg.Cron.StorePath = filepath.Join(cfg.DataDir, "cron-jobs.json")

	d, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, d.cronService)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Models.Default = ""

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
