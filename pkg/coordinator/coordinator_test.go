package coordinator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/config"
	"github.com/dsa110/contimg-coordinator/pkg/queue"
)

func queueSpawnRequest() queue.SpawnRequest {
	return queue.SpawnRequest{Queue: "ingest", Name: "probe", MaxAttempts: 1}
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.WatchDir = t.TempDir()
	cfg.Grouper.SweepInterval = time.Minute
	cfg.Grouper.IncompleteTimeout = time.Minute
	return cfg
}

func TestNewBuildsEverySubsystem(t *testing.T) {
	cfg := newTestConfig(t)

	c, err := New(cfg, clock.Real(), clock.UUIDs{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Store.Close() })

	assert.NotNil(t, c.Store)
	assert.NotNil(t, c.Queue)
	assert.NotNil(t, c.Registry)
	assert.NotNil(t, c.Pool)
	assert.NotNil(t, c.Workflows)
	assert.NotNil(t, c.Scheduler)
	assert.NotNil(t, c.Breakers)
	assert.NotNil(t, c.Events)
	assert.NotNil(t, c.Grouper)
	assert.NotNil(t, c.Watcher)
	assert.NotNil(t, c.Control)
	assert.Nil(t, c.HA)
}

func TestStartStopRunsCleanly(t *testing.T) {
	cfg := newTestConfig(t)

	c, err := New(cfg, clock.Real(), clock.UUIDs{})
	require.NoError(t, err)

	require.NoError(t, c.Start())
	c.Stop()
}

func TestNewLoadsManifestAndRegistersExecutors(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.ManifestPath = filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(cfg.ManifestPath, []byte(`
executors:
  convert:
    command: ["cat"]
workflows:
  - name: nightly
    queue: ingest
    cron: "@every 1h"
    stages:
      - name: solve
        executor_ref: convert
`), 0o644))

	c, err := New(cfg, clock.Real(), clock.UUIDs{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Store.Close() })

	_, ok := c.Registry.Get("convert")
	assert.True(t, ok)

	require.NoError(t, c.Start())
	c.Stop()
}

func TestOpenControlSurfaceWorksWithoutWatcherOrPool(t *testing.T) {
	cfg := newTestConfig(t)

	surface, closeFn, err := OpenControlSurface(cfg, clock.Real(), clock.UUIDs{})
	require.NoError(t, err)
	t.Cleanup(func() { closeFn() })

	task, err := surface.SpawnTask(queueSpawnRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
}

func TestHAEnabledBootstrapsSingleNode(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.HA.Enabled = true
	cfg.HA.NodeID = "node-1"
	cfg.HA.Bind = "127.0.0.1:0"

	c, err := New(cfg, clock.Real(), clock.UUIDs{})
	require.NoError(t, err)
	require.NotNil(t, c.HA)

	require.NoError(t, c.Start())
	c.Stop()
}
