package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/queue"
	"github.com/dsa110/contimg-coordinator/pkg/scheduler"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
	"github.com/dsa110/contimg-coordinator/pkg/workflow"
)

const sample = `
executors:
  convert:
    command: ["cat"]
    timeout: 5s

workflows:
  - name: nightly_calibration
    queue: ingest
    cron: "@every 1h"
    stages:
      - name: solve
        executor_ref: convert
        max_attempts: 2
`

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesExecutorsAndWorkflows(t *testing.T) {
	m, err := Load(writeManifest(t, sample))
	require.NoError(t, err)

	require.Contains(t, m.Executors, "convert")
	assert.Equal(t, []string{"cat"}, m.Executors["convert"].Command)
	require.Len(t, m.Workflows, 1)
	assert.Equal(t, "nightly_calibration", m.Workflows[0].Name)
}

func TestBuildRegistryRegistersExecutor(t *testing.T) {
	m, err := Load(writeManifest(t, sample))
	require.NoError(t, err)

	registry, err := BuildRegistry(m)
	require.NoError(t, err)

	_, ok := registry.Get("convert")
	assert.True(t, ok)
}

func TestWorkflowSpecStagesKeepsStageMaxAttempts(t *testing.T) {
	m, err := Load(writeManifest(t, sample))
	require.NoError(t, err)

	stages, err := m.Workflows[0].Stages(5, types.DefaultBackoff())
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, 2, stages[0].RetryPolicy.MaxAttempts)
}

func TestRegisterTriggersRegistersCronTrigger(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.Real()
	ids := &sequentialIDs{}
	q := queue.New(store, clk, ids, time.Hour)
	engine := workflow.New(store, q, ids, clk, nil)
	sched := scheduler.New(store, engine, clk)

	m, err := Load(writeManifest(t, sample))
	require.NoError(t, err)

	require.NoError(t, RegisterTriggers(m, sched, 3, types.DefaultBackoff()))
}

type sequentialIDs struct{ n int }

func (s *sequentialIDs) NewID() string {
	s.n++
	return "id-" + string(rune('a'+s.n-1))
}
