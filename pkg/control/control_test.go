package control

import (
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

type sequentialIDs struct{ n int }

func (s *sequentialIDs) NewID() string {
	s.n++
	return "id-" + string(rune('a'+s.n-1))
}

func newTestSurface(t *testing.T) Surface {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ids := &sequentialIDs{}
	clk := clock.Real()
	q := queue.New(store, clk, ids, time.Hour)
	engine := workflow.New(store, q, ids, clk, nil)
	sched := scheduler.New(store, engine, clk)

	return New(store, q, engine, sched)
}

func TestSpawnGetCancelReplayTask(t *testing.T) {
	s := newTestSurface(t)

	task, err := s.SpawnTask(queue.SpawnRequest{Queue: "ingest", Name: "convert", MaxAttempts: 1})
	require.NoError(t, err)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	require.NoError(t, s.CancelTask(task.ID))
	got, err = s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, got.State)
	assert.ErrorIs(t, s.ReplayTask(task.ID), storage.ErrNotDeadLetter)
}

func TestListTasksFiltersByQueue(t *testing.T) {
	s := newTestSurface(t)

	_, err := s.SpawnTask(queue.SpawnRequest{Queue: "ingest", Name: "a", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = s.SpawnTask(queue.SpawnRequest{Queue: "other", Name: "b", MaxAttempts: 1})
	require.NoError(t, err)

	tasks, err := s.ListTasks(storage.TaskFilter{Queue: "ingest"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].Name)
}

func TestSubmitGetCancelWorkflow(t *testing.T) {
	s := newTestSurface(t)

	stages := []types.StageDef{{Name: "only", ExecutorRef: "noop"}}
	rec, err := s.SubmitWorkflow("demo", "ingest", nil, stages)
	require.NoError(t, err)

	got, err := s.GetWorkflow(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowRunning, got.State)

	require.NoError(t, s.CancelWorkflow(rec.ID))
}

func TestRegisterAndListTriggers(t *testing.T) {
	s := newTestSurface(t)

	err := s.RegisterTrigger(scheduler.CronTrigger{
		Name:     "nightly",
		CronSpec: "@every 1h",
		Factory: func(fireTime time.Time) (string, string, map[string][]byte, []types.StageDef) {
			return "nightly_build", "ingest", nil, []types.StageDef{{Name: "only", ExecutorRef: "noop"}}
		},
	})
	require.NoError(t, err)

	triggers := s.ListTriggers()
	require.Len(t, triggers, 1)
	assert.Equal(t, "nightly", triggers[0].Name)
	assert.Equal(t, "@every 1h", triggers[0].CronSpec)
}

func TestQueueStatsReportsCounts(t *testing.T) {
	s := newTestSurface(t)

	_, err := s.SpawnTask(queue.SpawnRequest{Queue: "ingest", Name: "a", MaxAttempts: 1})
	require.NoError(t, err)

	stats, err := s.QueueStats("ingest")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts[types.TaskPending])
}
