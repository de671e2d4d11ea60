package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/queue"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
	"github.com/dsa110/contimg-coordinator/pkg/worker"
)

type sequentialIDs struct{ n int }

func (s *sequentialIDs) NewID() string {
	s.n++
	return "id-" + string(rune('a'+s.n-1))
}

func newTestEngine(t *testing.T, registry *worker.Registry) (storage.Store, *queue.Queue, *Engine) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ids := &sequentialIDs{}
	clk := clock.Real()
	q := queue.New(store, clk, ids, time.Hour)
	return store, q, New(store, q, ids, clk, registry)
}

func TestSubmitRejectsMissingExecutor(t *testing.T) {
	registry := worker.NewRegistry()
	_, _, engine := newTestEngine(t, registry)

	_, err := engine.Submit("imaging", "work", nil, []types.StageDef{
		{Name: "convert", ExecutorRef: "convert"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no executor registered")
}

func TestSubmitSpawnsTasksWithDependencyEdges(t *testing.T) {
	registry := worker.NewRegistry()
	registry.Register("convert", worker.ExecutorFunc(noopExecutor))
	registry.Register("calibrate", worker.ExecutorFunc(noopExecutor))

	_, q, engine := newTestEngine(t, registry)

	rec, err := engine.Submit("imaging", "work", map[string][]byte{"observation_id": []byte("obs-1")}, []types.StageDef{
		{Name: "convert", ExecutorRef: "convert", Produces: []string{"converted_path"}},
		{Name: "calibrate", ExecutorRef: "calibrate", DependsOn: []string{"convert"}, RequiresContext: []string{"converted_path", "observation_id"}},
	})
	require.NoError(t, err)
	require.Len(t, rec.TaskIDs, 2)
	assert.Equal(t, types.WorkflowRunning, rec.State)

	var calibrateTask *types.Task
	for _, id := range rec.TaskIDs {
		tk, err := q.GetTask(id)
		require.NoError(t, err)
		if tk.WorkflowStage == "calibrate" {
			calibrateTask = tk
		}
	}
	require.NotNil(t, calibrateTask)
	require.Len(t, calibrateTask.DependsOn, 1)
}

func TestWorkflowRunsEndToEndAndCompletes(t *testing.T) {
	registry := worker.NewRegistry()
	registry.Register("convert", worker.ExecutorFunc(func(ctx context.Context, task *types.Task, wc types.Context) ([]byte, error) {
		return []byte(`{"converted_path":"/data/obs-1.ms"}`), nil
	}))
	calibrateSawInput := make(chan bool, 1)
	registry.Register("calibrate", worker.ExecutorFunc(func(ctx context.Context, task *types.Task, wc types.Context) ([]byte, error) {
		_, ok := wc["converted_path"]
		calibrateSawInput <- ok
		return []byte(`{"calibration_table":"/data/obs-1.cal"}`), nil
	}))

	store, q, engine := newTestEngine(t, registry)

	pool := worker.New(worker.Config{Queue: "work", Concurrency: 2, PollInterval: 5 * time.Millisecond, TaskLease: time.Second, HeartbeatFactor: 3}, q, registry, engine, "w1")
	pool.Start()
	defer pool.Stop()

	rec, err := engine.Submit("imaging", "work", map[string][]byte{"observation_id": []byte("obs-1")}, []types.StageDef{
		{Name: "convert", ExecutorRef: "convert", Produces: []string{"converted_path"}},
		{Name: "calibrate", ExecutorRef: "calibrate", DependsOn: []string{"convert"}, RequiresContext: []string{"converted_path"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := engine.GetWorkflow(rec.ID)
		return err == nil && got.State == types.WorkflowCompleted
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case sawInput := <-calibrateSawInput:
		assert.True(t, sawInput, "calibrate stage did not see convert's output")
	default:
		t.Fatal("calibrate executor never ran")
	}

	_ = store
}

func TestCancelWorkflowCancelsNonTerminalTasks(t *testing.T) {
	registry := worker.NewRegistry()
	registry.Register("convert", worker.ExecutorFunc(noopExecutor))
	registry.Register("calibrate", worker.ExecutorFunc(noopExecutor))

	_, q, engine := newTestEngine(t, registry)

	rec, err := engine.Submit("imaging", "work", nil, []types.StageDef{
		{Name: "convert", ExecutorRef: "convert", Produces: []string{"converted_path"}},
		{Name: "calibrate", ExecutorRef: "calibrate", DependsOn: []string{"convert"}, RequiresContext: []string{"converted_path"}},
	})
	require.NoError(t, err)

	require.NoError(t, engine.CancelWorkflow(rec.ID))

	for _, id := range rec.TaskIDs {
		tk, err := q.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskCancelled, tk.State)
	}
}

func TestContextForMergesRootAndPredecessorOutput(t *testing.T) {
	registry := worker.NewRegistry()
	store, _, engine := newTestEngine(t, registry)

	predecessor := &types.Task{
		ID:            "pred-1",
		State:         types.TaskCompleted,
		WorkflowStage: "convert",
		Result:        []byte(`{"converted_path":"/data/obs-1.ms"}`),
	}
	_, _, err := store.SpawnTask(predecessor)
	require.NoError(t, err)

	meta := &types.WorkflowMeta{
		ID:          "wf-1",
		ContextRoot: map[string][]byte{"observation_id": []byte("obs-1")},
		TaskIDs:     map[string]string{"convert": predecessor.ID},
	}
	require.NoError(t, store.SaveWorkflowMeta(meta))

	params, err := json.Marshal(TaskParams{ContextKeys: []string{"converted_path", "observation_id"}})
	require.NoError(t, err)

	successor := &types.Task{
		ID:         "succ-1",
		WorkflowID: meta.ID,
		DependsOn:  []string{predecessor.ID},
		Params:     params,
	}

	ctx, err := engine.ContextFor(successor)
	require.NoError(t, err)
	assert.Equal(t, []byte("/data/obs-1.ms"), ctx["converted_path"])
	assert.Equal(t, []byte("obs-1"), ctx["observation_id"])
}

func noopExecutor(ctx context.Context, task *types.Task, wc types.Context) ([]byte, error) {
	return nil, nil
}
