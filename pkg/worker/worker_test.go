package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/queue"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
)

type sequentialIDs struct{ n int }

func (s *sequentialIDs) NewID() string {
	s.n++
	return "task-" + string(rune('a'+s.n-1))
}

func newTestPool(t *testing.T, cfg Config, registry *Registry) (*queue.Queue, *Pool) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.New(store, clock.Real(), &sequentialIDs{}, time.Hour)
	return q, New(cfg, q, registry, nil, "worker-test")
}

func TestPoolCompletesSuccessfulTask(t *testing.T) {
	registry := NewRegistry()
	registry.Register("echo", ExecutorFunc(func(ctx context.Context, task *types.Task, wc types.Context) ([]byte, error) {
		return task.Params, nil
	}))

	q, pool := newTestPool(t, Config{Queue: "q", Concurrency: 1, PollInterval: 10 * time.Millisecond, TaskLease: time.Second, HeartbeatFactor: 3}, registry)

	spawned, err := q.Spawn(queue.SpawnRequest{Queue: "q", Name: "echo", Params: []byte("hi"), Backoff: types.DefaultBackoff()})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		got, err := q.GetTask(spawned.ID)
		return err == nil && got.State == types.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	done, err := q.GetTask(spawned.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), done.Result)
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	attempts := 0
	registry := NewRegistry()
	registry.Register("flaky", ExecutorFunc(func(ctx context.Context, task *types.Task, wc types.Context) ([]byte, error) {
		attempts++
		if attempts < 2 {
			return nil, Transient(errors.New("temporary glitch"))
		}
		return []byte("ok"), nil
	}))

	q, pool := newTestPool(t, Config{Queue: "q", Concurrency: 1, PollInterval: 5 * time.Millisecond, TaskLease: time.Second, HeartbeatFactor: 3}, registry)

	spawned, err := q.Spawn(queue.SpawnRequest{
		Queue: "q", Name: "flaky", MaxAttempts: 3,
		Backoff: types.BackoffParams{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, ExponentialBase: 2, Jitter: false},
	})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		got, err := q.GetTask(spawned.ID)
		return err == nil && got.State == types.TaskCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, attempts)
}

func TestPoolDeadLettersPermanentFailure(t *testing.T) {
	registry := NewRegistry()
	registry.Register("doomed", ExecutorFunc(func(ctx context.Context, task *types.Task, wc types.Context) ([]byte, error) {
		return nil, Permanent(errors.New("invalid params"))
	}))

	q, pool := newTestPool(t, Config{Queue: "q", Concurrency: 1, PollInterval: 5 * time.Millisecond, TaskLease: time.Second, HeartbeatFactor: 3}, registry)

	spawned, err := q.Spawn(queue.SpawnRequest{Queue: "q", Name: "doomed", MaxAttempts: 5, Backoff: types.DefaultBackoff()})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		got, err := q.GetTask(spawned.ID)
		return err == nil && got.State == types.TaskDead
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoolDeadLettersMissingExecutor(t *testing.T) {
	registry := NewRegistry()
	q, pool := newTestPool(t, Config{Queue: "q", Concurrency: 1, PollInterval: 5 * time.Millisecond, TaskLease: time.Second, HeartbeatFactor: 3}, registry)

	spawned, err := q.Spawn(queue.SpawnRequest{Queue: "q", Name: "missing", Backoff: types.DefaultBackoff()})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		got, err := q.GetTask(spawned.ID)
		return err == nil && got.State == types.TaskDead
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistryValidateReportsMissingNames(t *testing.T) {
	registry := NewRegistry()
	registry.Register("present", ExecutorFunc(func(ctx context.Context, task *types.Task, wc types.Context) ([]byte, error) {
		return nil, nil
	}))

	err := registry.Validate([]string{"present", "absent"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent")
}
