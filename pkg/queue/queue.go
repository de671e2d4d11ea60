// Package queue is the task-queue client: spawn/claim/heartbeat/complete/
// fail/cancel/replay/prune/stats over the storage package, plus the
// reaper loop that recovers claims abandoned by dead workers.
package queue

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/events"
	"github.com/dsa110/contimg-coordinator/pkg/log"
	"github.com/dsa110/contimg-coordinator/pkg/metrics"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
)

// SpawnRequest is the input to Spawn, mirroring the spawn operation's
// parameters.
type SpawnRequest struct {
	Queue         string
	Name          string
	ExecutorRef   string
	Params        []byte
	Priority      int
	MaxAttempts   int
	Backoff       types.BackoffParams
	DependsOn     []string
	DedupeKey     string
	WorkflowID    string
	WorkflowStage string
}

// Queue is the task-queue client backed by a storage.Store.
type Queue struct {
	store  storage.Store
	clk    clock.Clock
	ids    clock.IDs
	logger zerolog.Logger
	broker *events.Broker

	reaperInterval time.Duration
	stopCh         chan struct{}
}

// New builds a Queue over store. reaperInterval controls how often the
// reaper sweeps for expired claims; pass a value well under the shortest
// task lease in use.
func New(store storage.Store, clk clock.Clock, ids clock.IDs, reaperInterval time.Duration) *Queue {
	return &Queue{
		store:          store,
		clk:            clk,
		ids:            ids,
		logger:         log.WithComponent("queue"),
		reaperInterval: reaperInterval,
		stopCh:         make(chan struct{}),
	}
}

// SetBroker attaches broker so task lifecycle transitions are published
// as events. Not required at construction time since the broker and the
// queue are typically wired together by the top-level process after
// both exist.
func (q *Queue) SetBroker(broker *events.Broker) {
	q.broker = broker
}

func (q *Queue) publish(eventType events.EventType, task *types.Task, errMsg string) {
	if q.broker == nil {
		return
	}
	q.broker.Publish(&events.Event{
		Type:       eventType,
		TaskID:     task.ID,
		Queue:      task.Queue,
		Name:       task.Name,
		WorkflowID: task.WorkflowID,
		Attempts:   task.Attempts,
		Err:        errMsg,
	})
}

// Spawn inserts a new task, or returns the id of an existing open task
// sharing the same (queue, name, dedupe_key).
func (q *Queue) Spawn(req SpawnRequest) (*types.Task, error) {
	if req.Queue == "" || req.Name == "" {
		return nil, fmt.Errorf("queue: spawn requires a queue and name")
	}

	now := q.clk.Now()
	t := &types.Task{
		ID:            q.ids.NewID(),
		Queue:         req.Queue,
		Name:          req.Name,
		ExecutorRef:   req.ExecutorRef,
		Params:        req.Params,
		Priority:      req.Priority,
		State:         types.TaskPending,
		MaxAttempts:   req.MaxAttempts,
		Backoff:       req.Backoff,
		CreatedAt:     now,
		DependsOn:     req.DependsOn,
		WorkflowID:    req.WorkflowID,
		WorkflowStage: req.WorkflowStage,
		DedupeKey:     req.DedupeKey,
	}

	result, created, err := q.store.SpawnTask(t)
	if err != nil {
		return nil, fmt.Errorf("queue: spawn failed: %w", err)
	}

	if created {
		metrics.TasksSpawned.WithLabelValues(req.Queue, req.Name).Inc()
		q.publish(events.EventTaskSpawned, result, "")
	} else {
		metrics.TasksDuplicated.WithLabelValues(req.Queue, req.Name).Inc()
	}

	return result, nil
}

// Claim selects at most one eligible task in queue for workerID.
func (q *Queue) Claim(queueName, workerID string, lease time.Duration) (*types.Task, error) {
	now := q.clk.Now()
	task, err := q.store.ClaimTask(queueName, workerID, lease, now)
	if err != nil {
		return nil, fmt.Errorf("queue: claim failed: %w", err)
	}
	if task == nil {
		return nil, nil
	}

	metrics.TasksClaimed.WithLabelValues(task.Queue, task.Name).Inc()
	metrics.TaskWaitDuration.WithLabelValues(task.Queue, task.Name).Observe(now.Sub(task.CreatedAt).Seconds())

	return task, nil
}

// MarkRunning transitions taskID from claimed to running, once its
// executor has actually started.
func (q *Queue) MarkRunning(taskID, workerID string) error {
	if err := q.store.MarkRunning(taskID, workerID); err != nil {
		return fmt.Errorf("queue: mark running failed: %w", err)
	}
	return nil
}

// Heartbeat extends task_id's claim_deadline.
func (q *Queue) Heartbeat(taskID, workerID string, lease time.Duration) error {
	if err := q.store.Heartbeat(taskID, workerID, lease, q.clk.Now()); err != nil {
		return fmt.Errorf("queue: heartbeat failed: %w", err)
	}
	return nil
}

// Complete marks task_id completed, persisting result.
func (q *Queue) Complete(taskID, workerID string, result []byte) error {
	now := q.clk.Now()

	task, err := q.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("queue: complete lookup failed: %w", err)
	}

	if err := q.store.CompleteTask(taskID, workerID, result, now); err != nil {
		return fmt.Errorf("queue: complete failed: %w", err)
	}

	metrics.TasksCompleted.WithLabelValues(task.Queue, task.Name).Inc()
	metrics.TaskExecDuration.WithLabelValues(task.Queue, task.Name).Observe(now.Sub(task.StartedAt).Seconds())
	metrics.TaskFullDuration.WithLabelValues(task.Queue, task.Name).Observe(now.Sub(task.CreatedAt).Seconds())
	q.publish(events.EventTaskCompleted, task, "")

	return nil
}

// Fail applies the retry/backoff/dead-letter transition for task_id.
func (q *Queue) Fail(taskID, workerID, errMsg string, retry bool) (*types.Task, error) {
	now := q.clk.Now()

	task, err := q.store.FailTask(taskID, workerID, errMsg, retry, now)
	if err != nil {
		return nil, fmt.Errorf("queue: fail failed: %w", err)
	}

	switch task.State {
	case types.TaskDead:
		metrics.TasksFailed.WithLabelValues(task.Queue, task.Name).Inc()
		metrics.TasksDead.WithLabelValues(task.Queue, task.Name).Inc()
		metrics.TaskFullDuration.WithLabelValues(task.Queue, task.Name).Observe(now.Sub(task.CreatedAt).Seconds())
		q.publish(events.EventTaskDead, task, errMsg)
	case types.TaskRetrying:
		metrics.TasksFailed.WithLabelValues(task.Queue, task.Name).Inc()
		q.publish(events.EventTaskFailed, task, errMsg)
	}

	return task, nil
}

// Cancel terminates task_id with state cancelled, unless already terminal.
func (q *Queue) Cancel(taskID string) error {
	task, err := q.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("queue: cancel lookup failed: %w", err)
	}
	if err := q.store.CancelTask(taskID); err != nil {
		return fmt.Errorf("queue: cancel failed: %w", err)
	}
	if !task.State.IsTerminal() {
		metrics.TasksCancelled.WithLabelValues(task.Queue, task.Name).Inc()
	}
	return nil
}

// Replay resurrects a dead-lettered task as pending with reset attempts.
func (q *Queue) Replay(taskID string) error {
	if err := q.store.ReplayTask(taskID); err != nil {
		return fmt.Errorf("queue: replay failed: %w", err)
	}
	return nil
}

// Prune bulk-deletes terminal tasks in states older than before.
func (q *Queue) Prune(before time.Time, states []types.TaskState) (int, error) {
	n, err := q.store.PruneTasks(before, states)
	if err != nil {
		return 0, fmt.Errorf("queue: prune failed: %w", err)
	}
	return n, nil
}

// Stats reports task counts by state and the oldest-pending age for queueName.
func (q *Queue) Stats(queueName string) (storage.QueueStats, error) {
	stats, err := q.store.Stats(queueName, q.clk.Now())
	if err != nil {
		return storage.QueueStats{}, fmt.Errorf("queue: stats failed: %w", err)
	}
	metrics.OldestPendingAgeSeconds.WithLabelValues(queueName).Set(stats.OldestPendingAge.Seconds())
	for state, count := range stats.Counts {
		metrics.QueueDepth.WithLabelValues(queueName, string(state)).Set(float64(count))
	}
	return stats, nil
}

// GetTask fetches a single task by id.
func (q *Queue) GetTask(taskID string) (*types.Task, error) {
	return q.store.GetTask(taskID)
}

// ListTasks lists tasks matching filter.
func (q *Queue) ListTasks(filter storage.TaskFilter) ([]*types.Task, error) {
	return q.store.ListTasks(filter)
}

// StartReaper launches the background claim-expiry sweep.
func (q *Queue) StartReaper() {
	go q.reaperLoop()
}

// StopReaper stops the sweep.
func (q *Queue) StopReaper() {
	close(q.stopCh)
}

func (q *Queue) reaperLoop() {
	ticker := time.NewTicker(q.reaperInterval)
	defer ticker.Stop()

	q.logger.Info().Dur("interval", q.reaperInterval).Msg("reaper started")

	for {
		select {
		case <-ticker.C:
			q.reapOnce()
		case <-q.stopCh:
			q.logger.Info().Msg("reaper stopped")
			return
		}
	}
}

func (q *Queue) reapOnce() {
	timer := metrics.NewTimer()
	recovered, err := q.store.RecoverExpiredClaims(q.clk.Now())
	metrics.ReaperCycleDuration.Observe(timer.Duration().Seconds())
	if err != nil {
		q.logger.Error().Err(err).Msg("reaper sweep failed")
		return
	}
	for _, task := range recovered {
		metrics.TasksRecovered.Inc()
		q.logger.Warn().
			Str("task_id", task.ID).
			Str("queue", task.Queue).
			Str("claimed_by", task.ClaimedBy).
			Msg("recovered task from expired claim")
	}
}
