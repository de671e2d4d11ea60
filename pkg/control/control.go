// Package control is the coordinator's programmatic surface: the
// operations an external caller uses to enqueue work, inspect state, and
// manage triggers, independent of whatever wraps it (a CLI subcommand,
// a future HTTP handler). It is a facade over queue.Queue, workflow.Engine
// and scheduler.Scheduler, not a new store of its own.
package control

import (
	"sync"
	"time"

	"github.com/dsa110/contimg-coordinator/pkg/queue"
	"github.com/dsa110/contimg-coordinator/pkg/scheduler"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
	"github.com/dsa110/contimg-coordinator/pkg/workflow"
)

// Surface is the in-process control API. spawn_task, get_task,
// list_tasks, cancel_task, replay_task and queue_stats are implemented
// directly over Queue; submit_workflow, get_workflow and cancel_workflow
// over Workflows; register_trigger and list_triggers over Scheduler.
type Surface interface {
	SpawnTask(req queue.SpawnRequest) (*types.Task, error)
	GetTask(taskID string) (*types.Task, error)
	ListTasks(filter storage.TaskFilter) ([]*types.Task, error)
	CancelTask(taskID string) error
	ReplayTask(taskID string) error
	QueueStats(queueName string) (storage.QueueStats, error)

	SubmitWorkflow(name, queueName string, contextRoot map[string][]byte, stages []types.StageDef) (*types.WorkflowRecord, error)
	GetWorkflow(workflowID string) (*types.WorkflowRecord, error)
	CancelWorkflow(workflowID string) error

	RegisterTrigger(t scheduler.CronTrigger) error
	ListTriggers() []TriggerInfo
}

// TriggerInfo summarizes one registered cron trigger for list_triggers.
type TriggerInfo struct {
	Name       string
	CronSpec   string
	NextFire   time.Time
	LastFireAt time.Time
}

type surface struct {
	store     storage.Store
	q         *queue.Queue
	workflows *workflow.Engine
	sched     *scheduler.Scheduler

	mu       sync.RWMutex
	triggers []TriggerInfo // name/cron_spec set at RegisterTrigger time
}

// New builds a Surface over the given subsystems. Any of them may be
// shared with a running Coordinator; Surface issues no calls of its own
// outside the ones a caller makes.
func New(store storage.Store, q *queue.Queue, workflows *workflow.Engine, sched *scheduler.Scheduler) Surface {
	return &surface{store: store, q: q, workflows: workflows, sched: sched}
}

func (s *surface) SpawnTask(req queue.SpawnRequest) (*types.Task, error) {
	return s.q.Spawn(req)
}

func (s *surface) GetTask(taskID string) (*types.Task, error) {
	return s.q.GetTask(taskID)
}

func (s *surface) ListTasks(filter storage.TaskFilter) ([]*types.Task, error) {
	return s.q.ListTasks(filter)
}

func (s *surface) CancelTask(taskID string) error {
	return s.q.Cancel(taskID)
}

func (s *surface) ReplayTask(taskID string) error {
	return s.q.Replay(taskID)
}

func (s *surface) QueueStats(queueName string) (storage.QueueStats, error) {
	return s.q.Stats(queueName)
}

func (s *surface) SubmitWorkflow(name, queueName string, contextRoot map[string][]byte, stages []types.StageDef) (*types.WorkflowRecord, error) {
	return s.workflows.Submit(name, queueName, contextRoot, stages)
}

func (s *surface) GetWorkflow(workflowID string) (*types.WorkflowRecord, error) {
	return s.workflows.GetWorkflow(workflowID)
}

func (s *surface) CancelWorkflow(workflowID string) error {
	return s.workflows.CancelWorkflow(workflowID)
}

func (s *surface) RegisterTrigger(t scheduler.CronTrigger) error {
	if err := s.sched.RegisterCronTrigger(t); err != nil {
		return err
	}
	s.mu.Lock()
	s.triggers = append(s.triggers, TriggerInfo{Name: t.Name, CronSpec: t.CronSpec})
	s.mu.Unlock()
	return nil
}

// ListTriggers reports every trigger registered through this Surface's
// RegisterTrigger, reading back its persisted TriggerState for NextFire/
// LastFireAt. A trigger registered directly on Scheduler by some other
// caller, bypassing Surface, is not tracked here: Scheduler keeps no
// registry of trigger names of its own beyond the cron engine's entries.
func (s *surface) ListTriggers() []TriggerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]TriggerInfo, len(s.triggers))
	copy(infos, s.triggers)
	for i := range infos {
		if state, err := s.store.GetTriggerState(infos[i].Name); err == nil {
			infos[i].NextFire = state.NextFire
			infos[i].LastFireAt = state.LastFireAt
		}
	}
	return infos
}
