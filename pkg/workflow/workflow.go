// Package workflow composes tasks into a DAG: it validates a stage
// graph, spawns one task per stage with dependency edges and per-stage
// retry policy, threads context from completed predecessors into each
// stage's executor, and derives workflow-level state and cancellation
// from the state of its constituent tasks.
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/events"
	"github.com/dsa110/contimg-coordinator/pkg/log"
	"github.com/dsa110/contimg-coordinator/pkg/queue"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
	"github.com/dsa110/contimg-coordinator/pkg/worker"
)

// TaskParams is the JSON-encoded shape of a workflow stage task's Params:
// which context keys its executor needs, plus the stage's own opaque
// configuration bytes.
type TaskParams struct {
	ContextKeys []string `json:"context_keys"`
	Config      []byte   `json:"config"`
}

// Engine submits and tracks workflows over a Queue and Store. It
// implements worker.ContextProvider so a worker.Pool can resolve the
// context a workflow stage task's executor should see.
type Engine struct {
	store    storage.Store
	q        *queue.Queue
	ids      clock.IDs
	clk      clock.Clock
	registry *worker.Registry
	broker   *events.Broker

	logger zerolog.Logger
}

// New builds an Engine. registry is consulted at Submit time to reject
// a workflow up front if one of its stages names an executor nobody
// registered; pass nil to skip that check (e.g. in tests that exercise
// submission validation in isolation).
func New(store storage.Store, q *queue.Queue, ids clock.IDs, clk clock.Clock, registry *worker.Registry) *Engine {
	return &Engine{
		store:    store,
		q:        q,
		ids:      ids,
		clk:      clk,
		registry: registry,
		logger:   log.WithComponent("workflow"),
	}
}

// SetBroker attaches broker so workflow.submitted is published on every
// successful Submit.
func (e *Engine) SetBroker(broker *events.Broker) {
	e.broker = broker
}

// Submit validates stages and context_root, then spawns one task per
// stage in topological order. The returned record reflects the
// just-created workflow (all stages pending except roots, which are
// immediately claimable).
func (e *Engine) Submit(name, taskQueue string, contextRoot map[string][]byte, stages []types.StageDef) (*types.WorkflowRecord, error) {
	ordered, err := validate(stages, contextRoot)
	if err != nil {
		return nil, err
	}

	if e.registry != nil {
		refs := make([]string, 0, len(ordered))
		for _, s := range ordered {
			refs = append(refs, s.ExecutorRef)
		}
		if err := e.registry.Validate(refs); err != nil {
			return nil, fmt.Errorf("workflow: %w", err)
		}
	}

	workflowID := e.ids.NewID()
	taskIDs := make(map[string]string, len(ordered))

	for _, stage := range ordered {
		dependsOn := make([]string, 0, len(stage.DependsOn))
		for _, depName := range stage.DependsOn {
			id, ok := taskIDs[depName]
			if !ok {
				return nil, fmt.Errorf("workflow: stage %q depends on %q which was not yet spawned (topological order violated)", stage.Name, depName)
			}
			dependsOn = append(dependsOn, id)
		}

		params, err := json.Marshal(TaskParams{
			ContextKeys: stage.RequiresContext,
			Config:      stage.Config,
		})
		if err != nil {
			return nil, fmt.Errorf("workflow: encode params for stage %q: %w", stage.Name, err)
		}

		task, err := e.q.Spawn(queue.SpawnRequest{
			Queue:         taskQueue,
			Name:          name + "." + stage.Name,
			ExecutorRef:   stage.ExecutorRef,
			Params:        params,
			MaxAttempts:   stage.RetryPolicy.MaxAttempts,
			Backoff:       stage.RetryPolicy.Backoff,
			DependsOn:     dependsOn,
			WorkflowID:    workflowID,
			WorkflowStage: stage.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("workflow: spawn stage %q: %w", stage.Name, err)
		}
		taskIDs[stage.Name] = task.ID
	}

	meta := &types.WorkflowMeta{
		ID:          workflowID,
		Name:        name,
		ContextRoot: contextRoot,
		Stages:      ordered,
		TaskIDs:     taskIDs,
		CreatedAt:   e.clk.Now(),
	}
	if err := e.store.SaveWorkflowMeta(meta); err != nil {
		return nil, fmt.Errorf("workflow: save metadata: %w", err)
	}

	e.logger.Info().Str("workflow_id", workflowID).Str("name", name).Int("stages", len(ordered)).Msg("workflow submitted")
	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:       events.EventWorkflowSubmitted,
			WorkflowID: workflowID,
			Name:       name,
			StageCount: len(ordered),
		})
	}

	return e.recordFromMeta(meta)
}

// ContextFor implements worker.ContextProvider. It resolves task's
// declared context_keys against context_root and the Produces of its
// direct dependencies, reading each dependency's stored result.
func (e *Engine) ContextFor(task *types.Task) (types.Context, error) {
	if task.WorkflowID == "" {
		return types.Context{}, nil
	}

	meta, err := e.store.GetWorkflowMeta(task.WorkflowID)
	if err != nil {
		return nil, worker.Permanent(fmt.Errorf("workflow: load metadata for %s: %w", task.WorkflowID, err))
	}

	var params TaskParams
	if len(task.Params) > 0 {
		if err := json.Unmarshal(task.Params, &params); err != nil {
			return nil, worker.Permanent(fmt.Errorf("workflow: decode task params: %w", err))
		}
	}

	ctx := types.Context{}
	for k, v := range meta.ContextRoot {
		ctx[k] = v
	}

	for _, depID := range task.DependsOn {
		depTask, err := e.store.GetTask(depID)
		if err != nil {
			return nil, fmt.Errorf("workflow: load predecessor task %s: %w", depID, err)
		}
		if depTask.State != types.TaskCompleted {
			// An optional predecessor that died contributes no output;
			// the stage graph runner already let this task become
			// eligible, so absence here is expected, not an error.
			continue
		}
		produced, err := decodeProduced(depTask)
		if err != nil {
			return nil, worker.Permanent(fmt.Errorf("workflow: decode result of predecessor %s: %w", depID, err))
		}
		for k, v := range produced {
			ctx[k] = v
		}
	}

	var missing []string
	for _, key := range params.ContextKeys {
		if _, ok := ctx[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, worker.Permanent(fmt.Errorf("workflow: context keys unavailable for task %s: %v", task.ID, missing))
	}

	return ctx, nil
}

// decodeProduced interprets depTask's stored result as its contribution
// to the workflow context: a JSON object mapping each of the stage's
// Produces keys to its value (a JSON string unwraps to its raw bytes;
// any other JSON value is kept as its raw encoded form). An executor
// whose result isn't a JSON object contributes nothing and is expected
// to declare no Produces keys.
func decodeProduced(depTask *types.Task) (map[string][]byte, error) {
	if len(depTask.Result) == 0 {
		return nil, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(depTask.Result, &raw); err != nil {
		return nil, nil
	}
	produced := make(map[string][]byte, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			produced[k] = []byte(s)
		} else {
			produced[k] = []byte(v)
		}
	}
	return produced, nil
}

// GetWorkflow reconstructs a WorkflowRecord from its persisted metadata
// and the current state of its tasks.
func (e *Engine) GetWorkflow(id string) (*types.WorkflowRecord, error) {
	meta, err := e.store.GetWorkflowMeta(id)
	if err != nil {
		return nil, fmt.Errorf("workflow: load metadata for %s: %w", id, err)
	}
	return e.recordFromMeta(meta)
}

func (e *Engine) recordFromMeta(meta *types.WorkflowMeta) (*types.WorkflowRecord, error) {
	taskIDs := make([]string, 0, len(meta.TaskIDs))
	stageTasks := make(map[string]*types.Task, len(meta.TaskIDs))
	for stageName, taskID := range meta.TaskIDs {
		t, err := e.store.GetTask(taskID)
		if err != nil {
			return nil, fmt.Errorf("workflow: load task %s for stage %q: %w", taskID, stageName, err)
		}
		taskIDs = append(taskIDs, taskID)
		stageTasks[stageName] = t
	}

	state := deriveState(meta.Stages, stageTasks)
	e.publishTerminalOnce(meta, state)

	return &types.WorkflowRecord{
		ID:          meta.ID,
		Name:        meta.Name,
		State:       state,
		Stages:      meta.Stages,
		TaskIDs:     taskIDs,
		ContextRoot: meta.ContextRoot,
	}, nil
}

// deriveState implements the any-non-optional-dead-stage-fails rule: a
// workflow is failed if any required stage's task is dead, completed if
// every stage's task is completed or (optional and dead), cancelled if
// any task is cancelled with nothing yet failed, and running otherwise.
func deriveState(stages []types.StageDef, tasks map[string]*types.Task) types.WorkflowState {
	allDone := true
	anyCancelled := false

	for _, stage := range stages {
		t, ok := tasks[stage.Name]
		if !ok {
			allDone = false
			continue
		}
		switch t.State {
		case types.TaskCompleted:
			continue
		case types.TaskDead:
			if !stage.Optional {
				return types.WorkflowFailed
			}
			continue
		case types.TaskCancelled:
			anyCancelled = true
			allDone = false
		default:
			allDone = false
		}
	}

	if allDone {
		return types.WorkflowCompleted
	}
	if anyCancelled {
		return types.WorkflowCancelled
	}
	return types.WorkflowRunning
}

// publishTerminalOnce publishes workflow.completed or workflow.failed the
// first time state is observed as terminal for meta.ID. It reuses the
// trigger-fire dedupe table as a generic idempotency set, keyed by
// workflow id and state rather than by trigger name and fire instant.
func (e *Engine) publishTerminalOnce(meta *types.WorkflowMeta, state types.WorkflowState) {
	if e.broker == nil {
		return
	}
	var eventType events.EventType
	switch state {
	case types.WorkflowCompleted:
		eventType = events.EventWorkflowCompleted
	case types.WorkflowFailed:
		eventType = events.EventWorkflowFailed
	default:
		return
	}

	dedupeKey := "workflow_terminal|" + meta.ID + "|" + string(state)
	first, err := e.store.RecordTriggerFire(dedupeKey)
	if err != nil || !first {
		return
	}
	e.broker.Publish(&events.Event{
		Type:       eventType,
		WorkflowID: meta.ID,
		Name:       meta.Name,
	})
}

// CancelWorkflow cancels every non-terminal task belonging to id.
// Completed tasks are left untouched.
func (e *Engine) CancelWorkflow(id string) error {
	meta, err := e.store.GetWorkflowMeta(id)
	if err != nil {
		return fmt.Errorf("workflow: load metadata for %s: %w", id, err)
	}

	var firstErr error
	for stageName, taskID := range meta.TaskIDs {
		t, err := e.store.GetTask(taskID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("workflow: load task for stage %q: %w", stageName, err)
			}
			continue
		}
		if t.State.IsTerminal() {
			continue
		}
		if err := e.q.Cancel(taskID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("workflow: cancel task for stage %q: %w", stageName, err)
		}
	}
	return firstErr
}
