// Package ha runs a Raft participant whose FSM applies queue-DB Commands
// handed to Node.Apply and snapshots task and ingest-group state. It is
// only constructed when the coordinator is configured with ha.enabled.
package ha

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
)

// Command is one replicated mutation, applied to every follower's store
// in the same order it was committed to the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	OpSpawnTask          = "spawn_task"
	OpClaimTask          = "claim_task"
	OpMarkRunning        = "mark_running"
	OpHeartbeat          = "heartbeat"
	OpCompleteTask       = "complete_task"
	OpFailTask           = "fail_task"
	OpCancelTask         = "cancel_task"
	OpReplayTask         = "replay_task"
	OpSaveWorkflowMeta   = "save_workflow_meta"
	OpSaveTriggerState   = "save_trigger_state"
	OpRecordTriggerFire  = "record_trigger_fire"
	OpUpdateIngestGroup  = "update_ingest_group"
)

// FSM applies committed Command log entries to the local store. Every
// follower's FSM ends up with byte-identical queue-DB state, since Apply
// is deterministic given the same command stream.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM builds an FSM writing through to store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

type claimTaskArgs struct {
	Queue    string        `json:"queue"`
	WorkerID string        `json:"worker_id"`
	Lease    time.Duration `json:"lease"`
	Now      time.Time     `json:"now"`
}

type markRunningArgs struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

type heartbeatArgs struct {
	TaskID   string        `json:"task_id"`
	WorkerID string        `json:"worker_id"`
	Lease    time.Duration `json:"lease"`
	Now      time.Time     `json:"now"`
}

type completeTaskArgs struct {
	TaskID   string    `json:"task_id"`
	WorkerID string    `json:"worker_id"`
	Result   []byte    `json:"result"`
	Now      time.Time `json:"now"`
}

type failTaskArgs struct {
	TaskID   string    `json:"task_id"`
	WorkerID string    `json:"worker_id"`
	ErrMsg   string    `json:"err_msg"`
	Retry    bool      `json:"retry"`
	Now      time.Time `json:"now"`
}

type recordTriggerFireArgs struct {
	DedupeKey string `json:"dedupe_key"`
}

// Apply applies a single committed log entry, returning the error (if
// any) from the underlying store call so Raft's ApplyFuture surfaces it
// to the caller that proposed the command.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("ha: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpSpawnTask:
		var task types.Task
		if err := json.Unmarshal(cmd.Data, &task); err != nil {
			return err
		}
		_, _, err := f.store.SpawnTask(&task)
		return err

	case OpClaimTask:
		var a claimTaskArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		_, err := f.store.ClaimTask(a.Queue, a.WorkerID, a.Lease, a.Now)
		return err

	case OpMarkRunning:
		var a markRunningArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.store.MarkRunning(a.TaskID, a.WorkerID)

	case OpHeartbeat:
		var a heartbeatArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.store.Heartbeat(a.TaskID, a.WorkerID, a.Lease, a.Now)

	case OpCompleteTask:
		var a completeTaskArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.store.CompleteTask(a.TaskID, a.WorkerID, a.Result, a.Now)

	case OpFailTask:
		var a failTaskArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		_, err := f.store.FailTask(a.TaskID, a.WorkerID, a.ErrMsg, a.Retry, a.Now)
		return err

	case OpCancelTask:
		var taskID string
		if err := json.Unmarshal(cmd.Data, &taskID); err != nil {
			return err
		}
		return f.store.CancelTask(taskID)

	case OpReplayTask:
		var taskID string
		if err := json.Unmarshal(cmd.Data, &taskID); err != nil {
			return err
		}
		return f.store.ReplayTask(taskID)

	case OpSaveWorkflowMeta:
		var m types.WorkflowMeta
		if err := json.Unmarshal(cmd.Data, &m); err != nil {
			return err
		}
		return f.store.SaveWorkflowMeta(&m)

	case OpSaveTriggerState:
		var t types.TriggerState
		if err := json.Unmarshal(cmd.Data, &t); err != nil {
			return err
		}
		return f.store.SaveTriggerState(&t)

	case OpRecordTriggerFire:
		var a recordTriggerFireArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		_, err := f.store.RecordTriggerFire(a.DedupeKey)
		return err

	case OpUpdateIngestGroup:
		var g types.IngestGroup
		if err := json.Unmarshal(cmd.Data, &g); err != nil {
			return err
		}
		return f.store.UpdateIngestGroup(&g)

	default:
		return fmt.Errorf("ha: unknown command op: %s", cmd.Op)
	}
}

// Snapshot captures every task and ingest group so a joining or
// restarting follower can catch up without replaying the entire log.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tasks, err := f.store.ListTasks(storage.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("ha: list tasks for snapshot: %w", err)
	}
	groups, err := f.store.ListIngestGroups()
	if err != nil {
		return nil, fmt.Errorf("ha: list ingest groups for snapshot: %w", err)
	}

	return &Snapshot{Tasks: tasks, IngestGroups: groups}, nil
}

// Restore writes the tasks and ingest groups of a snapshot taken on
// another node into the local store, used when this node joins the
// cluster or falls too far behind the log to catch up incrementally.
// Local rows that are absent from the snapshot are not deleted.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("ha: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, task := range snap.Tasks {
		if _, _, err := f.store.SpawnTask(task); err != nil {
			return fmt.Errorf("ha: restore task %s: %w", task.ID, err)
		}
	}
	for _, g := range snap.IngestGroups {
		if err := f.store.UpdateIngestGroup(g); err != nil {
			return fmt.Errorf("ha: restore ingest group %s: %w", g.GroupKey, err)
		}
	}
	return nil
}

// Snapshot is the point-in-time FSM state shipped to a joining follower.
type Snapshot struct {
	Tasks        []*types.Task
	IngestGroups []*types.IngestGroup
}

func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *Snapshot) Release() {}
