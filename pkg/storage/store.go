package storage

import (
	"errors"
	"time"

	"github.com/dsa110/contimg-coordinator/pkg/types"
)

// Sentinel errors returned by Store implementations. Callers type-switch
// or errors.Is against these rather than matching on string content.
var (
	ErrNotFound     = errors.New("storage: not found")
	ErrNotOwner     = errors.New("storage: not owner")
	ErrNotClaimed   = errors.New("storage: not claimed")
	ErrConflict     = errors.New("storage: conflict")
	ErrNotDeadLetter = errors.New("storage: task is not in the dead-letter state")
)

// TaskFilter restricts ListTasks results. Zero-value fields are not
// applied as filters.
type TaskFilter struct {
	Queue      string
	States     []types.TaskState
	WorkflowID string
}

// QueueStats is the result of Stats: task counts per state plus the age
// of the oldest pending task, used for the oldest-pending-age gauge.
type QueueStats struct {
	Counts           map[types.TaskState]int
	OldestPendingAge time.Duration
}

// Store is the coordinator's queue DB: the transactional key/row store
// backing ingest_queue and tasks. Implementations must
// guarantee that Claim, Heartbeat, Complete, Fail, Cancel and Replay are
// each atomic with respect to one another — see doc.go for how BoltStore
// achieves this with bbolt's single-writer transactions.
type Store interface {
	// Ingest groups.
	CanonicalizeGroup(rawTime time.Time, tolerance time.Duration, expectedSubbands int, now time.Time) (*types.IngestGroup, bool, error)
	AddPresentSubband(groupKey string, index int, now time.Time) (*types.IngestGroup, bool, error)
	GetIngestGroup(groupKey string) (*types.IngestGroup, error)
	GetIngestGroupByWorkflowID(workflowID string) (*types.IngestGroup, error)
	UpdateIngestGroup(g *types.IngestGroup) error
	ListIngestGroups() ([]*types.IngestGroup, error)
	ListIngestGroupsByState(state types.IngestGroupState) ([]*types.IngestGroup, error)
	ListStaleCollectingGroups(olderThan time.Time) ([]*types.IngestGroup, error)
	DeleteIngestGroup(groupKey string) error

	// Subband files.
	UpsertSubbandFile(f *types.SubbandFile) error
	GetSubbandFile(path string) (*types.SubbandFile, error)
	ListSubbandFilesByGroup(groupKey string) ([]*types.SubbandFile, error)

	// Tasks.
	SpawnTask(t *types.Task) (*types.Task, bool, error)
	GetTask(id string) (*types.Task, error)
	ListTasks(filter TaskFilter) ([]*types.Task, error)
	ClaimTask(queue, workerID string, lease time.Duration, now time.Time) (*types.Task, error)
	MarkRunning(taskID, workerID string) error
	Heartbeat(taskID, workerID string, lease time.Duration, now time.Time) error
	CompleteTask(taskID, workerID string, result []byte, now time.Time) error
	FailTask(taskID, workerID, errMsg string, retry bool, now time.Time) (*types.Task, error)
	CancelTask(taskID string) error
	ReplayTask(taskID string) error
	PruneTasks(before time.Time, states []types.TaskState) (int, error)
	RecoverExpiredClaims(now time.Time) ([]*types.Task, error)
	Stats(queue string, now time.Time) (QueueStats, error)

	// Workflows.
	SaveWorkflowMeta(m *types.WorkflowMeta) error
	GetWorkflowMeta(id string) (*types.WorkflowMeta, error)

	// Scheduler triggers.
	SaveTriggerState(t *types.TriggerState) error
	GetTriggerState(name string) (*types.TriggerState, error)
	RecordTriggerFire(dedupeKey string) (bool, error)

	// Utility.
	Close() error
}
