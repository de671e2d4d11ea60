// Package types holds the data model shared across the ingest coordinator:
// ingest groups, tasks, workflows, stage definitions, and circuit breaker
// state. Nothing in this package talks to storage or the network; it is
// pure data plus the small set of invariants that every other package
// relies on.
package types

import "time"

// GroupKey is the canonical timestamp string identifying an observation.
// Once assigned to a file it never changes for that file's lifetime.
type GroupKey = string

// SubbandFile is a single correlator output file discovered by the watcher.
type SubbandFile struct {
	Path          string
	GroupKey      GroupKey
	SubbandIndex  int
	DiscoveredAt  time.Time
	SizeBytes     int64
}

// IngestGroupState is the lifecycle state of an IngestGroup.
type IngestGroupState string

const (
	IngestCollecting IngestGroupState = "collecting"
	IngestPending    IngestGroupState = "pending"
	IngestInProgress IngestGroupState = "in_progress"
	IngestCompleted  IngestGroupState = "completed"
	IngestFailed     IngestGroupState = "failed"
)

// IngestGroup tracks the subbands observed for one canonical timestamp.
type IngestGroup struct {
	GroupKey          GroupKey
	State             IngestGroupState
	ReceivedAt        time.Time
	LastUpdate        time.Time
	ExpectedSubbands  int
	PresentSubbands   map[int]bool
	SemiComplete      bool
	SyntheticIndices  []int
	RetryCount        int
	LastError         string
	WorkflowID        string
}

// PresentCount returns the number of distinct subband indices observed.
func (g *IngestGroup) PresentCount() int {
	return len(g.PresentSubbands)
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskClaimed   TaskState = "claimed"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskRetrying  TaskState = "retrying"
	TaskCancelled TaskState = "cancelled"
	TaskDead      TaskState = "dead"
)

// IsTerminal reports whether state has no further transitions of its own
// (absent an operator-initiated replay or reprocessing).
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskDead:
		return true
	default:
		return false
	}
}

// BackoffParams controls the retry delay schedule for a task.
type BackoffParams struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultBackoff returns the default retry schedule: 1s base, 60s cap,
// doubling, with jitter.
func DefaultBackoff() BackoffParams {
	return BackoffParams{
		BaseDelay:       1 * time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

// Task is a unit of work delivered to exactly one worker at a time.
type Task struct {
	ID             string
	Queue          string
	Name           string
	// ExecutorRef selects the registered executor. For standalone tasks
	// it is usually left empty and Name is used instead; workflow stage
	// tasks always set it, since Name there is workflow_name.stage_name.
	ExecutorRef    string
	Params         []byte
	Priority       int
	State          TaskState
	ClaimedBy      string
	ClaimDeadline  time.Time
	WakeTime       time.Time
	Attempts       int
	MaxAttempts    int
	Backoff        BackoffParams
	Result         []byte
	Error          string
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	DependsOn      []string
	WorkflowID     string
	WorkflowStage  string
	DedupeKey      string
}

// Eligible reports whether the task may be handed out by claim, given the
// current time and the completion state of its dependencies. The caller
// supplies depsCompleted because checking dependency state requires a
// store lookup this package does not perform.
func (t *Task) Eligible(now time.Time, depsCompleted bool) bool {
	if t.State != TaskPending && t.State != TaskRetrying {
		return false
	}
	if t.State == TaskRetrying && t.WakeTime.After(now) {
		return false
	}
	return depsCompleted
}

// StageDef is one node in a workflow's DAG.
type StageDef struct {
	Name         string
	ExecutorRef  string
	DependsOn    []string
	RetryPolicy  RetryPolicy
	Timeout      time.Duration
	Optional     bool
	Config       []byte

	// Produces names the context keys this stage's result contributes.
	// Two stages that are both direct dependencies of the same
	// descendant must not declare overlapping keys; the workflow
	// runner checks this at submission time.
	Produces []string

	// RequiresContext names the context keys this stage's executor
	// must see in its merged context before it may run. A predecessor
	// graph missing one of these is a submission-time error.
	RequiresContext []string
}

// RetryPolicy is the per-stage retry configuration, translated into a
// task's MaxAttempts/Backoff at submission time.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffParams
}

// WorkflowState is derived from the state of its constituent tasks; it is
// never stored directly (see DESIGN.md on cyclic references).
type WorkflowState string

const (
	WorkflowRunning   WorkflowState = "running"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
	WorkflowCancelled WorkflowState = "cancelled"
)

// WorkflowRecord is a read-only reconstructed view of a workflow.
type WorkflowRecord struct {
	ID          string
	Name        string
	State       WorkflowState
	Stages      []StageDef
	TaskIDs     []string
	ContextRoot map[string][]byte
}

// WorkflowMeta is the persisted half of a workflow: the parts no task
// carries on its own (context_root, the stage definitions, and the
// stage-name-to-task-id mapping). Everything else about a workflow —
// its live state, its task ids — is reconstructed from its tasks'
// current rows rather than stored redundantly.
type WorkflowMeta struct {
	ID          string
	Name        string
	ContextRoot map[string][]byte
	Stages      []StageDef
	TaskIDs     map[string]string // stage name -> task id
	CreatedAt   time.Time
}

// Context is the append-only mapping threaded through a workflow's stages.
// Keys are never overwritten once a value is merged in; collisions across
// independent predecessors are caught at submission time (see pkg/workflow).
type Context map[string][]byte

// Merge returns a new Context containing ctx's entries plus other's. It
// does not mutate either input.
func (ctx Context) Merge(other Context) Context {
	merged := make(Context, len(ctx)+len(other))
	for k, v := range ctx {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// TriggerState is the scheduler's persisted bookkeeping for one cron
// trigger, surviving restarts so missed fires can be distinguished from
// fires already submitted.
type TriggerState struct {
	Name        string
	NextFire    time.Time
	LastFireAt  time.Time
}

// BreakerState is the lifecycle state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)
