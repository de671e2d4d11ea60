package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dsa110/contimg-coordinator/pkg/types"
)

// Executor runs one stage's work for one task attempt. ctx carries
// cancellation (external cancel, workflow cancel, or a lease-lost
// heartbeat failure); workflowCtx is the read-only context accumulated
// from the task's completed predecessors. Executors must be reentrant:
// the same (task_id, attempt) may run again if a crash occurred after
// execution but before completion was recorded.
type Executor interface {
	Execute(ctx context.Context, task *types.Task, workflowCtx types.Context) ([]byte, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *types.Task, workflowCtx types.Context) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *types.Task, workflowCtx types.Context) ([]byte, error) {
	return f(ctx, task, workflowCtx)
}

// FailureClass determines how the queue treats an executor error.
type FailureClass int

const (
	// ClassTransient retries with the task's configured backoff.
	ClassTransient FailureClass = iota
	// ClassPermanent dead-letters without retrying.
	ClassPermanent
	// ClassCancelled reports cancelled, never retried.
	ClassCancelled
)

// classifiedError tags an executor error with its FailureClass.
type classifiedError struct {
	class FailureClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient wraps err so the worker retries it with backoff. Use for
// network timeouts, breaker-open, lease-lost, and store-conflict errors.
func Transient(err error) error { return &classifiedError{class: ClassTransient, err: err} }

// Permanent wraps err so the worker dead-letters it without retrying.
// Use for invalid params, contract violations, and impossible
// dependencies.
func Permanent(err error) error { return &classifiedError{class: ClassPermanent, err: err} }

// Cancelled wraps err so the worker reports the task cancelled rather
// than failed.
func Cancelled(err error) error { return &classifiedError{class: ClassCancelled, err: err} }

// classify extracts the FailureClass from err, defaulting unclassified
// errors to transient: an executor that didn't opt into a class is
// more often wrapping a flaky dependency than a contract violation, and
// the attempt budget already bounds the damage of guessing wrong.
func classify(err error) (FailureClass, error) {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class, ce.err
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled, err
	}
	return ClassTransient, err
}

// Registry maps executor refs to the Executor that runs them. A workflow's
// stage definitions are validated against a Registry at submission time,
// so a missing executor is a submission-time error rather than a claim
// that can never complete.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds name to executor. Registering the same name twice
// overwrites the previous binding.
func (r *Registry) Register(name string, executor Executor) {
	r.executors[name] = executor
}

// Get looks up the executor bound to name.
func (r *Registry) Get(name string) (Executor, bool) {
	e, ok := r.executors[name]
	return e, ok
}

// Validate reports an error naming every ref in refs that has no
// registered executor.
func (r *Registry) Validate(refs []string) error {
	var missing []string
	for _, ref := range refs {
		if _, ok := r.executors[ref]; !ok {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("worker: no executor registered for: %v", missing)
	}
	return nil
}
