/*
Package worker runs the coordinator's worker pool: the claim, heartbeat,
execute, and report loop that turns queued tasks into executor calls.

A Pool owns a fixed number of goroutines, each independently polling one
queue:

	for {
	    task := queue.Claim(...)
	    if task == nil { sleep(poll_interval); continue }
	    go heartbeat until done
	    result, err := executor.Execute(ctx, task, workflowCtx)
	    report Complete / Fail / Cancel accordingly
	}

Executors are registered into a Registry before workers start, keyed by
the executor ref a task carries (a task with no executor ref is looked up
by its name). Registry.Validate lets a workflow reject a submission up front if
one of its stages names an executor nobody registered, rather than
leaving a task that can never be claimed by anything useful.

An executor signals how its error should be handled by wrapping it with
Transient, Permanent, or Cancelled; an unwrapped context.Canceled is
treated as cancelled, and any other unwrapped error defaults to
transient. The heartbeat goroutine also watches for the task being
cancelled out from under it (operator cancel_task, a workflow cascade)
and cancels the executor's context in that case.
*/
package worker
