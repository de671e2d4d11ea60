/*
Package execbridge is the default way an operator wires a real imaging,
calibration, or photometry program into the coordinator without writing
Go: point a stage's executor_ref at a Bridge and the coordinator hands
that program a task's params and context on stdin, JSON-encoded, and
takes its stdout back as the task's result.

This is a convenience, not the only way to register an executor — any
worker.Executor implementation works equally well, including one that
calls into an in-process Go library instead of shelling out.
*/
package execbridge
