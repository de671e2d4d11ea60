/*
Package control exposes the coordinator's minimal external surface:
spawn_task, get_task, list_tasks, cancel_task, replay_task, queue_stats,
submit_workflow, get_workflow, cancel_workflow, register_trigger and
list_triggers. It is deliberately thin — every method forwards to queue.Queue,
workflow.Engine or scheduler.Scheduler and does no independent bookkeeping
beyond tracking registered trigger names for ListTriggers.

Wrapping Surface in a transport (HTTP, gRPC, a UI) is out of scope; the
only consumer in this tree is cmd/coordinatorctl, which calls it directly
in-process.
*/
package control
