/*
Package workflow turns a declared stage graph into running tasks.

Submit validates a workflow's stages (unique names, acyclic, every
depends_on resolved, no two direct predecessors of the same stage
producing the same context key, every RequiresContext key satisfiable
from context_root or a direct predecessor's Produces) and, against a
worker.Registry, that every stage's ExecutorRef is actually registered.
It then spawns one task per stage in topological order, wiring each
stage's task to the task ids of its direct predecessors.

Engine implements worker.ContextProvider: when a worker claims a
workflow stage task, it asks the Engine for that task's context, and
the Engine merges context_root with the Produces output of each direct
predecessor (read back from that predecessor's stored task result).

A workflow has no stored state of its own beyond WorkflowMeta
(context_root, stage defs, and the stage-name-to-task-id map); its
running/completed/failed/cancelled state is derived on read from its
tasks' current rows.
*/
package workflow
