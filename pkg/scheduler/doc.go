/*
Package scheduler spawns workflows on time-based and event-based triggers.

It bridges the workflow engine to the outside world: cron schedules for
periodic housekeeping workflows, and the grouper's group_ready events for
per-observation imaging workflows. Neither trigger kind talks to the queue
directly; both call through to workflow.Engine.Submit.

# Architecture

	┌───────────────────────────────────────────────────────────┐
	│                       Scheduler                            │
	│                                                              │
	│  ┌────────────────┐        ┌──────────────────────────┐  │
	│  │   robfig/cron   │        │   group_ready listener    │  │
	│  │  engine, one     │        │   goroutine, one per       │  │
	│  │  Schedule per    │        │   RegisterGroupReadyTrigger│  │
	│  │  CronTrigger     │        │   call                     │  │
	│  └────────┬────────┘        └─────────────┬──────────────┘  │
	│           │ fire                           │ group_ready      │
	│           ▼                                 ▼                │
	│  ┌──────────────────────────────────────────────────────┐  │
	│  │  cron: dedupe (trigger_name, fire_instant) via         │  │
	│  │  store.RecordTriggerFire, then engine.Submit           │  │
	│  └──────────────────────────────────────────────────────┘  │
	└───────────────────────────────────────────────────────────┘

# Cron triggers

RegisterCronTrigger parses a standard five-field cron spec with
robfig/cron's v1 API (the module pins github.com/robfig/cron, not the v3
import path, so there is no AddFunc-returns-EntryID and no WithSeconds).
Each fire is deduplicated against the bbolt-persisted set of recorded
fires (store.RecordTriggerFire) before the factory is even called, so a
restart landing mid-tick never double-submits a workflow for the same
instant.

Missed fires are handled by CatchUpWindow: on registration, RegisterCronTrigger
walks every schedule.Next() between the persisted NextFire and now. Fires
that fall within CatchUpWindow of now are submitted; older ones are logged
and dropped. CatchUpWindow of zero disables catch-up entirely — only fires
observed while the process is running are submitted.

# Event triggers

RegisterGroupReadyTrigger runs a dedicated goroutine reading a grouper's
Ready() channel until Scheduler.Stop() closes the scheduler's own stop
channel (not the grouper's — the caller owns the grouper's lifecycle).
Each group_ready event becomes exactly one workflow submission; there is
no separate dedupe step here, since the grouper itself only ever emits one
ready event per group, on its one collecting→pending transition (made
with SemiComplete set when the incomplete-group sweep releases it).

# Factories

Both trigger kinds take a factory function rather than a fixed workflow
definition, since the context root and stage list typically need values
known only at fire time (the observation's group key, the fire instant
formatted into a path, and so on). The factory is called synchronously
from the firing goroutine; a slow factory delays the next event on the
grouper's Ready() channel, since the listener loop is strictly sequential.

# See Also

  - pkg/workflow for Submit's validation and the DAG it spawns tasks from
  - pkg/grouper for the group_ready event itself
  - pkg/storage for TriggerState persistence and RecordTriggerFire
*/
package scheduler
