/*
Package storage provides the coordinator's queue DB: a bbolt-backed,
single-writer transactional store for the ingest groups and tasks tables.

	┌──────────────────── QUEUE DB (bbolt) ────────────────────┐
	│ ingest_groups        group_key -> IngestGroup (json)      │
	│ subband_files        path     -> SubbandFile (json)       │
	│ tasks                id       -> Task (json)               │
	│ tasks_by_dedupe      queue|name|dedupe_key -> task id       │
	└────────────────────────────────────────────────────────────┘

bbolt serializes all writers through a single db.Update transaction:
Claim, Heartbeat, Complete, Fail, Cancel and Replay all run inside one
Update call, so two concurrent callers can never observe or mutate the
same row — bbolt's write lock does the work a SELECT ... FOR UPDATE
SKIP LOCKED would do in a row-locking store.

Claim eligibility (queue match, state in {pending, retrying}, wake time
elapsed, every dependency completed) is evaluated by scanning the tasks
bucket inside that transaction and sorting candidates by
(priority desc, created_at asc, id asc); dedupe lookups go through the
tasks_by_dedupe index instead of a scan. The ingest side mirrors this:
CanonicalizeGroup performs the lookup-or-create-by-tolerance in one
transaction (the SubbandFile row is written separately, by
UpsertSubbandFile), so a race between two files
timestamped near the same instant resolves deterministically — whichever
call's Update commits first wins the group_key, and the loser's
read-after-write observes the row the winner just created.
*/
package storage
