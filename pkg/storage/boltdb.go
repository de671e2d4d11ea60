package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"time"

	"github.com/dsa110/contimg-coordinator/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketIngestGroups = []byte("ingest_groups")
	bucketSubbandFiles = []byte("subband_files")
	bucketTasks        = []byte("tasks")
	bucketTasksDedupe  = []byte("tasks_by_dedupe")
	bucketWorkflows    = []byte("workflows")
	bucketTriggers     = []byte("triggers")
	bucketTriggerFires = []byte("trigger_fires")
)

// groupKeyLayout is the canonical timestamp format embedded in both the
// group_key and normalized filenames. It avoids characters that are
// awkward in POSIX filenames (colons) while remaining lexically sortable.
const groupKeyLayout = "20060102T150405.000000000"

// FormatGroupKey renders t as a canonical group key.
func FormatGroupKey(t time.Time) string {
	return t.UTC().Format(groupKeyLayout)
}

// ParseGroupKey parses a canonical group key back into a time.Time.
func ParseGroupKey(key string) (time.Time, error) {
	return time.Parse(groupKeyLayout, key)
}

// BoltStore implements Store on top of bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the queue DB under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "coordinator.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIngestGroups, bucketSubbandFiles, bucketTasks, bucketTasksDedupe, bucketWorkflows, bucketTriggers, bucketTriggerFires} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v interface{}) error {
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// --- Ingest groups ---------------------------------------------------

func dedupeKeyBytes(queue, name, dedupeKey string) []byte {
	return []byte(queue + "\x00" + name + "\x00" + dedupeKey)
}

// CanonicalizeGroup implements the grouper's canonicalization policy
// as a single bbolt transaction: look up a
// collecting or pending group whose canonical time is within tolerance of
// rawTime, adopting it; otherwise create a new collecting group keyed by
// rawTime. Returns the resolved group and whether it was newly created.
func (s *BoltStore) CanonicalizeGroup(rawTime time.Time, tolerance time.Duration, expectedSubbands int, now time.Time) (*types.IngestGroup, bool, error) {
	var result *types.IngestGroup
	var created bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIngestGroups)

		var best *types.IngestGroup
		var bestDelta time.Duration = math.MaxInt64

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var g types.IngestGroup
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			if g.State != types.IngestCollecting && g.State != types.IngestPending {
				continue
			}
			gt, err := ParseGroupKey(g.GroupKey)
			if err != nil {
				continue
			}
			delta := gt.Sub(rawTime)
			if delta < 0 {
				delta = -delta
			}
			if delta <= tolerance && delta < bestDelta {
				gCopy := g
				best = &gCopy
				bestDelta = delta
			}
		}

		if best != nil {
			result = best
			return nil
		}

		g := &types.IngestGroup{
			GroupKey:         FormatGroupKey(rawTime),
			State:            types.IngestCollecting,
			ReceivedAt:       now,
			LastUpdate:       now,
			ExpectedSubbands: expectedSubbands,
			PresentSubbands:  make(map[int]bool),
		}
		if err := putJSON(b, g.GroupKey, g); err != nil {
			return err
		}
		result = g
		created = true
		return nil
	})

	return result, created, err
}

// AddPresentSubband records subband index as present on groupKey,
// idempotently: re-adding an already-present index is a no-op. Returns the updated group and whether the index
// was newly added.
func (s *BoltStore) AddPresentSubband(groupKey string, index int, now time.Time) (*types.IngestGroup, bool, error) {
	var result *types.IngestGroup
	var added bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIngestGroups)
		var g types.IngestGroup
		if err := getJSON(b, groupKey, &g); err != nil {
			return err
		}
		if g.PresentSubbands == nil {
			g.PresentSubbands = make(map[int]bool)
		}
		if g.PresentSubbands[index] {
			result = &g
			return nil
		}
		g.PresentSubbands[index] = true
		g.LastUpdate = now
		added = true
		if err := putJSON(b, groupKey, &g); err != nil {
			return err
		}
		result = &g
		return nil
	})

	return result, added, err
}

func (s *BoltStore) GetIngestGroup(groupKey string) (*types.IngestGroup, error) {
	var g types.IngestGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketIngestGroups), groupKey, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetIngestGroupByWorkflowID finds the ingest group that spawned
// workflowID. Returns ErrNotFound if no group carries that workflow id,
// which is the common case for cron-triggered workflows that were never
// spawned from a group_ready event.
func (s *BoltStore) GetIngestGroupByWorkflowID(workflowID string) (*types.IngestGroup, error) {
	var found *types.IngestGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIngestGroups).ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var g types.IngestGroup
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			if g.WorkflowID == workflowID {
				gCopy := g
				found = &gCopy
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) UpdateIngestGroup(g *types.IngestGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketIngestGroups), g.GroupKey, g)
	})
}

func (s *BoltStore) ListIngestGroups() ([]*types.IngestGroup, error) {
	var groups []*types.IngestGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIngestGroups).ForEach(func(k, v []byte) error {
			var g types.IngestGroup
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			groups = append(groups, &g)
			return nil
		})
	})
	return groups, err
}

func (s *BoltStore) ListIngestGroupsByState(state types.IngestGroupState) ([]*types.IngestGroup, error) {
	all, err := s.ListIngestGroups()
	if err != nil {
		return nil, err
	}
	var out []*types.IngestGroup
	for _, g := range all {
		if g.State == state {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *BoltStore) ListStaleCollectingGroups(olderThan time.Time) ([]*types.IngestGroup, error) {
	collecting, err := s.ListIngestGroupsByState(types.IngestCollecting)
	if err != nil {
		return nil, err
	}
	var out []*types.IngestGroup
	for _, g := range collecting {
		if g.LastUpdate.Before(olderThan) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *BoltStore) DeleteIngestGroup(groupKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIngestGroups).Delete([]byte(groupKey))
	})
}

// --- Subband files -----------------------------------------------------

func (s *BoltStore) UpsertSubbandFile(f *types.SubbandFile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSubbandFiles), f.Path, f)
	})
}

func (s *BoltStore) GetSubbandFile(path string) (*types.SubbandFile, error) {
	var f types.SubbandFile
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketSubbandFiles), path, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *BoltStore) ListSubbandFilesByGroup(groupKey string) ([]*types.SubbandFile, error) {
	var out []*types.SubbandFile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubbandFiles).ForEach(func(k, v []byte) error {
			var f types.SubbandFile
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.GroupKey == groupKey {
				out = append(out, &f)
			}
			return nil
		})
	})
	return out, err
}

// --- Tasks ---------------------------------------------------------

// SpawnTask inserts t, unless t.DedupeKey is set and an open (non-terminal)
// task with the same (queue, name, dedupe_key) already exists, in which
// case that task is returned with created=false (
// Deduplication).
func (s *BoltStore) SpawnTask(t *types.Task) (*types.Task, bool, error) {
	var result *types.Task
	var created bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		dedupe := tx.Bucket(bucketTasksDedupe)

		if t.DedupeKey != "" {
			key := dedupeKeyBytes(t.Queue, t.Name, t.DedupeKey)
			if existingID := dedupe.Get(key); existingID != nil {
				var existing types.Task
				if err := getJSON(tasks, string(existingID), &existing); err == nil && !existing.State.IsTerminal() {
					result = &existing
					return nil
				}
			}
		}

		if err := putJSON(tasks, t.ID, t); err != nil {
			return err
		}
		if t.DedupeKey != "" {
			if err := dedupe.Put(dedupeKeyBytes(t.Queue, t.Name, t.DedupeKey), []byte(t.ID)); err != nil {
				return err
			}
		}
		result = t
		created = true
		return nil
	})

	return result, created, err
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var t types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTasks), id, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func matchesFilter(t *types.Task, f TaskFilter) bool {
	if f.Queue != "" && t.Queue != f.Queue {
		return false
	}
	if f.WorkflowID != "" && t.WorkflowID != f.WorkflowID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if t.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *BoltStore) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if matchesFilter(&t, filter) {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

// dependenciesCompleted reports whether every task id in deps is
// completed, reading from the tasks bucket inside the caller's
// transaction so the check is consistent with the candidate scan.
func dependenciesCompleted(tasks *bolt.Bucket, deps []string) bool {
	for _, id := range deps {
		var dep types.Task
		if err := getJSON(tasks, id, &dep); err != nil {
			return false
		}
		if dep.State != types.TaskCompleted {
			return false
		}
	}
	return true
}

// ClaimTask atomically selects at most one eligible task in queue and
// marks it claimed, per Eligibility/Concurrency: queue
// match, state in {pending, retrying} with elapsed wake time, every
// dependency completed; ordered by (priority desc, created_at asc),
// ties broken by id. Returns (nil, nil) when no task is eligible.
func (s *BoltStore) ClaimTask(queue, workerID string, lease time.Duration, now time.Time) (*types.Task, error) {
	var claimed *types.Task

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)

		var candidates []*types.Task
		if err := tasks.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Queue != queue {
				return nil
			}
			if !t.Eligible(now, dependenciesCompleted(tasks, t.DependsOn)) {
				return nil
			}
			candidates = append(candidates, &t)
			return nil
		}); err != nil {
			return err
		}

		if len(candidates) == 0 {
			return nil
		}

		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})

		winner := candidates[0]
		winner.State = types.TaskClaimed
		winner.ClaimedBy = workerID
		winner.ClaimDeadline = now.Add(lease)
		if winner.StartedAt.IsZero() {
			winner.StartedAt = now
		}

		if err := putJSON(tasks, winner.ID, winner); err != nil {
			return err
		}
		claimed = winner
		return nil
	})

	return claimed, err
}

// MarkRunning transitions a claimed task to running, once its executor
// has actually started (as opposed to merely having been handed to a
// worker goroutine). Heartbeat, CompleteTask, FailTask and CancelTask
// all treat claimed and running as the same "owned by workerID,
// in-flight" condition.
func (s *BoltStore) MarkRunning(taskID, workerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		var t types.Task
		if err := getJSON(tasks, taskID, &t); err != nil {
			return err
		}
		if t.State != types.TaskClaimed {
			return ErrNotClaimed
		}
		if t.ClaimedBy != workerID {
			return ErrNotOwner
		}
		t.State = types.TaskRunning
		return putJSON(tasks, taskID, &t)
	})
}

func (s *BoltStore) Heartbeat(taskID, workerID string, lease time.Duration, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		var t types.Task
		if err := getJSON(tasks, taskID, &t); err != nil {
			return err
		}
		if t.State != types.TaskClaimed && t.State != types.TaskRunning {
			return ErrNotClaimed
		}
		if t.ClaimedBy != workerID {
			return ErrNotOwner
		}
		t.ClaimDeadline = now.Add(lease)
		return putJSON(tasks, taskID, &t)
	})
}

func (s *BoltStore) CompleteTask(taskID, workerID string, result []byte, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		var t types.Task
		if err := getJSON(tasks, taskID, &t); err != nil {
			return err
		}
		if t.ClaimedBy != workerID || (t.State != types.TaskClaimed && t.State != types.TaskRunning) {
			return ErrNotOwner
		}
		t.State = types.TaskCompleted
		t.Result = result
		t.FinishedAt = now
		return putJSON(tasks, taskID, &t)
	})
}

// FailTask applies the retry/backoff/dead-letter transition and returns
// the task's state after the transition.
func (s *BoltStore) FailTask(taskID, workerID, errMsg string, retry bool, now time.Time) (*types.Task, error) {
	var result *types.Task

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		var t types.Task
		if err := getJSON(tasks, taskID, &t); err != nil {
			return err
		}
		if t.ClaimedBy != workerID || (t.State != types.TaskClaimed && t.State != types.TaskRunning) {
			return ErrNotOwner
		}

		t.Error = errMsg

		if retry {
			t.Attempts++
		}

		if !retry || t.Attempts >= t.MaxAttempts {
			t.State = types.TaskDead
			t.FinishedAt = now
		} else {
			delay := backoffDelay(t.Backoff, t.Attempts)
			t.State = types.TaskRetrying
			t.WakeTime = now.Add(delay)
		}

		if err := putJSON(tasks, taskID, &t); err != nil {
			return err
		}
		result = &t
		return nil
	})

	return result, err
}

func (s *BoltStore) CancelTask(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		var t types.Task
		if err := getJSON(tasks, taskID, &t); err != nil {
			return err
		}
		if t.State.IsTerminal() {
			return nil
		}
		t.State = types.TaskCancelled
		return putJSON(tasks, taskID, &t)
	})
}

func (s *BoltStore) ReplayTask(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		var t types.Task
		if err := getJSON(tasks, taskID, &t); err != nil {
			return err
		}
		if t.State != types.TaskDead {
			return ErrNotDeadLetter
		}
		t.State = types.TaskPending
		t.Attempts = 0
		t.Error = ""
		t.ClaimedBy = ""
		return putJSON(tasks, taskID, &t)
	})
}

func (s *BoltStore) PruneTasks(before time.Time, states []types.TaskState) (int, error) {
	stateSet := make(map[types.TaskState]bool, len(states))
	for _, st := range states {
		stateSet[st] = true
	}

	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		dedupe := tx.Bucket(bucketTasksDedupe)

		var toDelete []*types.Task
		if err := tasks.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if !t.State.IsTerminal() || !stateSet[t.State] {
				return nil
			}
			if t.FinishedAt.IsZero() || t.FinishedAt.After(before) {
				return nil
			}
			tCopy := t
			toDelete = append(toDelete, &tCopy)
			return nil
		}); err != nil {
			return err
		}

		for _, t := range toDelete {
			if err := tasks.Delete([]byte(t.ID)); err != nil {
				return err
			}
			if t.DedupeKey != "" {
				if err := dedupe.Delete(dedupeKeyBytes(t.Queue, t.Name, t.DedupeKey)); err != nil {
					return err
				}
			}
			count++
		}
		return nil
	})

	return count, err
}

// RecoverExpiredClaims is the reaper's sweep: every claimed task whose
// claim_deadline has elapsed is returned to pending with attempts
// unchanged (Heartbeat & recovery, Scenario B).
func (s *BoltStore) RecoverExpiredClaims(now time.Time) ([]*types.Task, error) {
	var recovered []*types.Task

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)

		var expired []*types.Task
		if err := tasks.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if (t.State == types.TaskClaimed || t.State == types.TaskRunning) && t.ClaimDeadline.Before(now) {
				tCopy := t
				expired = append(expired, &tCopy)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, t := range expired {
			prevClaimedBy := t.ClaimedBy
			t.State = types.TaskPending
			t.ClaimedBy = ""
			if err := putJSON(tasks, t.ID, t); err != nil {
				return err
			}
			reported := *t
			reported.ClaimedBy = prevClaimedBy
			recovered = append(recovered, &reported)
		}
		return nil
	})

	return recovered, err
}

func (s *BoltStore) Stats(queue string, now time.Time) (QueueStats, error) {
	stats := QueueStats{Counts: make(map[types.TaskState]int)}

	err := s.db.View(func(tx *bolt.Tx) error {
		var oldestPending time.Time
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Queue != queue {
				return nil
			}
			stats.Counts[t.State]++
			if t.State == types.TaskPending {
				if oldestPending.IsZero() || t.CreatedAt.Before(oldestPending) {
					oldestPending = t.CreatedAt
				}
			}
			if !oldestPending.IsZero() {
				stats.OldestPendingAge = now.Sub(oldestPending)
			}
			return nil
		})
	})

	return stats, err
}

// backoffDelay computes min(max_delay, base_delay * exponential_base^(attempts-1)),
// applying uniform jitter in [0.5*delay, 1.5*delay] when enabled. attempts
// is the 1-based attempt count that just failed.
func backoffDelay(b types.BackoffParams, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(b.BaseDelay) * math.Pow(b.ExponentialBase, float64(attempts-1))
	if maxDelay := float64(b.MaxDelay); maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if b.Jitter {
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay)
}

// --- Workflows ---------------------------------------------------------

// SaveWorkflowMeta persists m, overwriting any prior metadata for the
// same id. Workflow state and task ids are not stored here: they are
// reconstructed from the tasks bucket by ListTasks(WorkflowID: ...).
func (s *BoltStore) SaveWorkflowMeta(m *types.WorkflowMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketWorkflows), m.ID, m)
	})
}

// GetWorkflowMeta fetches the persisted metadata for id.
func (s *BoltStore) GetWorkflowMeta(id string) (*types.WorkflowMeta, error) {
	var m types.WorkflowMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketWorkflows), id, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Scheduler triggers -------------------------------------------------

// SaveTriggerState persists t, overwriting any prior state for the same
// trigger name.
func (s *BoltStore) SaveTriggerState(t *types.TriggerState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketTriggers), t.Name, t)
	})
}

// GetTriggerState fetches the persisted state for trigger name.
func (s *BoltStore) GetTriggerState(name string) (*types.TriggerState, error) {
	var t types.TriggerState
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTriggers), name, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RecordTriggerFire atomically records a (trigger_name, fire_instant)
// dedupe key as fired, returning true only the first time it is called
// for a given key; subsequent calls (restart overlap, double ticks)
// return false so the caller knows to skip resubmitting the workflow.
func (s *BoltStore) RecordTriggerFire(dedupeKey string) (bool, error) {
	first := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTriggerFires)
		if b.Get([]byte(dedupeKey)) != nil {
			return nil
		}
		first = true
		return b.Put([]byte(dedupeKey), []byte("1"))
	})
	if err != nil {
		return false, err
	}
	return first, nil
}
