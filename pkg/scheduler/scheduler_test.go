package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/robfig/cron"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/events"
	"github.com/dsa110/contimg-coordinator/pkg/grouper"
	"github.com/dsa110/contimg-coordinator/pkg/queue"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
	"github.com/dsa110/contimg-coordinator/pkg/watcher"
	"github.com/dsa110/contimg-coordinator/pkg/workflow"
)

type sequentialIDs struct{ n int }

func (s *sequentialIDs) NewID() string {
	s.n++
	return "id-" + string(rune('a'+s.n-1))
}

func newTestScheduler(t *testing.T) (storage.Store, *Scheduler) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ids := &sequentialIDs{}
	clk := clock.Real()
	q := queue.New(store, clk, ids, time.Hour)
	engine := workflow.New(store, q, ids, clk, nil)

	return store, New(store, engine, clk)
}

func simpleFactory(name string) WorkflowFactory {
	return func(fireTime time.Time) (string, string, map[string][]byte, []types.StageDef) {
		return name, "work", nil, []types.StageDef{
			{Name: "only_stage", ExecutorRef: "noop"},
		}
	}
}

func TestFireCronSubmitsWorkflowOnce(t *testing.T) {
	_, s := newTestScheduler(t)

	trigger := CronTrigger{Name: "nightly", CronSpec: "@every 1h", Factory: simpleFactory("nightly_build")}
	schedule, err := cron.Parse(trigger.CronSpec)
	require.NoError(t, err)

	instant := time.Now().UTC()
	s.fireCron(trigger, schedule, instant)

	state, err := s.store.GetTriggerState("nightly")
	require.NoError(t, err)
	assert.Equal(t, instant, state.LastFireAt)
}

func TestFireCronIsIdempotentForSameInstant(t *testing.T) {
	_, s := newTestScheduler(t)

	trigger := CronTrigger{Name: "nightly", CronSpec: "@every 1h", Factory: simpleFactory("nightly_build")}
	schedule, err := cron.Parse(trigger.CronSpec)
	require.NoError(t, err)

	instant := time.Now().UTC()
	dedupeKey := trigger.Name + "|" + instant.Format(time.RFC3339)

	first, err := s.store.RecordTriggerFire(dedupeKey)
	require.NoError(t, err)
	assert.True(t, first)

	s.fireCron(trigger, schedule, instant)

	second, err := s.store.RecordTriggerFire(dedupeKey)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestCatchUpSkipsFiresOlderThanWindow(t *testing.T) {
	_, s := newTestScheduler(t)

	trigger := CronTrigger{
		Name:          "hourly",
		CronSpec:      "0 * * * *",
		Factory:       simpleFactory("hourly_sweep"),
		CatchUpWindow: time.Hour,
	}
	schedule, err := cron.Parse(trigger.CronSpec)
	require.NoError(t, err)

	now := time.Now().UTC()
	missed := now.Add(-3 * time.Hour)
	require.NoError(t, s.store.SaveTriggerState(&types.TriggerState{Name: trigger.Name, NextFire: missed}))

	s.catchUp(trigger, schedule)

	dedupeKey := trigger.Name + "|" + missed.Format(time.RFC3339)
	first, err := s.store.RecordTriggerFire(dedupeKey)
	require.NoError(t, err)
	assert.True(t, first, "a fire outside the catch-up window must not have been submitted")
}

func TestRegisterGroupReadyTriggerSpawnsWorkflowOnGroupReady(t *testing.T) {
	store, s := newTestScheduler(t)

	g := grouper.New(grouper.Config{
		ExpectedSubbands:  1,
		ClusterTolerance:  time.Second,
		IncompleteTimeout: time.Minute,
		SweepInterval:     time.Minute,
	}, store, clock.Real())
	events := make(chan watcher.FileEvent, 1)
	g.Start(events)
	defer g.Stop()

	spawned := make(chan string, 1)
	factory := func(groupKey types.GroupKey, semiComplete bool) (string, string, map[string][]byte, []types.StageDef) {
		spawned <- groupKey
		return "imaging_" + groupKey, "work", nil, []types.StageDef{
			{Name: "only_stage", ExecutorRef: "noop"},
		}
	}

	s.RegisterGroupReadyTrigger(g, factory)
	defer s.Stop()

	srcPath := filepath.Join(t.TempDir(), "obs1_sb00.fits")
	require.NoError(t, os.WriteFile(srcPath, []byte("fits"), 0o644))
	events <- watcher.FileEvent{Path: srcPath, RawTimestamp: time.Now(), SubbandIndex: 0}

	select {
	case groupKey := <-spawned:
		assert.NotEmpty(t, groupKey)
	case <-time.After(2 * time.Second):
		t.Fatal("group ready trigger never fired")
	}
}

func TestFireGroupReadyMarksGroupInProgressAndRecordsWorkflowID(t *testing.T) {
	store, s := newTestScheduler(t)

	arrival := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	group, _, err := store.CanonicalizeGroup(arrival, time.Second, 1, arrival)
	require.NoError(t, err)
	_, _, err = store.AddPresentSubband(group.GroupKey, 0, arrival)
	require.NoError(t, err)
	group, err = store.GetIngestGroup(group.GroupKey)
	require.NoError(t, err)
	group.State = types.IngestPending
	require.NoError(t, store.UpdateIngestGroup(group))

	evt := grouper.GroupReadyEvent{GroupKey: group.GroupKey, SemiComplete: false}
	s.fireGroupReady(evt, simpleFactory("imaging_obs1"))

	updated, err := store.GetIngestGroup(group.GroupKey)
	require.NoError(t, err)
	assert.Equal(t, types.IngestInProgress, updated.State)
	assert.NotEmpty(t, updated.WorkflowID)

	// A late subband for this group must open a fresh group rather than
	// being merged into the one already dispatched, since in_progress
	// groups are no longer adopted by CanonicalizeGroup.
	lateArrival := arrival.Add(500 * time.Millisecond)
	late, created, err := store.CanonicalizeGroup(lateArrival, time.Second, 1, lateArrival)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, group.GroupKey, late.GroupKey)
}

func TestWatchWorkflowOutcomesMarksGroupCompleted(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ids := &sequentialIDs{}
	clk := clock.Real()
	q := queue.New(store, clk, ids, time.Hour)
	engine := workflow.New(store, q, ids, clk, nil)
	engine.SetBroker(broker)
	s := New(store, engine, clk)
	s.WatchWorkflowOutcomes(broker)
	defer s.Stop()

	rec, err := engine.Submit("imaging_obs1", "work", nil, []types.StageDef{
		{Name: "only_stage", ExecutorRef: "noop"},
	})
	require.NoError(t, err)

	arrival := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	group, _, err := store.CanonicalizeGroup(arrival, time.Second, 1, arrival)
	require.NoError(t, err)
	group.State = types.IngestInProgress
	group.WorkflowID = rec.ID
	require.NoError(t, store.UpdateIngestGroup(group))

	claimed, err := q.Claim("work", "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.Complete(claimed.ID, "worker-1", nil))

	// GetWorkflow recomputes derived state and publishes the terminal
	// event the first time it observes a terminal workflow.
	_, err = engine.GetWorkflow(rec.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		updated, err := store.GetIngestGroup(group.GroupKey)
		return err == nil && updated.State == types.IngestCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
