package grouper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
	"github.com/dsa110/contimg-coordinator/pkg/watcher"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeIncoming(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	return path
}

func testConfig() Config {
	return Config{
		ExpectedSubbands:      4,
		ClusterTolerance:      60 * time.Second,
		SemiCompleteThreshold: 3,
		IncompleteTimeout:     time.Hour,
		SweepInterval:         time.Hour,
	}
}

func TestHandleArrivalCreatesGroupAndRenames(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	fc := clock.Fake(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	g := New(testConfig(), store, fc)

	path := writeIncoming(t, dir, "20260730T120000.000000000_sb00.vis")
	ev, err := watcher.Parse(path)
	require.NoError(t, err)

	require.NoError(t, g.handleArrival(ev))

	groups, err := store.ListIngestGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, types.IngestCollecting, groups[0].State)
	assert.Equal(t, 1, groups[0].PresentCount())
}

func TestGroupTransitionsToPendingWhenFull(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	fc := clock.Fake(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	g := New(testConfig(), store, fc)

	base := "20260730T120000.000000000"
	for i := 0; i < 4; i++ {
		name := base + "_sb0" + string(rune('0'+i)) + ".vis"
		path := writeIncoming(t, dir, name)
		ev, err := watcher.Parse(path)
		require.NoError(t, err)
		require.NoError(t, g.handleArrival(ev))
	}

	groups, err := store.ListIngestGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, types.IngestPending, groups[0].State)
	assert.False(t, groups[0].SemiComplete)

	select {
	case readyEv := <-g.Ready():
		assert.Equal(t, groups[0].GroupKey, readyEv.GroupKey)
		assert.False(t, readyEv.SemiComplete)
	default:
		t.Fatal("expected a group_ready event")
	}
}

func TestDuplicateSubbandIndexIsIgnored(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	fc := clock.Fake(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	g := New(testConfig(), store, fc)

	path := writeIncoming(t, dir, "20260730T120000.000000000_sb00.vis")
	ev, err := watcher.Parse(path)
	require.NoError(t, err)
	require.NoError(t, g.handleArrival(ev))

	// Re-deliver the same normalized file; it should be a no-op.
	ev2, err := watcher.Parse(path)
	require.NoError(t, err)
	require.NoError(t, g.handleArrival(ev2))

	groups, err := store.ListIngestGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].PresentCount())
}

func TestOutOfRangeSubbandIndexIsIgnored(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	fc := clock.Fake(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	g := New(testConfig(), store, fc)

	path := writeIncoming(t, dir, "20260730T120000.000000000_sb99.vis")
	ev, err := watcher.Parse(path)
	require.NoError(t, err)
	require.NoError(t, g.handleArrival(ev))

	groups, err := store.ListIngestGroups()
	require.NoError(t, err)
	assert.Empty(t, groups, "an out-of-range subband index must not open a group")
}

func TestCloseArrivalsWithinToleranceJoinOneGroup(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	fc := clock.Fake(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	g := New(testConfig(), store, fc)

	first := writeIncoming(t, dir, "20260730T120000.000000000_sb00.vis")
	ev1, err := watcher.Parse(first)
	require.NoError(t, err)
	require.NoError(t, g.handleArrival(ev1))

	second := writeIncoming(t, dir, "20260730T120005.000000000_sb01.vis")
	ev2, err := watcher.Parse(second)
	require.NoError(t, err)
	require.NoError(t, g.handleArrival(ev2))

	groups, err := store.ListIngestGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].PresentCount())
}

func TestSweepPromotesSemiCompleteGroup(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	start := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	fc := clock.Fake(start)
	g := New(testConfig(), store, fc)

	base := "20260730T120000.000000000"
	for i := 0; i < 3; i++ {
		name := base + "_sb0" + string(rune('0'+i)) + ".vis"
		path := writeIncoming(t, dir, name)
		ev, err := watcher.Parse(path)
		require.NoError(t, err)
		require.NoError(t, g.handleArrival(ev))
	}

	fc.SetTime(start.Add(2 * time.Hour))
	g.sweepOnce()

	groups, err := store.ListIngestGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, types.IngestPending, groups[0].State)
	assert.True(t, groups[0].SemiComplete)
	assert.Equal(t, []int{3}, groups[0].SyntheticIndices)
}

func TestSweepFailsGroupBelowThreshold(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	start := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	fc := clock.Fake(start)
	g := New(testConfig(), store, fc)

	path := writeIncoming(t, dir, "20260730T120000.000000000_sb00.vis")
	ev, err := watcher.Parse(path)
	require.NoError(t, err)
	require.NoError(t, g.handleArrival(ev))

	fc.SetTime(start.Add(2 * time.Hour))
	g.sweepOnce()

	groups, err := store.ListIngestGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, types.IngestFailed, groups[0].State)
	assert.Equal(t, "incomplete", groups[0].LastError)
}
