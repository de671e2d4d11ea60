// Package grouper assembles the watcher's raw file arrivals into
// ready-to-process IngestGroups: it canonicalizes timestamps, renames
// files in place, and sweeps stale collecting groups.
package grouper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/events"
	"github.com/dsa110/contimg-coordinator/pkg/log"
	"github.com/dsa110/contimg-coordinator/pkg/metrics"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
	"github.com/dsa110/contimg-coordinator/pkg/watcher"
)

// renameRetries bounds the grouper's own retry loop for transient rename
// failures.
const renameRetries = 3

// GroupReadyEvent is published when a group transitions collecting->pending.
type GroupReadyEvent struct {
	GroupKey     types.GroupKey
	SemiComplete bool
}

// Config configures canonicalization and the stale sweep.
type Config struct {
	ExpectedSubbands      int
	ClusterTolerance      time.Duration
	SemiCompleteThreshold int
	IncompleteTimeout     time.Duration
	SweepInterval         time.Duration
}

// Grouper consumes a Watcher's event stream and maintains IngestGroups in
// store. Ready events are delivered on Ready().
type Grouper struct {
	cfg    Config
	store  storage.Store
	clk    clock.Clock
	logger zerolog.Logger

	ready  chan GroupReadyEvent
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup

	broker *events.Broker
}

// New builds a Grouper over store, using clk for all timestamps.
func New(cfg Config, store storage.Store, clk clock.Clock) *Grouper {
	return &Grouper{
		cfg:    cfg,
		store:  store,
		clk:    clk,
		logger: log.WithComponent("grouper"),
		ready:  make(chan GroupReadyEvent, 64),
		stopCh: make(chan struct{}),
	}
}

// Ready returns the channel of group_ready events.
func (g *Grouper) Ready() <-chan GroupReadyEvent { return g.ready }

// SetBroker attaches broker so group lifecycle transitions are published
// as events, mirroring Queue.SetBroker.
func (g *Grouper) SetBroker(broker *events.Broker) {
	g.broker = broker
}

func (g *Grouper) publish(eventType events.EventType, groupKey types.GroupKey, semiComplete bool, present int) {
	if g.broker == nil {
		return
	}
	g.broker.Publish(&events.Event{
		Type:            eventType,
		GroupKey:        groupKey,
		SemiComplete:    semiComplete,
		PresentSubbands: present,
	})
}

// Start launches the arrival consumer and the stale-group sweep, mirroring
// a ticker-loop Start/Stop pair with a stopCh and a single mutex-guarded
// pass per tick.
func (g *Grouper) Start(events <-chan watcher.FileEvent) {
	g.wg.Add(2)
	go g.consume(events)
	go g.sweepLoop()
}

// Stop halts both loops and waits for them to exit.
func (g *Grouper) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

func (g *Grouper) consume(events <-chan watcher.FileEvent) {
	defer g.wg.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := g.handleArrival(ev); err != nil {
				g.logger.Error().Str("path", ev.Path).Err(err).Msg("arrival handling failed")
			}
		case <-g.stopCh:
			return
		}
	}
}

// handleArrival implements the canonicalization policy: resolve or create
// the owning group, rename the file to embed the canonical timestamp,
// record the subband as present, and emit group_ready on completion.
func (g *Grouper) handleArrival(ev watcher.FileEvent) error {
	if ev.SubbandIndex < 0 || ev.SubbandIndex >= g.cfg.ExpectedSubbands {
		g.logger.Info().Str("path", ev.Path).Int("subband_index", ev.SubbandIndex).Msg("subband index out of range, ignoring")
		return nil
	}

	now := g.clk.Now()

	group, created, err := g.store.CanonicalizeGroup(ev.RawTimestamp, g.cfg.ClusterTolerance, g.cfg.ExpectedSubbands, now)
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	if created {
		g.publish(events.EventGroupCollecting, group.GroupKey, false, 0)
	}

	normalizedPath, err := g.renameToCanonical(ev, group.GroupKey)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	if err := g.store.UpsertSubbandFile(&types.SubbandFile{
		Path:         normalizedPath,
		GroupKey:     group.GroupKey,
		SubbandIndex: ev.SubbandIndex,
		DiscoveredAt: now,
		SizeBytes:    ev.SizeBytes,
	}); err != nil {
		return fmt.Errorf("upsert subband file: %w", err)
	}

	updated, added, err := g.store.AddPresentSubband(group.GroupKey, ev.SubbandIndex, now)
	if err != nil {
		return fmt.Errorf("add present subband: %w", err)
	}
	if !added {
		g.logger.Info().
			Str("group_key", group.GroupKey).
			Int("subband_index", ev.SubbandIndex).
			Msg("duplicate subband index ignored")
		return nil
	}

	g.evaluateCompletion(updated, now)
	return nil
}

// renameToCanonical embeds group's canonical timestamp in the file's
// name, preserving the subband suffix and extension exactly. A rename to
// the file's current path is a no-op (normalization idempotence).
func (g *Grouper) renameToCanonical(ev watcher.FileEvent, groupKey types.GroupKey) (string, error) {
	dir := filepath.Dir(ev.Path)
	target := filepath.Join(dir, fmt.Sprintf("%s_sb%02d.%s", groupKey, ev.SubbandIndex, ev.Ext))

	if target == ev.Path {
		return target, nil
	}

	var lastErr error
	for attempt := 1; attempt <= renameRetries; attempt++ {
		err := os.Rename(ev.Path, target)
		if err == nil {
			return target, nil
		}
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return "", fmt.Errorf("fatal rename error for %s: %w", ev.Path, err)
		}
		if _, statErr := os.Stat(target); statErr == nil {
			return "", fmt.Errorf("rename conflict: %s already exists", target)
		}
		lastErr = err
		g.logger.Warn().Str("path", ev.Path).Int("attempt", attempt).Err(err).Msg("transient rename failure, retrying")
	}
	return "", fmt.Errorf("rename failed after %d attempts: %w", renameRetries, lastErr)
}

// evaluateCompletion transitions collecting->pending when the group is
// full, emitting group_ready. Semi-complete promotion on a stale timer is
// handled by the sweep, not here.
func (g *Grouper) evaluateCompletion(group *types.IngestGroup, now time.Time) {
	if group.State != types.IngestCollecting {
		return
	}
	if group.PresentCount() < group.ExpectedSubbands {
		return
	}

	group.State = types.IngestPending
	group.LastUpdate = now
	if err := g.store.UpdateIngestGroup(group); err != nil {
		g.logger.Error().Str("group_key", group.GroupKey).Err(err).Msg("failed to mark group pending")
		return
	}

	metrics.IngestGroupsByState.WithLabelValues(string(types.IngestPending)).Inc()
	g.publish(events.EventGroupReady, group.GroupKey, false, group.PresentCount())
	g.publishReady(group.GroupKey, false)
}

func (g *Grouper) publishReady(groupKey types.GroupKey, semiComplete bool) {
	select {
	case g.ready <- GroupReadyEvent{GroupKey: groupKey, SemiComplete: semiComplete}:
	default:
		g.logger.Error().Str("group_key", groupKey).Msg("ready channel full, dropping group_ready")
	}
}

func (g *Grouper) sweepLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweepOnce()
		case <-g.stopCh:
			return
		}
	}
}

// sweepOnce implements the stale timer: collecting groups whose
// last_update predates incomplete_timeout are promoted to pending (if
// above the semi-complete threshold) or failed with reason "incomplete".
func (g *Grouper) sweepOnce() {
	g.mu.Lock()
	defer g.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() { metrics.GrouperCycleDuration.Observe(timer.Duration().Seconds()) }()

	now := g.clk.Now()
	cutoff := now.Add(-g.cfg.IncompleteTimeout)

	stale, err := g.store.ListStaleCollectingGroups(cutoff)
	if err != nil {
		g.logger.Error().Err(err).Msg("stale sweep: failed to list collecting groups")
		return
	}

	for _, group := range stale {
		if group.PresentCount() >= g.cfg.SemiCompleteThreshold {
			group.State = types.IngestPending
			group.SemiComplete = true
			group.SyntheticIndices = missingIndices(group)
			group.LastUpdate = now
			if err := g.store.UpdateIngestGroup(group); err != nil {
				g.logger.Error().Str("group_key", group.GroupKey).Err(err).Msg("failed to mark group semi-complete")
				continue
			}
			metrics.IngestGroupsByState.WithLabelValues(string(types.IngestPending)).Inc()
			g.publish(events.EventGroupReady, group.GroupKey, true, group.PresentCount())
			g.publishReady(group.GroupKey, true)
			continue
		}

		group.State = types.IngestFailed
		group.LastError = "incomplete"
		group.LastUpdate = now
		if err := g.store.UpdateIngestGroup(group); err != nil {
			g.logger.Error().Str("group_key", group.GroupKey).Err(err).Msg("failed to mark group incomplete")
			continue
		}
		metrics.IngestGroupsByState.WithLabelValues(string(types.IngestFailed)).Inc()
		g.publish(events.EventGroupFailed, group.GroupKey, false, group.PresentCount())
	}
}

func missingIndices(group *types.IngestGroup) []int {
	var missing []int
	for i := 0; i < group.ExpectedSubbands; i++ {
		if !group.PresentSubbands[i] {
			missing = append(missing, i)
		}
	}
	return missing
}
