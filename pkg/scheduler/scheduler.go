// Package scheduler spawns workflows on time-based or event-based
// triggers: cron schedules with restart-safe dedupe and bounded
// catch-up, and the grouper's group_ready events.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/rs/zerolog"

	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/events"
	"github.com/dsa110/contimg-coordinator/pkg/grouper"
	"github.com/dsa110/contimg-coordinator/pkg/log"
	"github.com/dsa110/contimg-coordinator/pkg/metrics"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
	"github.com/dsa110/contimg-coordinator/pkg/workflow"
)

// WorkflowFactory turns a fire instant into a workflow submission.
type WorkflowFactory func(fireTime time.Time) (name, queue string, contextRoot map[string][]byte, stages []types.StageDef)

// CronTrigger spawns a workflow on a cron schedule.
type CronTrigger struct {
	Name     string
	CronSpec string
	Factory  WorkflowFactory

	// CatchUpWindow bounds how far into the past a missed fire (due to
	// restart) is still re-submitted. Zero disables catch-up entirely:
	// only fires observed while the scheduler is running are submitted.
	CatchUpWindow time.Duration
}

// GroupReadyFactory turns a ready group key into a workflow submission.
type GroupReadyFactory func(groupKey types.GroupKey, semiComplete bool) (name, queue string, contextRoot map[string][]byte, stages []types.StageDef)

// Scheduler owns the cron engine and the event-trigger listener.
type Scheduler struct {
	store  storage.Store
	engine *workflow.Engine
	clk    clock.Clock
	logger zerolog.Logger

	cron *cron.Cron

	mu        sync.Mutex
	schedules map[string]cron.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler over engine, whose Submit is called to spawn
// workflows from both cron and event triggers.
func New(store storage.Store, engine *workflow.Engine, clk clock.Clock) *Scheduler {
	return &Scheduler{
		store:     store,
		engine:    engine,
		clk:       clk,
		logger:    log.WithComponent("scheduler"),
		cron:      cron.New(),
		schedules: make(map[string]cron.Schedule),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the cron engine. Event triggers registered via
// RegisterGroupReadyTrigger run their own listener goroutines and do
// not depend on Start having been called first.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron engine and every event-trigger listener.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	close(s.stopCh)
	s.wg.Wait()
}

// RegisterCronTrigger parses spec, submits any fires missed since the
// last persisted TriggerState within CatchUpWindow, and schedules
// future fires.
func (s *Scheduler) RegisterCronTrigger(t CronTrigger) error {
	schedule, err := cron.ParseStandard(t.CronSpec)
	if err != nil {
		return fmt.Errorf("scheduler: parse cron spec for trigger %q: %w", t.Name, err)
	}

	s.mu.Lock()
	s.schedules[t.Name] = schedule
	s.mu.Unlock()

	s.catchUp(t, schedule)

	trigger := t
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fireCron(trigger, schedule, s.clk.Now())
	}))

	s.logger.Info().Str("trigger", t.Name).Str("cron_spec", t.CronSpec).Msg("cron trigger registered")
	return nil
}

// catchUp re-submits fires that fell due while the scheduler was not
// running, bounded by t.CatchUpWindow. Fires older than the window are
// logged and skipped rather than submitted.
func (s *Scheduler) catchUp(t CronTrigger, schedule cron.Schedule) {
	if t.CatchUpWindow <= 0 {
		return
	}

	now := s.clk.Now()
	state, err := s.store.GetTriggerState(t.Name)
	if err != nil {
		// First time this trigger has ever been registered: nothing to
		// catch up, since it has never had a next-fire time of its own.
		return
	}

	cutoff := now.Add(-t.CatchUpWindow)
	for next := state.NextFire; !next.IsZero() && next.Before(now); next = schedule.Next(next) {
		if next.Before(cutoff) {
			s.logger.Warn().Str("trigger", t.Name).Time("missed_fire", next).Msg("skipping missed fire outside catch-up window")
			continue
		}
		s.fireCron(t, schedule, next)
	}
}

func (s *Scheduler) fireCron(t CronTrigger, schedule cron.Schedule, instant time.Time) {
	dedupeKey := t.Name + "|" + instant.UTC().Format(time.RFC3339)

	first, err := s.store.RecordTriggerFire(dedupeKey)
	if err != nil {
		s.logger.Error().Err(err).Str("trigger", t.Name).Msg("failed to record trigger fire")
		return
	}
	if !first {
		return
	}

	name, queueName, contextRoot, stages := t.Factory(instant)
	rec, err := s.engine.Submit(name, queueName, contextRoot, stages)
	if err != nil {
		s.logger.Error().Err(err).Str("trigger", t.Name).Msg("workflow submission failed")
	} else {
		s.logger.Info().Str("trigger", t.Name).Str("workflow_id", rec.ID).Msg("trigger fired")
	}

	next := schedule.Next(instant)
	if serr := s.store.SaveTriggerState(&types.TriggerState{Name: t.Name, NextFire: next, LastFireAt: instant}); serr != nil {
		s.logger.Error().Err(serr).Str("trigger", t.Name).Msg("failed to persist trigger state")
	}
}

// RegisterGroupReadyTrigger submits a workflow for every group_ready
// event the grouper emits, until Stop is called.
func (s *Scheduler) RegisterGroupReadyTrigger(g *grouper.Grouper, factory GroupReadyFactory) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case evt, ok := <-g.Ready():
				if !ok {
					return
				}
				s.fireGroupReady(evt, factory)
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *Scheduler) fireGroupReady(evt grouper.GroupReadyEvent, factory GroupReadyFactory) {
	name, queueName, contextRoot, stages := factory(evt.GroupKey, evt.SemiComplete)
	rec, err := s.engine.Submit(name, queueName, contextRoot, stages)
	if err != nil {
		s.logger.Error().Err(err).Str("group_key", evt.GroupKey).Msg("workflow submission failed for ready group")
		return
	}
	s.logger.Info().Str("group_key", evt.GroupKey).Str("workflow_id", rec.ID).Bool("semi_complete", evt.SemiComplete).Msg("group ready, workflow spawned")

	if err := s.markGroupInProgress(evt.GroupKey, rec.ID); err != nil {
		s.logger.Error().Err(err).Str("group_key", evt.GroupKey).Str("workflow_id", rec.ID).Msg("failed to mark group in_progress")
	}
}

// markGroupInProgress records that groupKey's workflow has been spawned,
// the instant at which further late subbands for it must be ignored
// rather than merged (CanonicalizeGroup only adopts collecting/pending
// groups).
func (s *Scheduler) markGroupInProgress(groupKey types.GroupKey, workflowID string) error {
	group, err := s.store.GetIngestGroup(groupKey)
	if err != nil {
		return fmt.Errorf("scheduler: load group for in_progress transition: %w", err)
	}
	group.State = types.IngestInProgress
	group.WorkflowID = workflowID
	group.LastUpdate = s.clk.Now()
	if err := s.store.UpdateIngestGroup(group); err != nil {
		return fmt.Errorf("scheduler: persist in_progress transition: %w", err)
	}
	metrics.IngestGroupsByState.WithLabelValues(string(types.IngestInProgress)).Inc()
	return nil
}

// WatchWorkflowOutcomes subscribes to broker and marks the ingest group
// that spawned a terminated workflow completed or failed, until Stop is
// called. Workflows with no originating group (cron triggers) are
// skipped: GetIngestGroupByWorkflowID returning ErrNotFound is expected
// for those, not an error.
func (s *Scheduler) WatchWorkflowOutcomes(broker *events.Broker) {
	sub := broker.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer broker.Unsubscribe(sub)
		for {
			select {
			case evt, ok := <-sub:
				if !ok {
					return
				}
				switch evt.Type {
				case events.EventWorkflowCompleted:
					s.markGroupTerminal(evt.WorkflowID, types.IngestCompleted)
				case events.EventWorkflowFailed:
					s.markGroupTerminal(evt.WorkflowID, types.IngestFailed)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *Scheduler) markGroupTerminal(workflowID string, state types.IngestGroupState) {
	group, err := s.store.GetIngestGroupByWorkflowID(workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		s.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("failed to look up group for workflow outcome")
		return
	}
	if group.State != types.IngestInProgress {
		return
	}
	group.State = state
	group.LastUpdate = s.clk.Now()
	if state == types.IngestFailed {
		group.LastError = "workflow failed"
	}
	if err := s.store.UpdateIngestGroup(group); err != nil {
		s.logger.Error().Err(err).Str("group_key", group.GroupKey).Str("workflow_id", workflowID).Msg("failed to persist workflow-outcome transition")
		return
	}
	metrics.IngestGroupsByState.WithLabelValues(string(state)).Inc()
	s.logger.Info().Str("group_key", group.GroupKey).Str("workflow_id", workflowID).Str("state", string(state)).Msg("group reached terminal state from workflow outcome")
}
