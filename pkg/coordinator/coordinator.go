// Package coordinator wires the storage, queue, worker, workflow,
// scheduler, breaker, and event pieces into one running process. It is
// the composition root: nothing outside cmd/ and this package should
// construct more than one of these pieces directly.
package coordinator

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dsa110/contimg-coordinator/pkg/breaker"
	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/config"
	"github.com/dsa110/contimg-coordinator/pkg/control"
	"github.com/dsa110/contimg-coordinator/pkg/events"
	"github.com/dsa110/contimg-coordinator/pkg/grouper"
	"github.com/dsa110/contimg-coordinator/pkg/ha"
	"github.com/dsa110/contimg-coordinator/pkg/log"
	"github.com/dsa110/contimg-coordinator/pkg/manifest"
	"github.com/dsa110/contimg-coordinator/pkg/metrics"
	"github.com/dsa110/contimg-coordinator/pkg/queue"
	"github.com/dsa110/contimg-coordinator/pkg/scheduler"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
	"github.com/dsa110/contimg-coordinator/pkg/watcher"
	"github.com/dsa110/contimg-coordinator/pkg/worker"
	"github.com/dsa110/contimg-coordinator/pkg/workflow"
)

// ImagingExecutorRef is the executor name the default group_ready
// factory assigns to the single stage it spawns. Callers that rely on
// the default factory must register an executor under this name on
// Registry before calling Start.
const ImagingExecutorRef = "imaging"

// Coordinator owns every long-lived subsystem for one coordinator
// process. Construct with New, register executors on Registry, then
// call Start.
type Coordinator struct {
	cfg *config.Config

	Store     storage.Store
	Queue     *queue.Queue
	Registry  *worker.Registry
	Pool      *worker.Pool
	Workflows *workflow.Engine
	Scheduler *scheduler.Scheduler
	Breakers  *breaker.Registry
	Events    *events.Broker
	Grouper   *grouper.Grouper
	Watcher   *watcher.Watcher
	HA        *ha.Node
	Control   control.Surface

	manifest *manifest.Manifest
	stats    *statsCollector
	logger   zerolog.Logger
}

// New constructs every subsystem from cfg but starts nothing. clk/ids
// let tests substitute deterministic implementations; pass clock.Real()
// and clock.UUIDs{} in production.
func New(cfg *config.Config, clk clock.Clock, ids clock.IDs) (*Coordinator, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open store: %w", err)
	}

	broker := events.NewBroker()

	q := queue.New(store, clk, ids, cfg.Worker.TaskLease/2)
	q.SetBroker(broker)

	var m *manifest.Manifest
	registry := worker.NewRegistry()
	if cfg.ManifestPath != "" {
		loaded, err := manifest.Load(cfg.ManifestPath)
		if err != nil {
			return nil, fmt.Errorf("coordinator: load manifest: %w", err)
		}
		if registry, err = manifest.BuildRegistry(loaded); err != nil {
			return nil, fmt.Errorf("coordinator: build registry from manifest: %w", err)
		}
		m = loaded
	}

	workflows := workflow.New(store, q, ids, clk, registry)
	workflows.SetBroker(broker)

	sched := scheduler.New(store, workflows, clk)

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: uint32(cfg.Breaker.SuccessThreshold),
	}, broker)

	g := grouper.New(grouper.Config{
		ExpectedSubbands:      cfg.Grouper.ExpectedSubbands,
		ClusterTolerance:      cfg.Grouper.ClusterTolerance,
		SemiCompleteThreshold: cfg.Grouper.SemiCompleteThreshold,
		IncompleteTimeout:     cfg.Grouper.IncompleteTimeout,
		SweepInterval:         cfg.Grouper.SweepInterval,
	}, store, clk)
	g.SetBroker(broker)

	w, err := watcher.New(cfg.WatchDir)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open watcher: %w", err)
	}

	pool := worker.New(worker.Config{
		Queue:           "ingest",
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    cfg.Worker.PollInterval,
		TaskLease:       cfg.Worker.TaskLease,
		HeartbeatFactor: cfg.Worker.HeartbeatFactor,
	}, q, registry, workflows, ids.NewID())

	var haNode *ha.Node
	if cfg.HA.Enabled {
		haNode = ha.NewNode(cfg.HA.NodeID, cfg.HA.Bind, cfg.DataDir, store)
	}

	coord := &Coordinator{
		cfg:       cfg,
		Store:     store,
		Queue:     q,
		Registry:  registry,
		Pool:      pool,
		Workflows: workflows,
		Scheduler: sched,
		Breakers:  breakers,
		Events:    broker,
		Grouper:   g,
		Watcher:   w,
		HA:        haNode,
		Control:   control.New(store, q, workflows, sched),
		manifest:  m,
		logger:    log.WithComponent("coordinator"),
	}
	coord.stats = newStatsCollector(coord, []string{"ingest"})
	return coord, nil
}

// Start brings up every background loop: the event broker, the HA node
// (if configured), the grouper, the filesystem watcher, the worker
// pool, the cron/event scheduler, and the queue's claim-reaper.
func (c *Coordinator) Start() error {
	c.Events.Start()
	metrics.RegisterComponent("store", true, "")

	if c.HA != nil {
		if err := c.bootstrapOrJoinHA(); err != nil {
			metrics.UpdateComponent("store", false, err.Error())
			return err
		}
	}

	c.Grouper.Start(c.Watcher.Events())
	c.Watcher.Start()
	metrics.RegisterComponent("watcher", true, "")
	c.Pool.Start()
	c.Scheduler.Start()
	c.Scheduler.RegisterGroupReadyTrigger(c.Grouper, imagingWorkflowFactory)
	c.Scheduler.WatchWorkflowOutcomes(c.Events)
	metrics.RegisterComponent("scheduler", true, "")
	c.Queue.StartReaper()
	c.stats.Start()

	if c.manifest != nil {
		if err := manifest.RegisterTriggers(c.manifest, c.Scheduler, c.cfg.DefaultMaxAttempts, c.cfg.DefaultBackoff); err != nil {
			metrics.UpdateComponent("scheduler", false, err.Error())
			return fmt.Errorf("coordinator: register manifest workflows: %w", err)
		}
	}

	c.logger.Info().Msg("coordinator started")
	return nil
}

// Stop halts every background loop in the reverse of Start's order.
func (c *Coordinator) Stop() {
	metrics.UpdateComponent("scheduler", false, "stopped")
	metrics.UpdateComponent("watcher", false, "stopped")
	metrics.UpdateComponent("store", false, "stopped")

	c.stats.Stop()
	c.Queue.StopReaper()
	c.Scheduler.Stop()
	c.Pool.Stop()
	c.Watcher.Stop()
	c.Grouper.Stop()
	c.Events.Stop()
	c.Store.Close()
	c.logger.Info().Msg("coordinator stopped")
}

// OpenControlSurface builds just enough of the coordinator to serve
// control.Surface against cfg's data directory — store, queue, workflow
// engine and scheduler — without the filesystem watcher or worker pool a
// full daemon needs. It is what cmd/coordinatorctl uses for one-shot
// admin commands against a coordinator's data, whether or not a
// coordinatord process is running against the same directory.
func OpenControlSurface(cfg *config.Config, clk clock.Clock, ids clock.IDs) (control.Surface, func() error, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: open store: %w", err)
	}

	var registry *worker.Registry
	if cfg.ManifestPath != "" {
		loaded, err := manifest.Load(cfg.ManifestPath)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("coordinator: load manifest: %w", err)
		}
		if registry, err = manifest.BuildRegistry(loaded); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("coordinator: build registry from manifest: %w", err)
		}
	}

	q := queue.New(store, clk, ids, cfg.Worker.TaskLease/2)
	workflows := workflow.New(store, q, ids, clk, registry)
	sched := scheduler.New(store, workflows, clk)

	return control.New(store, q, workflows, sched), store.Close, nil
}

func (c *Coordinator) bootstrapOrJoinHA() error {
	if len(c.cfg.HA.Peers) == 0 {
		return c.HA.Bootstrap()
	}
	return c.HA.Join()
}

// imagingWorkflowFactory is the built-in group_ready -> workflow
// mapping: a single imaging stage per ready group, carrying the group
// key as context_root so the executor can look up the group's subband
// files. Start always registers this factory for group_ready; a loaded
// workflow manifest (see pkg/manifest) adds cron-triggered workflows only
// and does not replace it.
func imagingWorkflowFactory(groupKey types.GroupKey, semiComplete bool) (string, string, map[string][]byte, []types.StageDef) {
	name := "imaging_" + groupKey
	contextRoot := map[string][]byte{
		"group_key":     []byte(groupKey),
		"semi_complete": []byte(fmt.Sprintf("%t", semiComplete)),
	}
	stages := []types.StageDef{
		{
			Name:        "image",
			ExecutorRef: ImagingExecutorRef,
			RetryPolicy: types.RetryPolicy{MaxAttempts: 3, Backoff: types.DefaultBackoff()},
			RequiresContext: []string{"group_key"},
		},
	}
	return name, "ingest", contextRoot, stages
}
