// Package worker runs the claim/heartbeat/execute/report loop: a pool
// of goroutines that claim tasks from a queue, dispatch them to the
// executor registered for the task's executor ref (or its name when the
// ref is empty), and report completion,
// failure, or cancellation back to the queue.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dsa110/contimg-coordinator/pkg/log"
	"github.com/dsa110/contimg-coordinator/pkg/metrics"
	"github.com/dsa110/contimg-coordinator/pkg/queue"
	"github.com/dsa110/contimg-coordinator/pkg/types"
)

// ContextProvider supplies the workflow context accumulated from a
// task's completed predecessors. Pool passes an empty types.Context to
// executors when no provider is configured, which is correct for
// standalone (non-workflow) tasks.
type ContextProvider interface {
	ContextFor(task *types.Task) (types.Context, error)
}

// Config configures a Pool.
type Config struct {
	Queue           string
	Concurrency     int
	PollInterval    time.Duration
	TaskLease       time.Duration
	HeartbeatFactor int
}

// Pool claims and executes tasks from one queue using Concurrency
// goroutines, each independently polling, heartbeating, and reporting.
type Pool struct {
	cfg      Config
	q        *queue.Queue
	registry *Registry
	contexts ContextProvider
	workerID string
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Pool. contexts may be nil.
func New(cfg Config, q *queue.Queue, registry *Registry, contexts ContextProvider, workerID string) *Pool {
	return &Pool{
		cfg:      cfg,
		q:        q,
		registry: registry,
		contexts: contexts,
		workerID: workerID,
		logger:   log.WithComponent("worker").With().Str("worker_id", workerID).Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches Concurrency claim loops.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	metrics.ActiveWorkers.Add(float64(p.cfg.Concurrency))
}

// Stop signals every loop to finish its current task and exit, then
// waits for them to do so.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	metrics.ActiveWorkers.Add(-float64(p.cfg.Concurrency))
}

func (p *Pool) loop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		task, err := p.q.Claim(p.cfg.Queue, p.workerID, p.cfg.TaskLease)
		if err != nil {
			p.logger.Error().Err(err).Msg("claim failed")
			task = nil
		}

		if task == nil {
			select {
			case <-time.After(p.cfg.PollInterval):
			case <-p.stopCh:
				return
			}
			continue
		}

		p.execute(task)
	}
}

func (p *Pool) execute(task *types.Task) {
	logger := p.logger.With().Str("task_id", task.ID).Str("queue", task.Queue).Str("name", task.Name).Logger()

	dispatchName := task.ExecutorRef
	if dispatchName == "" {
		dispatchName = task.Name
	}

	executor, ok := p.registry.Get(dispatchName)
	if !ok {
		logger.Error().Msg("no executor registered, dead-lettering")
		if _, err := p.q.Fail(task.ID, p.workerID, "no executor registered for task name", false); err != nil {
			logger.Error().Err(err).Msg("failed to record missing-executor failure")
		}
		return
	}

	workflowCtx := types.Context{}
	if p.contexts != nil {
		wc, err := p.contexts.ContextFor(task)
		if err != nil {
			p.reportFailure(task, err, &logger)
			return
		}
		workflowCtx = wc
	}

	if err := p.q.MarkRunning(task.ID, p.workerID); err != nil {
		logger.Error().Err(err).Msg("failed to mark task running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go p.heartbeat(ctx, cancel, task, &logger, hbDone)

	result, err := executor.Execute(ctx, task, workflowCtx)

	cancel()
	<-hbDone

	if err != nil {
		p.reportFailure(task, err, &logger)
		return
	}

	if err := p.q.Complete(task.ID, p.workerID, result); err != nil {
		logger.Error().Err(err).Msg("failed to report completion")
	}
}

func (p *Pool) reportFailure(task *types.Task, err error, logger *zerolog.Logger) {
	class, cause := classify(err)

	switch class {
	case ClassCancelled:
		logger.Info().Err(cause).Msg("task cancelled")
		if cancelErr := p.q.Cancel(task.ID); cancelErr != nil {
			logger.Error().Err(cancelErr).Msg("failed to report cancellation")
		}
	case ClassPermanent:
		logger.Warn().Err(cause).Msg("task failed permanently")
		if _, failErr := p.q.Fail(task.ID, p.workerID, cause.Error(), false); failErr != nil {
			logger.Error().Err(failErr).Msg("failed to record permanent failure")
		}
	default:
		logger.Warn().Err(cause).Msg("task failed, will retry")
		if _, failErr := p.q.Fail(task.ID, p.workerID, cause.Error(), true); failErr != nil {
			logger.Error().Err(failErr).Msg("failed to record retryable failure")
		}
	}
}

// heartbeat extends task's claim on a TaskLease/HeartbeatFactor cadence
// until ctx is done. It also watches for the task being cancelled by
// another actor (workflow cascade, operator cancel_task) and cancels
// cancel in that case so the executor's ctx.Done() observes it.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, task *types.Task, logger *zerolog.Logger, done chan struct{}) {
	defer close(done)

	factor := p.cfg.HeartbeatFactor
	if factor <= 0 {
		factor = 1
	}
	interval := p.cfg.TaskLease / time.Duration(factor)
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.q.Heartbeat(task.ID, p.workerID, p.cfg.TaskLease); err != nil {
				logger.Warn().Err(err).Msg("heartbeat failed, cancelling execution")
				cancel()
				return
			}
			current, err := p.q.GetTask(task.ID)
			if err == nil && current.State == types.TaskCancelled {
				logger.Info().Msg("task cancelled externally, cancelling execution")
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
