package coordinator

import (
	"time"

	"github.com/dsa110/contimg-coordinator/pkg/metrics"
	"github.com/dsa110/contimg-coordinator/pkg/types"
)

// statsCollectorInterval is how often the background collector refreshes
// the queue-depth, ingest-group, and Raft gauges.
const statsCollectorInterval = 15 * time.Second

// statsCollector periodically samples Store and Queue state into the
// prometheus gauges pkg/metrics exposes. Counters and histograms are
// updated inline by the code paths that cause them; only state that has
// to be polled (current queue depths, group counts, Raft leadership)
// lives here.
type statsCollector struct {
	c      *Coordinator
	queues []string
	stopCh chan struct{}
}

func newStatsCollector(c *Coordinator, queues []string) *statsCollector {
	return &statsCollector{c: c, queues: queues, stopCh: make(chan struct{})}
}

func (s *statsCollector) Start() {
	ticker := time.NewTicker(statsCollectorInterval)
	go func() {
		s.collect()
		for {
			select {
			case <-ticker.C:
				s.collect()
			case <-s.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

func (s *statsCollector) Stop() {
	close(s.stopCh)
}

func (s *statsCollector) collect() {
	s.collectQueueMetrics()
	s.collectIngestGroupMetrics()
	s.collectRaftMetrics()
}

func (s *statsCollector) collectQueueMetrics() {
	for _, q := range s.queues {
		stats, err := s.c.Queue.Stats(q)
		if err != nil {
			continue
		}
		for state, count := range stats.Counts {
			metrics.QueueDepth.WithLabelValues(q, string(state)).Set(float64(count))
		}
		metrics.OldestPendingAgeSeconds.WithLabelValues(q).Set(stats.OldestPendingAge.Seconds())
	}
}

var ingestGroupStates = []types.IngestGroupState{
	types.IngestCollecting,
	types.IngestPending,
	types.IngestInProgress,
	types.IngestCompleted,
	types.IngestFailed,
}

func (s *statsCollector) collectIngestGroupMetrics() {
	for _, state := range ingestGroupStates {
		groups, err := s.c.Store.ListIngestGroupsByState(state)
		if err != nil {
			continue
		}
		metrics.IngestGroupsByState.WithLabelValues(string(state)).Set(float64(len(groups)))
	}
}

func (s *statsCollector) collectRaftMetrics() {
	if s.c.HA == nil {
		return
	}
	if s.c.HA.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
}
