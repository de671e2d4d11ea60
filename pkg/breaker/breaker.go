// Package breaker gates calls to flaky external services behind a
// per-name circuit breaker, built on sony/gobreaker.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dsa110/contimg-coordinator/pkg/events"
	"github.com/dsa110/contimg-coordinator/pkg/log"
	"github.com/dsa110/contimg-coordinator/pkg/metrics"
)

// ErrOpen is returned by Call when the named breaker is open and the call
// was rejected without being attempted. Workers classify this as
// transient and retry.
var ErrOpen = errors.New("breaker: circuit open")

// Settings configures every breaker the registry creates.
type Settings struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	SuccessThreshold uint32
}

// Registry lazily constructs one gobreaker.CircuitBreaker per service
// name and bridges its state changes to metrics and structured logs.
type Registry struct {
	settings Settings
	broker   *events.Broker

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry builds a Registry. Every breaker it creates shares settings.
// broker may be nil, in which case breaker.state_changed is never published.
func NewRegistry(settings Settings, broker *events.Broker) *Registry {
	return &Registry{
		settings: settings,
		broker:   broker,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	logger := log.WithComponent("breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.settings.SuccessThreshold,
		Interval:    0, // never reset closed-state counts on a timer; only ReadyToTrip decides
		Timeout:     r.settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(stateName(to)))
			logger.Info().
				Str("service", name).
				Str("from", stateName(from)).
				Str("to", stateName(to)).
				Msg("breaker state changed")
			if r.broker != nil {
				r.broker.Publish(&events.Event{
					Type:        events.EventBreakerStateChanged,
					BreakerName: name,
					FromState:   stateName(from),
					ToState:     stateName(to),
				})
			}
		},
	})

	r.breakers[name] = cb
	return cb
}

// Call executes fn through the named breaker. If the breaker is open, fn
// is not invoked and ErrOpen is returned. Any error fn returns counts as
// a failure for trip accounting.
func (r *Registry) Call(name string, fn func() error) error {
	cb := r.get(name)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports the current state of the named breaker as one of
// "closed", "open", "half_open". A breaker that has never been used
// reports "closed" without being created.
func (r *Registry) State(name string) string {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return "closed"
	}
	return stateName(cb.State())
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
