package events

import (
	"sync"
	"time"

	"github.com/dsa110/contimg-coordinator/pkg/types"
)

// EventType is the kind of a coordinator event.
type EventType string

const (
	EventGroupCollecting     EventType = "group.collecting"
	EventGroupReady          EventType = "group.ready"
	EventGroupFailed         EventType = "group.failed"
	EventTaskSpawned         EventType = "task.spawned"
	EventTaskCompleted       EventType = "task.completed"
	EventTaskFailed          EventType = "task.failed"
	EventTaskDead            EventType = "task.dead"
	EventWorkflowSubmitted   EventType = "workflow.submitted"
	EventWorkflowCompleted   EventType = "workflow.completed"
	EventWorkflowFailed      EventType = "workflow.failed"
	EventBreakerStateChanged EventType = "breaker.state_changed"
)

// Event is a coordinator-wide event. Only the fields relevant to Type
// are populated; the rest hold their zero value. This is a flat struct
// rather than a map so subscribers that care about one domain (the
// scheduler correlating a workflow outcome back to its group, say) get
// a compile-time-checked field instead of a string key that might be
// missing or misspelled.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// group.*
	GroupKey        types.GroupKey
	SemiComplete    bool
	PresentSubbands int

	// task.*
	TaskID     string
	Queue      string
	Name       string
	WorkflowID string
	Attempts   int
	Err        string

	// workflow.*
	StageCount int

	// breaker.*
	BreakerName string
	FromState   string
	ToState     string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans out published events to every live subscriber.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
