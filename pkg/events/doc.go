/*
Package events provides an in-memory event broker for the coordinator's
pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
ingest and workflow events to interested subscribers. It supports
asynchronous event delivery, enabling loose coupling between grouper,
queue, worker, workflow, and scheduler for state changes and monitoring.

# Architecture

The event system provides non-blocking pub/sub messaging with buffered
channels:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Ingest Group Events:                       │          │
	│  │    - group.collecting                       │          │
	│  │    - group.ready                            │          │
	│  │    - group.failed                           │          │
	│  │                                              │          │
	│  │  Task Events:                               │          │
	│  │    - task.spawned                           │          │
	│  │    - task.completed                         │          │
	│  │    - task.failed                            │          │
	│  │    - task.dead                              │          │
	│  │                                              │          │
	│  │  Workflow Events:                           │          │
	│  │    - workflow.submitted                     │          │
	│  │    - workflow.completed                     │          │
	│  │    - workflow.failed                        │          │
	│  │                                              │          │
	│  │  Breaker Events:                            │          │
	│  │    - breaker.state_changed                  │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  Scheduler: react to workflow.* outcomes     │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - Type: event type (group.ready, task.dead, etc.)
  - Timestamp: when event occurred
  - a flat set of typed fields (GroupKey, TaskID, WorkflowID, ...), of
    which only the ones relevant to Type are populated

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to main event channel (non-blocking)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers skip (no blocking)

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventGroupReady:
				handleGroupReady(event)
			case events.EventTaskDead:
				handleTaskDead(event)
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:            events.EventGroupReady,
		GroupKey:        "T",
		PresentSubbands: 16,
	})

# Event Types Catalog

EventGroupCollecting:
  - Published when: the grouper opens a new ingest group on first subband
  - Fields: GroupKey

EventGroupReady:
  - Published when: a group reaches expected_subbands or its semi-complete
    deadline, just before a workflow is spawned for it
  - Fields: GroupKey, SemiComplete, PresentSubbands
  - Subscribers: none in this module; the scheduler's group_ready trigger
    reads the grouper's Ready() channel instead

EventGroupFailed:
  - Published when: a group times out incomplete below the semi-complete
    threshold
  - Fields: GroupKey

EventTaskSpawned:
  - Published when: a task is inserted into the queue
  - Fields: TaskID, Queue, Name, WorkflowID

EventTaskCompleted:
  - Published when: a task's executor reports success
  - Fields: TaskID, Queue, Name

EventTaskFailed:
  - Published when: a task attempt fails and is scheduled to retry
  - Fields: TaskID, Queue, Name, Attempts, Err

EventTaskDead:
  - Published when: a task exhausts max_attempts and is dead-lettered
  - Fields: TaskID, Queue, Name, Err

EventWorkflowSubmitted:
  - Published when: submit() successfully validates and spawns a workflow
  - Fields: WorkflowID, Name, StageCount

EventWorkflowCompleted / EventWorkflowFailed:
  - Published when: a workflow's derived state reaches a terminal value
  - Fields: WorkflowID, Name

EventBreakerStateChanged:
  - Published when: a circuit breaker transitions closed/open/half_open
  - Fields: BreakerName, FromState, ToState

# Design Patterns

Non-Blocking Publish:
  - Publish sends to buffered channel
  - Returns immediately (no waiting)
  - Events may be dropped if buffer full
  - Trade-off: throughput over guaranteed delivery

Fan-Out Pattern:
  - Single event broadcast to all subscribers
  - Each subscriber gets own channel
  - Full buffers skip to prevent blocking

# Limitations

  - In-memory only, no persistence or replay
  - No guaranteed delivery (best effort)
  - No topic-based filtering (all events broadcast; filter client-side)

# See Also

  - pkg/scheduler for the group.ready event trigger
  - pkg/workflow for workflow.* event emission
  - pkg/queue for task.* event emission
*/
package events
