package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"dipper/internal/model"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// EventKind distinguishes the merged event sources the engine consumes.
type EventKind uint16

const (
	EventUnknown EventKind = iota
	EventReconcile
	EventExecution
	EventResync
)

// Event is the unit passed through the in-memory queue. Reconcile ticks,
// broker executions, and post-reconnect resync requests all flow through the
// same queue so one consumer serializes every intent mutation.
type Event struct {
	Kind EventKind
	Fill model.Fill
	At   time.Time
}

// Queue is a bounded, non-blocking event queue.
type Queue struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// TryPublish enqueues an event without blocking. The lock is held across
// the send so Close cannot close the channel under a publisher.
func (q *Queue) TryPublish(e Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the queue from accepting new events. Safe to call more than
// once and safe against concurrent publishers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Run consumes events until the context is done or the queue is closed.
func (q *Queue) Run(ctx context.Context, handler func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}
