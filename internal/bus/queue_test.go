package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryPublishFull(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.TryPublish(Event{Kind: EventReconcile}))
	require.NoError(t, q.TryPublish(Event{Kind: EventReconcile}))
	assert.ErrorIs(t, q.TryPublish(Event{Kind: EventReconcile}), ErrQueueFull)
}

func TestPublishAfterClose(t *testing.T) {
	q := NewQueue(2)
	q.Close()
	q.Close() // idempotent
	assert.ErrorIs(t, q.TryPublish(Event{Kind: EventReconcile}), ErrQueueClosed)
}

func TestCloseRacesPublishersSafely(t *testing.T) {
	q := NewQueue(1)

	// Publishers hammering the queue while it closes must settle on
	// ErrQueueClosed, never a send on a closed channel.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := q.TryPublish(Event{Kind: EventExecution})
				if errors.Is(err, ErrQueueClosed) {
					return
				}
			}
		}()
	}

	drained := make(chan struct{})
	go func() {
		q.Run(context.Background(), func(Event) {})
		close(drained)
	}()

	time.Sleep(5 * time.Millisecond)
	q.Close()
	wg.Wait()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, q.TryPublish(Event{Kind: EventExecution}), ErrQueueClosed)
}

func TestRunDrainsInOrder(t *testing.T) {
	q := NewQueue(8)
	kinds := []EventKind{EventReconcile, EventExecution, EventResync}
	for _, k := range kinds {
		require.NoError(t, q.TryPublish(Event{Kind: k}))
	}
	q.Close()

	var seen []EventKind
	q.Run(context.Background(), func(e Event) {
		seen = append(seen, e.Kind)
	})
	assert.Equal(t, kinds, seen)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(Event) {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
