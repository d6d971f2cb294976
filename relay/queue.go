package relay

import (
	"context"
	"fmt"
)

// Queue is the bounded handoff queue between the engine runner and the
// consumer. It is a thin wrapper over a buffered channel, so enqueued
// events are delivered FIFO and a blocking enqueue parks the producer
// until the consumer frees capacity.
type Queue struct {
	ch chan ChangeEvent
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	return &Queue{ch: make(chan ChangeEvent, capacity)}, nil
}

// TryEnqueue attempts a non-blocking enqueue and reports whether the
// event was accepted.
func (q *Queue) TryEnqueue(event ChangeEvent) bool {
	select {
	case q.ch <- event:
		return true
	default:
		return false
	}
}

// Enqueue blocks until the event is accepted or ctx is done. Events
// are never dropped; a full queue stalls the caller instead.
func (q *Queue) Enqueue(ctx context.Context, event ChangeEvent) error {
	select {
	case q.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryDequeue attempts a non-blocking dequeue.
func (q *Queue) TryDequeue() (ChangeEvent, bool) {
	select {
	case event := <-q.ch:
		return event, true
	default:
		return ChangeEvent{}, false
	}
}

// Dequeue blocks until an event is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (ChangeEvent, error) {
	select {
	case event := <-q.ch:
		return event, nil
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

// Len returns the number of events currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue's fixed capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
