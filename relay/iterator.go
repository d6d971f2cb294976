package relay

import (
	"context"
	"errors"
)

// ErrStreamDone is returned by Iterator.Next once the engine run has
// finished and the queue is fully drained.
var ErrStreamDone = errors.New("change stream finished")

// Iterator is the consumer-side view of a publisher's handoff queue.
// Next blocks until an event is available, so the consumer drains at
// its own pace and the queue bound throttles the engine for it.
//
// Only one goroutine may call Next at a time.
type Iterator struct {
	queue *Queue
	pub   *Publisher
}

// NewIterator creates the consuming iterator for a started publisher
// and its queue.
func NewIterator(queue *Queue, pub *Publisher) *Iterator {
	return &Iterator{queue: queue, pub: pub}
}

// Next returns the next change event. It blocks until an event
// arrives, the stream ends (ErrStreamDone), or ctx is done. Events
// buffered when the engine finishes are still delivered before
// ErrStreamDone.
func (it *Iterator) Next(ctx context.Context) (ChangeEvent, error) {
	// Buffered events always win over completion
	if event, ok := it.queue.TryDequeue(); ok {
		return event, nil
	}

	select {
	case event := <-it.queue.ch:
		return event, nil
	case <-it.pub.lc.finished:
		// Every event is enqueued before the finished signal fires, so
		// one more non-blocking sweep sees anything left.
		if event, ok := it.queue.TryDequeue(); ok {
			return event, nil
		}
		return ChangeEvent{}, ErrStreamDone
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

// Close tears down the underlying publisher. It reports the engine's
// terminal error, so a consumer that finishes its drain must still
// call Close to learn how the run ended.
func (it *Iterator) Close() error {
	return it.pub.Close()
}
