// Package relay implements the lifecycle manager and handoff layer
// between a CDC engine and the sinks that consume its change events.
//
// The engine is a black box behind the Engine interface: once started
// it pushes a sequence of change events until it is told to stop or
// fails internally. The relay's job is the asynchronous handoff with
// bounded backpressure and a graceful, idempotent, error-propagating
// shutdown.
//
// # Architecture
//
// The relay consists of four cooperating pieces:
//
//  1. Queue: bounded FIFO handoff buffer between producer and consumer
//  2. Publisher: drives the engine on one background goroutine and
//     owns the shutdown sequence
//  3. Iterator: consumer-side view that drains the queue one event at
//     a time and detects end of stream
//  4. Dispatcher: fans drained events out to configured sinks with
//     per-sink filtering and retry
//
// # Backpressure
//
// The queue bound is the relay's only backpressure point. When the
// queue is full, the engine's emitting goroutine parks on a blocking
// enqueue until the consumer frees a slot, throttling the engine's
// snapshot and stream speed to match downstream throughput. Events
// with a nil value (tombstones) are dropped before the queue and
// everything else is delivered in emission order with no loss.
//
// # Shutdown
//
// Close walks one state sequence: request the engine stop, wait
// (bounded) for its run to return, release the runner goroutine, wait
// (bounded) for it to exit, then mark the publisher closed. The waits
// are best-effort; an elapsed bound is logged and skipped so a wedged
// engine cannot hang the process. Any error the engine's run returned
// is surfaced by Close and only by Close, so callers must always close
// a started publisher to observe failures. Concurrent Close calls are
// safe: one caller performs the teardown and every caller returns the
// same outcome.
//
// Example usage:
//
//	queue, _ := relay.NewQueue(cfg.Config.Engine.QueueCapacity)
//	engine, _ := relay.NewEngine(cfg.Config.Engine.Type, props)
//	pub, _ := relay.NewPublisher(engine, relay.PublisherConfig{})
//
//	if err := pub.Start(queue); err != nil {
//		return err
//	}
//
//	it := relay.NewIterator(queue, pub)
//	for {
//		event, err := it.Next(ctx)
//		if errors.Is(err, relay.ErrStreamDone) {
//			break
//		}
//		// deliver event
//	}
//
//	if err := pub.Close(); err != nil {
//		// the engine run failed; err wraps its terminal error
//	}
//
// # Thread Safety
//
// The queue is safe for one producer and one consumer without external
// locking. IsClosed and Close may be called from any goroutine at any
// time; Start may be called once. Iterator.Next is single-consumer.
package relay
