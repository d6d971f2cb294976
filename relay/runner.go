package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sluiceio/sluice/telemetry"
)

// runner owns the single background goroutine that drives a CDC engine
// to completion and bridges its event stream into the handoff queue.
type runner struct {
	engine Engine
	queue  *Queue
	lc     *lifecycle
}

// start launches the runner goroutine. ctx cancellation aborts a
// forward that is parked on a full queue; it does not stop the engine
// by itself.
func (r *runner) start(ctx context.Context) {
	go r.run(ctx)
}

func (r *runner) run(ctx context.Context) {
	defer r.lc.runnerExited()

	log.Debug().Msg("Engine runner started")
	err := r.engine.Run(func(event ChangeEvent) error {
		return r.forward(ctx, event)
	})

	// The terminal outcome must be visible before the finished signal
	// is released, so Close always reads a fully populated error.
	r.lc.engineDone(err)

	if err != nil {
		telemetry.EngineRunsTotal.With("failed").Inc()
		log.Error().Err(err).Msg("Engine run finished with error")
		return
	}
	telemetry.EngineRunsTotal.With("clean").Inc()
	log.Info().Msg("Engine run finished")
}

// forward hands one engine event to the queue. Tombstones are dropped
// here so the consumer only ever sees real payloads. A full queue
// stalls the engine's emitting thread, which is the relay's only
// backpressure point.
func (r *runner) forward(ctx context.Context, event ChangeEvent) error {
	if event.IsTombstone() {
		telemetry.TombstonesDroppedTotal.Inc()
		return nil
	}

	if r.queue.TryEnqueue(event) {
		telemetry.EventsForwardedTotal.Inc()
		return nil
	}

	// Queue is at capacity. Park on the blocking enqueue until the
	// consumer frees a slot or the runner is told to abandon the run.
	telemetry.EnqueueStallsTotal.Inc()
	start := time.Now()
	if err := r.queue.Enqueue(ctx, event); err != nil {
		return fmt.Errorf("failed to enqueue change event for %s: %w", event.Destination, err)
	}
	telemetry.EnqueueWaitSeconds.Observe(time.Since(start).Seconds())
	telemetry.EventsForwardedTotal.Inc()
	return nil
}
