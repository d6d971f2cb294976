package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/sluiceio/sluice/telemetry"
)

// Default retry tuning for sink publishes
const (
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetries      = 100
)

// binding pairs one sink with its destination filter and retry policy
type binding struct {
	name            string
	sink            Sink
	filter          *GlobFilter
	topicPrefix     string
	retryInitial    time.Duration
	retryMax        time.Duration
	retryMultiplier float64
	maxRetries      int

	published *xsync.Counter
	failed    *xsync.Counter
}

// topic maps a logical destination to the sink's topic name
func (b *binding) topic(destination string) string {
	if b.topicPrefix == "" {
		return destination
	}
	return b.topicPrefix + "." + destination
}

// Dispatcher is the queue consumer. It drains the iterator on its own
// goroutine and fans every event out to the sinks whose filter matches
// the event's destination. Sinks are served in order for each event,
// so one slow sink backpressures the whole relay; that is intentional,
// the queue bound is the only place events are allowed to pile up.
type Dispatcher struct {
	it       *Iterator
	bindings []*binding

	// delivered counts per destination, read concurrently by the
	// admin endpoints while the dispatch loop is writing
	destCounts *xsync.MapOf[string, *xsync.Counter]

	cancel  context.CancelFunc
	doneCh  chan struct{}
	running atomic.Bool

	lifecycleMu sync.Mutex
}

// SinkStats is a point-in-time snapshot of one sink's delivery counters
type SinkStats struct {
	Name      string `json:"name"`
	Published int64  `json:"published"`
	Failed    int64  `json:"failed"`
}

// Start launches the dispatch loop. Safe to call only once per
// dispatcher; repeated calls are ignored.
func (d *Dispatcher) Start() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.doneCh = make(chan struct{})

	go d.dispatchLoop(ctx)

	log.Info().Int("sinks", len(d.bindings)).Msg("Dispatcher started")
}

// Stop halts the dispatch loop, waits for it to exit, and closes every
// sink. Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.running.CompareAndSwap(true, false) {
		return
	}

	d.cancel()
	<-d.doneCh

	for _, b := range d.bindings {
		if err := b.sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", b.name).Msg("Failed to close sink")
		}
	}

	log.Info().Msg("Dispatcher stopped")
}

func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	defer close(d.doneCh)

	for {
		event, err := d.it.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrStreamDone) {
				log.Info().Msg("Change stream finished, dispatcher going idle")
			} else if ctx.Err() == nil {
				log.Error().Err(err).Msg("Dispatcher failed to read the change stream")
			}
			return
		}
		d.dispatch(ctx, event)
	}
}

// dispatch delivers one event to every matching sink
func (d *Dispatcher) dispatch(ctx context.Context, event ChangeEvent) {
	for _, b := range d.bindings {
		if !b.filter.Match(event.Destination) {
			continue
		}

		topic := b.topic(event.Destination)
		start := time.Now()
		if err := d.publishWithRetry(ctx, b, topic, event); err != nil {
			b.failed.Inc()
			telemetry.PublishedTotal.With(b.name, "failed").Inc()
			log.Error().
				Err(err).
				Str("sink", b.name).
				Str("topic", topic).
				Msg("Dropping event after exhausting publish retries")
			continue
		}

		b.published.Inc()
		telemetry.PublishedTotal.With(b.name, "success").Inc()
		telemetry.PublishSeconds.With(b.name).Observe(time.Since(start).Seconds())
	}

	d.destinationCounter(event.Destination).Inc()
}

// publishWithRetry publishes with exponential backoff capped at the
// binding's retry ceiling
func (d *Dispatcher) publishWithRetry(ctx context.Context, b *binding, topic string, event ChangeEvent) error {
	delay := b.retryInitial
	var lastErr error

	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		lastErr = b.sink.Publish(topic, event.Key, event.Value)
		if lastErr == nil {
			return nil
		}

		log.Warn().
			Err(lastErr).
			Str("sink", b.name).
			Str("topic", topic).
			Int("attempt", attempt+1).
			Msg("Failed to publish event, retrying")
		telemetry.PublishRetriesTotal.With(b.name).Inc()

		if attempt == b.maxRetries {
			break
		}
		if !sleepContext(ctx, delay) {
			return fmt.Errorf("dispatcher stopped during retry")
		}

		// Exponential backoff with cap
		delay = time.Duration(float64(delay) * b.retryMultiplier)
		if delay > b.retryMax {
			delay = b.retryMax
		}
	}

	return fmt.Errorf("failed to publish to %s after %d attempts: %w", topic, b.maxRetries+1, lastErr)
}

func (d *Dispatcher) destinationCounter(destination string) *xsync.Counter {
	c, _ := d.destCounts.LoadOrCompute(destination, func() *xsync.Counter {
		return xsync.NewCounter()
	})
	return c
}

// Stats returns a snapshot of per-sink delivery counters
func (d *Dispatcher) Stats() []SinkStats {
	stats := make([]SinkStats, 0, len(d.bindings))
	for _, b := range d.bindings {
		stats = append(stats, SinkStats{
			Name:      b.name,
			Published: b.published.Value(),
			Failed:    b.failed.Value(),
		})
	}
	return stats
}

// DestinationCounts returns a snapshot of delivered events keyed by
// destination
func (d *Dispatcher) DestinationCounts() map[string]int64 {
	counts := make(map[string]int64)
	d.destCounts.Range(func(dest string, c *xsync.Counter) bool {
		counts[dest] = c.Value()
		return true
	})
	return counts
}

// sleepContext sleeps for d, returning false if ctx was done first
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
