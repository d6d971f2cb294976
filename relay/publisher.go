package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Default bounds for the two shutdown waits. Generous on purpose: a
// mid-snapshot engine can take a while to wind down, and Close must
// not give up before it has had a fair chance.
const (
	DefaultEngineWait = 5 * time.Minute
	DefaultRunnerWait = 5 * time.Minute
)

var (
	// ErrAlreadyStarted is returned by Start when the publisher's
	// runner has already been launched.
	ErrAlreadyStarted = errors.New("publisher already started")

	// ErrPublisherClosed is returned by Start once Close has been
	// called.
	ErrPublisherClosed = errors.New("publisher is closed")
)

// PublisherConfig holds the tunable shutdown bounds. Zero values fall
// back to the defaults.
type PublisherConfig struct {
	// EngineWait bounds how long Close waits for the engine run to
	// return after the stop request.
	EngineWait time.Duration
	// RunnerWait bounds how long Close waits for the runner goroutine
	// to exit after the engine wait.
	RunnerWait time.Duration
}

// Publisher drives a CDC engine on a single background goroutine and
// hands its events to a bounded queue for an independent consumer.
//
// The lifecycle is strictly start once, close once. Close is safe to
// call from any number of goroutines: the first caller runs the
// shutdown sequence and every caller returns the same outcome. Any
// error the engine died with is surfaced only at Close, so callers
// must always close a started publisher to observe failures.
type Publisher struct {
	engine Engine
	config PublisherConfig

	lc      *lifecycle
	queue   *Queue
	cancel  context.CancelFunc
	started atomic.Bool

	lifecycleMu sync.Mutex
}

// NewPublisher creates a publisher for the given engine. The engine is
// not touched until Start.
func NewPublisher(engine Engine, config PublisherConfig) (*Publisher, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if config.EngineWait <= 0 {
		config.EngineWait = DefaultEngineWait
	}
	if config.RunnerWait <= 0 {
		config.RunnerWait = DefaultRunnerWait
	}

	return &Publisher{
		engine: engine,
		config: config,
		lc:     newLifecycle(),
	}, nil
}

// Start launches the engine on the publisher's background runner and
// returns immediately. The queue is shared with the consumer; the
// publisher only ever enqueues.
func (p *Publisher) Start(queue *Queue) error {
	if queue == nil {
		return fmt.Errorf("queue is required")
	}

	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.lc.isClosing() {
		return ErrPublisherClosed
	}
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.queue = queue

	r := &runner{engine: p.engine, queue: queue, lc: p.lc}
	r.start(ctx)

	log.Info().Int("queue_capacity", queue.Cap()).Msg("Change event publisher started")
	return nil
}

// IsClosed reports whether Close has fully torn the publisher down.
// It stays false for the whole close sequence and flips exactly once.
func (p *Publisher) IsClosed() bool {
	return p.lc.isClosed()
}

// Closing reports whether a close sequence has begun. It holds from the
// first Close call onward, including after teardown completes.
func (p *Publisher) Closing() bool {
	return p.lc.isClosing()
}

// Finished reports whether the engine run has returned. The queue may
// still hold undrained events when this flips to true.
func (p *Publisher) Finished() bool {
	return p.lc.engineFinished()
}

// Close stops the engine, waits out the background runner, and returns
// the engine's terminal error if its run failed. The sequence is
// best-effort: each wait is bounded, and an elapsed bound is logged
// and skipped rather than turned into an error, so a wedged engine
// cannot hang the calling process indefinitely.
//
// Concurrent and repeated calls all block until the one in-flight
// sequence completes and return its outcome.
func (p *Publisher) Close() error {
	if !p.lc.beginClose() {
		return p.lc.awaitClose()
	}

	p.lifecycleMu.Lock()
	started := p.started.Load()
	cancel := p.cancel
	p.lifecycleMu.Unlock()

	if started {
		log.Info().Msg("Closing change event publisher")

		// Ask the engine to stop first: a healthy engine only returns
		// from its run once told to, so waiting without asking can
		// only ever ride out the full bound.
		if err := p.engine.RequestStop(); err != nil {
			log.Warn().Err(err).Msg("Failed to request engine stop")
		}

		// The engine may still be flushing events here; the consumer
		// is expected to keep draining until the run returns.
		if !p.lc.waitEngineFinished(p.config.EngineWait) {
			log.Warn().
				Dur("waited", p.config.EngineWait).
				Msg("Engine did not finish within the shutdown bound")
		}

		// Release a forward parked on a full queue so the runner can
		// exit even when the consumer is gone.
		cancel()

		if !p.lc.waitRunnerExited(p.config.RunnerWait) {
			log.Warn().
				Dur("waited", p.config.RunnerWait).
				Msg("Engine runner did not exit within the shutdown bound")
		}
	}

	p.lc.markClosed()

	var out error
	if err := p.lc.terminalError(); err != nil {
		out = fmt.Errorf("cdc engine terminated abnormally: %w", err)
	}
	p.lc.finishClose(out)

	if out != nil {
		log.Error().Err(out).Msg("Change event publisher closed with engine error")
	} else {
		log.Info().Msg("Change event publisher closed")
	}
	return out
}
