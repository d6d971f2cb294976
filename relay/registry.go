package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/sluiceio/sluice/cfg"
)

// EngineFactory is a function that creates an Engine from a property set
type EngineFactory func(props Properties) (Engine, error)

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(config cfg.SinkConfiguration) (Sink, error)

var (
	engineFactories = make(map[string]EngineFactory)
	sinkFactories   = make(map[string]SinkFactory)
	factoryMu       sync.RWMutex
)

// RegisterEngine registers an engine factory for a type
func RegisterEngine(engineType string, factory EngineFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	engineFactories[engineType] = factory
}

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// NewEngine creates an engine of the given registered type
func NewEngine(engineType string, props Properties) (Engine, error) {
	factoryMu.RLock()
	factory, exists := engineFactories[engineType]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown engine type: %s", engineType)
	}

	return factory(props)
}

// newSink creates a sink based on the configuration
func newSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// NewDispatcher builds a dispatcher with one binding per configured
// sink. On error, sinks created so far are closed before returning.
func NewDispatcher(it *Iterator, configs []cfg.SinkConfiguration) (*Dispatcher, error) {
	if it == nil {
		return nil, fmt.Errorf("iterator is required")
	}

	d := &Dispatcher{
		it:         it,
		bindings:   make([]*binding, 0, len(configs)),
		destCounts: xsync.NewMapOf[string, *xsync.Counter](),
	}

	for _, sinkCfg := range configs {
		b, err := newBinding(sinkCfg)
		if err != nil {
			for _, existing := range d.bindings {
				existing.sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
		d.bindings = append(d.bindings, b)

		log.Info().
			Str("sink", sinkCfg.Name).
			Str("type", sinkCfg.Type).
			Msg("Added sink binding")
	}

	return d, nil
}

func newBinding(config cfg.SinkConfiguration) (*binding, error) {
	snk, err := newSink(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	filter, err := NewGlobFilter(config.Include, config.Exclude)
	if err != nil {
		snk.Close()
		return nil, fmt.Errorf("failed to create filter: %w", err)
	}

	b := &binding{
		name:            config.Name,
		sink:            snk,
		filter:          filter,
		topicPrefix:     config.TopicPrefix,
		retryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		retryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		retryMultiplier: config.RetryMultiplier,
		maxRetries:      config.MaxRetries,
		published:       xsync.NewCounter(),
		failed:          xsync.NewCounter(),
	}

	// Fall back to defaults for unset tuning values
	if b.retryInitial <= 0 {
		b.retryInitial = DefaultRetryInitial
	}
	if b.retryMax <= 0 {
		b.retryMax = DefaultRetryMax
	}
	if b.retryMultiplier < 1 {
		b.retryMultiplier = DefaultRetryMultiplier
	}
	if b.maxRetries <= 0 {
		b.maxRetries = DefaultMaxRetries
	}

	return b, nil
}
