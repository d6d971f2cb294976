package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sluiceio/sluice/relay"
)

// Mock engine property keys, read by the "mock" factory
const (
	PropMockEventCount    = "mock.event.count"
	PropMockTable         = "mock.table"
	PropMockIntervalMS    = "mock.interval.ms"
	PropMockTombstoneEach = "mock.tombstone.every"
)

func init() {
	// The mock engine doubles as a dry-run source: configured with an
	// event count it emits synthetic snapshot reads, so a relay can be
	// exercised end to end without a database
	relay.RegisterEngine("mock", func(props relay.Properties) (relay.Engine, error) {
		return NewMockFromProperties(props)
	})
}

// MockConfig scripts a Mock engine run
type MockConfig struct {
	Events   []relay.ChangeEvent // Emitted in order
	Interval time.Duration       // Optional pause before each emit
	RunErr   error               // Terminal outcome of the run
	HoldOpen bool                // Keep the run alive after the script until RequestStop
	StopErr  error               // Returned by RequestStop
}

// Mock is a scripted CDC engine for tests and dry runs. Run emits the
// configured events in order and finishes with the configured outcome;
// RequestStop ends the run early. Call counters let tests assert the
// lifecycle touched the engine exactly once.
type Mock struct {
	config MockConfig

	// OnEmit is called before each emit, on the runner goroutine
	OnEmit func(relay.ChangeEvent)

	stopCh   chan struct{}
	stopOnce sync.Once

	runCalls  atomic.Int32
	stopCalls atomic.Int32
}

// NewMock creates a scripted engine
func NewMock(config MockConfig) *Mock {
	return &Mock{
		config: config,
		stopCh: make(chan struct{}),
	}
}

// NewMockFromProperties builds a synthetic-event engine from the
// property set: mock.event.count snapshot reads against a single
// generated table, with an optional tombstone every Nth event.
func NewMockFromProperties(props relay.Properties) (*Mock, error) {
	count, err := intProp(props, PropMockEventCount, 0)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("%s must be >= 0", PropMockEventCount)
	}
	intervalMS, err := intProp(props, PropMockIntervalMS, 0)
	if err != nil {
		return nil, err
	}
	tombstoneEvery, err := intProp(props, PropMockTombstoneEach, 0)
	if err != nil {
		return nil, err
	}

	database := props.Get(relay.PropDatabaseInclude, "mock")
	serverName := props.Get(relay.PropServerName, database)
	table := props.Get(PropMockTable, "events")

	events, err := generateEvents(serverName, database, table, count, tombstoneEvery)
	if err != nil {
		return nil, err
	}

	return NewMock(MockConfig{
		Events:   events,
		Interval: time.Duration(intervalMS) * time.Millisecond,
	}), nil
}

// generateEvents renders count synthetic snapshot reads. With
// tombstoneEvery > 0 every Nth event carries a nil value, so the
// relay's tombstone filter can be observed from configuration alone.
func generateEvents(serverName, database, table string, count, tombstoneEvery int) ([]relay.ChangeEvent, error) {
	destination := serverName + "." + database + "." + table
	events := make([]relay.ChangeEvent, 0, count)

	for i := 1; i <= count; i++ {
		key, err := json.Marshal(map[string]int{"id": i})
		if err != nil {
			return nil, fmt.Errorf("failed to encode mock key: %w", err)
		}

		if tombstoneEvery > 0 && i%tombstoneEvery == 0 {
			events = append(events, relay.ChangeEvent{Destination: destination, Key: key})
			continue
		}

		value, err := json.Marshal(snapshotEnvelope{
			Before: nil,
			After:  map[string]interface{}{"id": i},
			Source: sourceBlock{
				Connector: "mock",
				Name:      serverName,
				Snapshot:  "true",
				Db:        database,
				Table:     table,
			},
			Op:   "r",
			TsMS: time.Now().UnixMilli(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode mock event: %w", err)
		}
		events = append(events, relay.ChangeEvent{Destination: destination, Key: key, Value: value})
	}

	return events, nil
}

// Run emits the scripted events and returns the scripted outcome. A
// stop request ends the run cleanly at the next event boundary.
func (m *Mock) Run(emit relay.EmitFunc) error {
	m.runCalls.Add(1)

	for _, event := range m.config.Events {
		if m.config.Interval > 0 {
			if !m.pause(m.config.Interval) {
				return nil
			}
		}
		if m.stopRequested() {
			return nil
		}

		if m.OnEmit != nil {
			m.OnEmit(event)
		}
		if err := emit(event); err != nil {
			return err
		}
	}

	if m.config.HoldOpen {
		<-m.stopCh
	}
	return m.config.RunErr
}

// RequestStop ends an in-flight run. Safe to call more than once.
func (m *Mock) RequestStop() error {
	m.stopCalls.Add(1)
	m.stopOnce.Do(func() { close(m.stopCh) })
	return m.config.StopErr
}

// RunCalls reports how many times Run was invoked.
func (m *Mock) RunCalls() int {
	return int(m.runCalls.Load())
}

// StopCalls reports how many times RequestStop was invoked.
func (m *Mock) StopCalls() int {
	return int(m.stopCalls.Load())
}

// pause sleeps for d, returning false if a stop request arrived first
func (m *Mock) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-m.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (m *Mock) stopRequested() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}
