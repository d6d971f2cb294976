package sink

import (
	"sync"

	"github.com/sluiceio/sluice/cfg"
	"github.com/sluiceio/sluice/relay"
)

func init() {
	// The mock sink doubles as a dry-run destination: it accepts every
	// record and discards nothing, so a relay can be exercised without
	// a broker
	relay.RegisterSink("mock", func(config cfg.SinkConfiguration) (relay.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink is an in-memory implementation of Sink for tests and dry runs
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	mu         sync.Mutex
}

// MockMessage represents a published record for inspection
type MockMessage struct {
	Topic string
	Key   []byte
	Value []byte
}

// Publish records a message for later inspection
func (m *MockSink) Publish(topic string, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, MockMessage{
		Topic: topic,
		Key:   key,
		Value: value,
	})

	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
