package relay

// ChangeEvent is a single change record emitted by a CDC engine. The
// payload is opaque to the relay core; only the engine and the sinks
// interpret it.
type ChangeEvent struct {
	Destination string `msgpack:"dst"` // Logical destination (server.database.table)
	Key         []byte `msgpack:"key"` // Record key, encoded by the engine
	Value       []byte `msgpack:"val"` // Record value; nil marks a tombstone
}

// IsTombstone reports whether the event is a delete marker artifact
// with no payload. Tombstones never reach the handoff queue.
func (e ChangeEvent) IsTombstone() bool {
	return e.Value == nil
}

// Properties is the flat key/value configuration handed to a CDC
// engine. Engines parse the keys they understand and ignore the rest.
type Properties map[string]string

// Get returns the value for key, or def when the key is absent or empty.
func (p Properties) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// EmitFunc delivers one change event from the engine into the relay.
// A non-nil return means the relay can no longer accept events and the
// engine must abort its run.
type EmitFunc func(event ChangeEvent) error

// Engine is a CDC engine driven by the publisher's background runner.
type Engine interface {
	// Run drives the engine to completion, calling emit for every change
	// event. It returns when the stream is exhausted, after RequestStop,
	// or with the error that terminated the run.
	Run(emit EmitFunc) error
	// RequestStop asks the engine to wind down. It returns without
	// waiting for the run to finish.
	RequestStop() error
}

// Sink represents a destination for dispatched change events
// (e.g. Kafka, NATS).
type Sink interface {
	// Publish sends one record to the sink
	Publish(topic string, key, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}
