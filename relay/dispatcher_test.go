package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// testSink records published messages and can fail on demand

type testSink struct {
	mu        sync.Mutex
	messages  []testMessage
	failCount atomic.Int32 // Number of times to fail before succeeding
	closed    atomic.Bool
}

type testMessage struct {
	topic string
	key   []byte
	value []byte
}

func (s *testSink) Publish(topic string, key, value []byte) error {
	if s.failCount.Load() > 0 {
		s.failCount.Add(-1)
		return fmt.Errorf("sink unavailable")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, testMessage{topic: topic, key: key, value: value})
	return nil
}

func (s *testSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *testSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *testSink) all() []testMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]testMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Helper constructors bypassing the factory registry

func newTestBinding(name string, snk Sink, include, exclude []string, prefix string) *binding {
	filter, err := NewGlobFilter(include, exclude)
	if err != nil {
		panic(err)
	}
	return &binding{
		name:            name,
		sink:            snk,
		filter:          filter,
		topicPrefix:     prefix,
		retryInitial:    5 * time.Millisecond,
		retryMax:        20 * time.Millisecond,
		retryMultiplier: 2.0,
		maxRetries:      5,
		published:       xsync.NewCounter(),
		failed:          xsync.NewCounter(),
	}
}

func newTestDispatcher(it *Iterator, bindings ...*binding) *Dispatcher {
	return &Dispatcher{
		it:         it,
		bindings:   bindings,
		destCounts: xsync.NewMapOf[string, *xsync.Counter](),
	}
}

func waitForMessages(t *testing.T, snk *testSink, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snk.count() >= expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d messages, got %d", expected, snk.count())
}

// Test normal delivery

func TestDispatcher_DeliversEvents(t *testing.T) {
	events := []ChangeEvent{
		makeEvent("srv.db.users", "1", "A"),
		makeEvent("srv.db.users", "2", "B"),
		makeEvent("srv.db.orders", "3", "C"),
	}
	eng := newMockEngine(events, nil)
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	defer pub.Close()

	snk := &testSink{}
	d := newTestDispatcher(NewIterator(q, pub), newTestBinding("test", snk, nil, nil, ""))
	d.Start()
	defer d.Stop()

	waitForMessages(t, snk, 3, 2*time.Second)

	got := snk.all()
	if got[0].topic != "srv.db.users" {
		t.Errorf("expected topic srv.db.users, got %s", got[0].topic)
	}
	if string(got[0].key) != "1" || string(got[0].value) != "A" {
		t.Errorf("unexpected first message: %s=%s", got[0].key, got[0].value)
	}
	if got[2].topic != "srv.db.orders" {
		t.Errorf("expected topic srv.db.orders, got %s", got[2].topic)
	}

	stats := d.Stats()
	if len(stats) != 1 || stats[0].Published != 3 || stats[0].Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	counts := d.DestinationCounts()
	if counts["srv.db.users"] != 2 || counts["srv.db.orders"] != 1 {
		t.Errorf("unexpected destination counts: %v", counts)
	}
}

// Test per-sink destination filtering

func TestDispatcher_FilterRouting(t *testing.T) {
	events := []ChangeEvent{
		makeEvent("srv.db.users", "1", "A"),
		makeEvent("srv.db.orders", "2", "B"),
		makeEvent("srv.db.users", "3", "C"),
	}
	eng := newMockEngine(events, nil)
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	defer pub.Close()

	usersSink := &testSink{}
	ordersSink := &testSink{}
	restSink := &testSink{}
	d := newTestDispatcher(NewIterator(q, pub),
		newTestBinding("users", usersSink, []string{"*.users"}, nil, ""),
		newTestBinding("orders", ordersSink, []string{"*.orders"}, nil, ""),
		newTestBinding("rest", restSink, nil, []string{"*.orders"}, ""),
	)
	d.Start()
	defer d.Stop()

	waitForMessages(t, usersSink, 2, 2*time.Second)
	waitForMessages(t, ordersSink, 1, 2*time.Second)
	waitForMessages(t, restSink, 2, 2*time.Second)

	for _, msg := range usersSink.all() {
		if msg.topic != "srv.db.users" {
			t.Errorf("users sink received %s", msg.topic)
		}
	}
	for _, msg := range restSink.all() {
		if msg.topic == "srv.db.orders" {
			t.Error("excluded destination leaked into rest sink")
		}
	}
}

// Test topic prefixing

func TestDispatcher_TopicPrefix(t *testing.T) {
	eng := newMockEngine([]ChangeEvent{makeEvent("srv.db.users", "1", "A")}, nil)
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	defer pub.Close()

	snk := &testSink{}
	d := newTestDispatcher(NewIterator(q, pub), newTestBinding("crm", snk, nil, nil, "crm"))
	d.Start()
	defer d.Stop()

	waitForMessages(t, snk, 1, 2*time.Second)

	if got := snk.all()[0].topic; got != "crm.srv.db.users" {
		t.Errorf("expected topic crm.srv.db.users, got %s", got)
	}
}

// Test retry on transient publish failure

func TestDispatcher_RetryOnFailure(t *testing.T) {
	eng := newMockEngine([]ChangeEvent{makeEvent("srv.db.t", "k", "v")}, nil)
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	defer pub.Close()

	snk := &testSink{}
	snk.failCount.Store(2) // Fail twice, then succeed

	d := newTestDispatcher(NewIterator(q, pub), newTestBinding("test", snk, nil, nil, ""))
	d.Start()
	defer d.Stop()

	waitForMessages(t, snk, 1, 2*time.Second)

	stats := d.Stats()
	if stats[0].Published != 1 || stats[0].Failed != 0 {
		t.Errorf("unexpected stats after retries: %+v", stats)
	}
}

// Test an event is dropped once retries are exhausted

func TestDispatcher_ExhaustedRetries(t *testing.T) {
	events := []ChangeEvent{
		makeEvent("srv.db.t", "first", "1"),
		makeEvent("srv.db.t", "second", "2"),
	}
	eng := newMockEngine(events, nil)
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	defer pub.Close()

	snk := &testSink{}
	b := newTestBinding("test", snk, nil, nil, "")
	b.maxRetries = 2
	snk.failCount.Store(3) // First event exhausts its 3 attempts

	d := newTestDispatcher(NewIterator(q, pub), b)
	d.Start()
	defer d.Stop()

	waitForMessages(t, snk, 1, 2*time.Second)

	got := snk.all()
	if len(got) != 1 || string(got[0].key) != "second" {
		t.Fatalf("expected only the second event to be delivered, got %d messages", len(got))
	}

	stats := d.Stats()
	if stats[0].Published != 1 || stats[0].Failed != 1 {
		t.Errorf("unexpected stats after drop: %+v", stats)
	}
}

// Test graceful shutdown

func TestDispatcher_GracefulStop(t *testing.T) {
	eng := newMockEngine(nil, nil)
	eng.blockUntilStop = true
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	defer pub.Close()

	snk := &testSink{}
	d := newTestDispatcher(NewIterator(q, pub), newTestBinding("test", snk, nil, nil, ""))
	d.Start()

	if !d.running.Load() {
		t.Error("dispatcher should be running")
	}

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop within timeout")
	}

	if d.running.Load() {
		t.Error("dispatcher should not be running")
	}
	if !snk.closed.Load() {
		t.Error("sink should be closed on stop")
	}

	// Repeated stop is a no-op
	d.Stop()
}

// Test the loop goes idle once the stream ends

func TestDispatcher_StopAfterStreamDone(t *testing.T) {
	eng := newMockEngine([]ChangeEvent{makeEvent("srv.db.t", "k", "v")}, nil)
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	defer pub.Close()

	snk := &testSink{}
	d := newTestDispatcher(NewIterator(q, pub), newTestBinding("test", snk, nil, nil, ""))
	d.Start()

	waitForMessages(t, snk, 1, 2*time.Second)
	waitFor(t, 2*time.Second, pub.Finished, "engine to finish")

	// The dispatch loop exits on its own; Stop still cleans up
	d.Stop()
	if !snk.closed.Load() {
		t.Error("sink should be closed on stop")
	}
}
