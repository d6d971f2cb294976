package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIterator_DrainsThenStreamDone(t *testing.T) {
	events := []ChangeEvent{
		makeEvent("srv.db.users", "1", "A"),
		makeEvent("srv.db.users", "2", "B"),
		makeEvent("srv.db.orders", "3", "C"),
	}
	eng := newMockEngine(events, nil)
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	it := NewIterator(q, pub)

	waitFor(t, 2*time.Second, pub.Finished, "engine to finish")

	// Events buffered when the engine finished are still delivered
	ctx := context.Background()
	for _, want := range []string{"A", "B", "C"} {
		ev, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("unexpected error before %s: %v", want, err)
		}
		if string(ev.Value) != want {
			t.Errorf("expected %s, got %s", want, ev.Value)
		}
	}

	if _, err := it.Next(ctx); !errors.Is(err, ErrStreamDone) {
		t.Errorf("expected ErrStreamDone after drain, got %v", err)
	}
	// The stream stays done
	if _, err := it.Next(ctx); !errors.Is(err, ErrStreamDone) {
		t.Errorf("expected ErrStreamDone on repeat, got %v", err)
	}

	if err := it.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

func TestIterator_BlocksUntilEvent(t *testing.T) {
	eng := newMockEngine(nil, nil)
	eng.blockUntilStop = true
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	defer pub.Close()
	it := NewIterator(q, pub)

	got := make(chan ChangeEvent, 1)
	go func() {
		ev, err := it.Next(context.Background())
		if err != nil {
			return
		}
		got <- ev
	}()

	select {
	case ev := <-got:
		t.Fatalf("Next returned %v with nothing queued", ev)
	case <-time.After(50 * time.Millisecond):
	}

	q.TryEnqueue(makeEvent("srv.db.t", "k", "v"))

	select {
	case ev := <-got:
		if string(ev.Value) != "v" {
			t.Errorf("expected v, got %s", ev.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not observe the enqueued event")
	}
}

func TestIterator_ContextCancellation(t *testing.T) {
	eng := newMockEngine(nil, nil)
	eng.blockUntilStop = true
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	defer pub.Close()
	it := NewIterator(q, pub)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := it.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestIterator_StreamDoneAfterStop(t *testing.T) {
	eng := newMockEngine([]ChangeEvent{makeEvent("srv.db.t", "k", "v")}, nil)
	eng.blockUntilStop = true
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	it := NewIterator(q, pub)

	ctx := context.Background()
	if ev, err := it.Next(ctx); err != nil || string(ev.Value) != "v" {
		t.Fatalf("expected queued event v, got %v %v", ev, err)
	}

	// Stop the engine; the stream should end for the consumer
	if err := eng.RequestStop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	waitFor(t, 2*time.Second, pub.Finished, "engine to finish")

	if _, err := it.Next(ctx); !errors.Is(err, ErrStreamDone) {
		t.Errorf("expected ErrStreamDone, got %v", err)
	}

	if err := it.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

func TestIterator_CloseReportsTerminalError(t *testing.T) {
	engineErr := errors.New("snapshot interrupted")
	eng := newMockEngine([]ChangeEvent{makeEvent("srv.db.t", "k", "v")}, engineErr)
	q := mustQueue(t, 10)
	pub := startPublisher(t, eng, q)
	it := NewIterator(q, pub)

	ctx := context.Background()
	for {
		_, err := it.Next(ctx)
		if errors.Is(err, ErrStreamDone) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected iteration error: %v", err)
		}
	}

	if err := it.Close(); !errors.Is(err, engineErr) {
		t.Errorf("expected close to wrap the terminal error, got %v", err)
	}
}
