package relay

import (
	"sync/atomic"
	"time"
)

// lifecycle tracks a publisher's progress through its single legal
// state sequence: running, closing, closed. The flags are written from
// the runner goroutine and the closing caller, so everything here is
// atomic or synchronized through channel closes.
//
//   - closing is claimed exactly once by the first Close caller.
//   - terminal is written at most once, strictly before finished is
//     closed, so observing finished guarantees a fully written error.
//   - closed becomes true only after the close sequence has run both
//     of its bounded waits.
type lifecycle struct {
	closing atomic.Bool
	closed  atomic.Bool

	terminal error
	finished chan struct{} // closed when the engine run has returned
	exited   chan struct{} // closed when the runner goroutine has exited

	closeErr  error
	closeDone chan struct{} // closed when the close sequence has completed
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		finished:  make(chan struct{}),
		exited:    make(chan struct{}),
		closeDone: make(chan struct{}),
	}
}

// engineDone records the engine's terminal outcome and releases every
// waiter on the finished signal. The write ordering here is what lets
// waiters read terminal without a lock.
func (l *lifecycle) engineDone(err error) {
	l.terminal = err
	close(l.finished)
}

// runnerExited marks the runner goroutine as fully terminated.
func (l *lifecycle) runnerExited() {
	close(l.exited)
}

// beginClose claims the close sequence. Only the first caller gets
// true; everyone else must wait on awaitClose.
func (l *lifecycle) beginClose() bool {
	return l.closing.CompareAndSwap(false, true)
}

func (l *lifecycle) isClosing() bool {
	return l.closing.Load()
}

// finishClose publishes the close outcome to concurrent Close callers.
func (l *lifecycle) finishClose(err error) {
	l.closeErr = err
	close(l.closeDone)
}

// awaitClose blocks until the in-flight close sequence completes and
// returns its outcome.
func (l *lifecycle) awaitClose() error {
	<-l.closeDone
	return l.closeErr
}

func (l *lifecycle) markClosed() {
	l.closed.Store(true)
}

func (l *lifecycle) isClosed() bool {
	return l.closed.Load()
}

// engineFinished reports whether the engine run has returned, without
// blocking.
func (l *lifecycle) engineFinished() bool {
	select {
	case <-l.finished:
		return true
	default:
		return false
	}
}

// terminalError returns the engine's recorded terminal error. It is
// nil while the engine is still running.
func (l *lifecycle) terminalError() error {
	select {
	case <-l.finished:
		return l.terminal
	default:
		return nil
	}
}

// waitEngineFinished waits up to bound for the engine run to return.
func (l *lifecycle) waitEngineFinished(bound time.Duration) bool {
	return waitSignal(l.finished, bound)
}

// waitRunnerExited waits up to bound for the runner goroutine to exit.
func (l *lifecycle) waitRunnerExited(bound time.Duration) bool {
	return waitSignal(l.exited, bound)
}

func waitSignal(ch <-chan struct{}, bound time.Duration) bool {
	select {
	case <-ch:
		return true
	default:
	}

	t := time.NewTimer(bound)
	defer t.Stop()

	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
