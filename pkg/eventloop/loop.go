// Package eventloop provides the serial execution model shared by the voice
// pipeline components.
//
// A [Loop] owns a single goroutine that runs posted tasks one at a time in
// post order. Components whose state is confined to a loop never need their
// own locks: every external event source (recognizer sessions, synthesis
// requests, audio device callbacks, timers) posts a closure to the loop instead
// of touching state directly.
//
// Tasks must not block. A task may post further tasks; they run after the
// current task returns. [Loop.Do] must never be called from inside a task of
// the same loop, since it waits for the loop to become free.
package eventloop

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when work is submitted to a closed [Loop].
var ErrClosed = errors.New("eventloop: loop is closed")

// Loop is a serial task executor backed by one goroutine. It is safe for
// concurrent use. The zero value is not usable; create loops with [New].
type Loop struct {
	name string

	mu     sync.Mutex
	tasks  []func()
	closed bool

	// notify wakes the run goroutine. Capacity 1, non-blocking sends.
	notify chan struct{}
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
}

// New creates a Loop and starts its goroutine. name is used in log output
// only.
func New(name string) *Loop {
	l := &Loop{
		name:   name,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post schedules fn to run on the loop goroutine and returns immediately.
// It reports false if the loop is already closed, in which case fn never runs.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop goroutine and waits for it to return. It returns
// [ErrClosed] if the loop was closed before fn could run.
//
// Do deadlocks when called from a task running on the same loop.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.exited:
		// The task may have run just before exit.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the loop. Tasks that are queued but not yet started are
// discarded. Close waits for a running task to finish and is idempotent. It
// must not be called from a task of the same loop.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		dropped := len(l.tasks)
		l.tasks = nil
		l.mu.Unlock()
		close(l.done)
		<-l.exited
		if dropped > 0 {
			slog.Debug("event loop closed with pending tasks", "loop", l.name, "dropped", dropped)
		}
	})
}

// Closed reports whether [Loop.Close] has been called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) run() {
	defer close(l.exited)
	for {
		select {
		case <-l.done:
			return
		case <-l.notify:
		}

		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.exec(fn)
		}
	}
}

// next pops the oldest task. It reports false when the queue is empty or the
// loop is closed.
func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.tasks) == 0 {
		return nil, false
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return fn, true
}

// exec runs a single task, containing panics so one faulty handler cannot take
// down every component sharing the loop.
func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event loop task panicked", "loop", l.name, "panic", r)
		}
	}()
	fn()
}
