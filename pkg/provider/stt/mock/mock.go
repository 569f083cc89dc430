// Package mock provides a scriptable test double for the stt.Recognizer
// interface.
//
// The Recognizer never produces events on its own. Tests push events for the
// current run with Emit* methods, which call the registered handlers
// synchronously on the calling goroutine.
//
// Example:
//
//	rec := &mock.Recognizer{}
//	ctrl := capture.New(loop, clock, rec, callbacks)
//	_ = loop.Do(func() { ctrl.Start(ctx) })
//	rec.EmitResults(stt.Result{Transcript: "hello", IsFinal: true})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// StartCall records a single invocation of Start.
type StartCall struct {
	// Ctx is the context passed to Start.
	Ctx context.Context
}

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start and no run begins.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// EndOnStop delivers OnEnd for the active run when Stop is called.
	EndOnStop bool

	// StartCalls records every call to Start in order.
	StartCalls []StartCall

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	events stt.Events
	active bool
}

var _ stt.Recognizer = (*Recognizer)(nil)

// Start implements stt.Recognizer.
func (r *Recognizer) Start(ctx context.Context, ev stt.Events) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls = append(r.StartCalls, StartCall{Ctx: ctx})
	if r.StartErr != nil {
		return r.StartErr
	}
	if r.active {
		return errors.New("mock: recognizer already running")
	}
	r.events = ev
	r.active = true
	return nil
}

// Stop implements stt.Recognizer.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	r.CallCountStop++
	wasActive := r.active
	r.active = false
	ev := r.events
	err := r.StopErr
	endOnStop := r.EndOnStop
	r.mu.Unlock()

	if wasActive && endOnStop && ev.OnEnd != nil {
		ev.OnEnd()
	}
	return err
}

// Starts returns the number of Start calls so far.
func (r *Recognizer) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.StartCalls)
}

// Stops returns the number of Stop calls so far.
func (r *Recognizer) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CallCountStop
}

// Active reports whether a run is in progress.
func (r *Recognizer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// EmitStart delivers OnStart for the current run.
func (r *Recognizer) EmitStart() {
	if ev := r.current(); ev.OnStart != nil {
		ev.OnStart()
	}
}

// EmitResults delivers OnResult with the given result array.
func (r *Recognizer) EmitResults(results ...stt.Result) {
	if ev := r.current(); ev.OnResult != nil {
		ev.OnResult(results)
	}
}

// EmitError delivers OnError followed by OnEnd and marks the run inactive,
// like a recognizer whose run failed.
func (r *Recognizer) EmitError(kind stt.ErrorKind) {
	ev := r.current()
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
	if ev.OnError != nil {
		ev.OnError(stt.NewError(kind, nil))
	}
	if ev.OnEnd != nil {
		ev.OnEnd()
	}
}

// EmitEnd delivers OnEnd and marks the run inactive.
func (r *Recognizer) EmitEnd() {
	ev := r.current()
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
	if ev.OnEnd != nil {
		ev.OnEnd()
	}
}

func (r *Recognizer) current() stt.Events {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}
