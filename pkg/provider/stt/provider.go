// Package stt defines the Recognizer interface for streaming speech
// recognition backends.
//
// A recognizer run begins with Start and ends with exactly one OnEnd event.
// During a run the recognizer reports its results as a growing array: every
// OnResult call carries the complete list of results recognized so far in this
// run, where finalized entries never change and only the trailing entries may
// still be interim. Consumers track how much of the array they have already
// consumed; a new run starts with an empty array.
//
// Implementations must be safe for concurrent use. Events may be delivered on
// any goroutine but never concurrently for the same run.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// Result is one recognized phrase within a run.
type Result struct {
	// Transcript is the recognized text. It may be empty for silence.
	Transcript string

	// Confidence is the recognizer's confidence in [0, 1]; zero when unknown.
	Confidence float64

	// IsFinal reports whether the result is authoritative. Interim results may
	// still change or disappear.
	IsFinal bool
}

// ErrorKind classifies recognizer failures by how the caller should react.
type ErrorKind string

const (
	// ErrorNoSpeech means the run ended because nothing was said.
	ErrorNoSpeech ErrorKind = "no-speech"

	// ErrorAborted means the run was cancelled, usually by Stop.
	ErrorAborted ErrorKind = "aborted"

	// ErrorAudioCapture means the audio input failed.
	ErrorAudioCapture ErrorKind = "audio-capture"

	// ErrorNetwork means the connection to the recognition service failed.
	ErrorNetwork ErrorKind = "network"

	// ErrorNotAllowed means the recognizer or microphone access was refused.
	ErrorNotAllowed ErrorKind = "not-allowed"

	// ErrorUnavailable means no recognition capability exists at all.
	ErrorUnavailable ErrorKind = "unavailable"

	// ErrorUnknown covers every other failure.
	ErrorUnknown ErrorKind = "unknown"
)

// Benign reports whether the kind is part of normal operation and should not
// count as a fault.
func (k ErrorKind) Benign() bool {
	return k == ErrorNoSpeech || k == ErrorAborted
}

// Fatal reports whether retrying cannot succeed.
func (k ErrorKind) Fatal() bool {
	return k == ErrorNotAllowed || k == ErrorUnavailable
}

// Error is a classified recognizer failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError returns an [Error] of the given kind wrapping err (which may be
// nil).
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stt: recognizer error %q", e.Kind)
	}
	return fmt.Sprintf("stt: recognizer error %q: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the [ErrorKind] of err, or [ErrorUnknown] if err is not an
// [*Error].
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrorUnknown
}

// Events receives the notifications of one recognizer run. Nil handlers are
// skipped.
type Events struct {
	// OnStart is called once audio capture has begun.
	OnStart func()

	// OnResult is called with the complete result array of the run so far. The
	// slice must not be retained or modified by the handler.
	OnResult func(results []Result)

	// OnError is called when the run fails. OnEnd follows.
	OnError func(err *Error)

	// OnEnd is called exactly once when the run is over, whatever the reason.
	OnEnd func()
}

// Recognizer is the abstraction over any streaming speech recognition backend.
type Recognizer interface {
	// Start begins a new run that reports to ev. It returns an error if the
	// run cannot be started, in which case no events are delivered; the error
	// should be an [*Error] so the caller can classify it. Starting while a run
	// is active returns an error.
	Start(ctx context.Context, ev Events) error

	// Stop ends the active run. OnEnd is delivered for it. Stop is a no-op
	// when no run is active.
	Stop() error
}
