// Package capture keeps speech recognition running continuously and turns
// the recognizer's event stream into user utterances and barge-in signals.
//
// A speech recognizer stops on its own after silence, errors or service
// limits. The [Controller] restarts it after every end so the microphone is
// effectively always on, backs off linearly after errors and gives up once a
// ceiling of consecutive errors is reached.
//
// Recognizers re-deliver their complete result array on every event. The
// Controller keeps a cursor into that array so each final result is delivered
// exactly once.
//
// The Controller is confined to an [eventloop.Loop]. All methods except
// [Controller.Close] must be called from the loop goroutine, and callbacks run
// there synchronously. Recognizer Start and Stop calls are issued in order on
// a separate control goroutine, so a slow network dial never stalls the loop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/eventloop"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// ErrTooManyErrors is reported through [Callbacks.OnFatal] when the ceiling
// of consecutive recognizer errors is reached.
var ErrTooManyErrors = errors.New("capture: too many consecutive recognizer errors")

// ErrContextDone is reported through [Callbacks.OnFatal] when the context
// passed to [Controller.Start] is done. It wraps the context's cause.
var ErrContextDone = errors.New("capture: session context done")

const (
	// DefaultRestartDelay is the pause before restarting a recognizer that
	// ended normally.
	DefaultRestartDelay = 500 * time.Millisecond

	// DefaultMaxErrors is the number of consecutive counted errors that ends
	// continuous mode.
	DefaultMaxErrors = 3

	// DefaultBackoffStep is multiplied by the error count to get the restart
	// delay after an error.
	DefaultBackoffStep = time.Second

	// DefaultMaxBackoff caps the restart delay after an error.
	DefaultMaxBackoff = 5 * time.Second
)

// Mode is the outer operating mode requested by the owner.
type Mode int

const (
	ModeOff Mode = iota
	ModeContinuous
)

func (m Mode) String() string {
	if m == ModeContinuous {
		return "continuous"
	}
	return "off"
}

// Phase is the state of the current recognizer run.
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseListening
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseListening:
		return "listening"
	default:
		return "stopped"
	}
}

// Callbacks connects the Controller to its owner. Every field is optional.
type Callbacks struct {
	// Speaking reports whether synthesized speech is currently playing. Speech
	// heard while it returns true is a barge-in.
	Speaking func() bool

	// OnSpeechStart is called once per utterance when the user starts
	// speaking outside of playback.
	OnSpeechStart func()

	// OnBargeIn is called with the text heard so far when the user speaks
	// during playback.
	OnBargeIn func(text string)

	// OnUtterance is called with the text of each completed utterance.
	OnUtterance func(text string)

	// OnFatal is called when continuous mode is abandoned, either after an
	// unrecoverable error or because the Start context is done. The
	// Controller is stopped when it runs.
	OnFatal func(err error)
}

// Snapshot is the observable capture session state.
type Snapshot struct {
	Mode           Mode
	Phase          Phase
	Cursor         int
	ErrorCount     int
	RestartPending bool
}

// Option configures a [Controller].
type Option func(*Controller)

// WithRestartDelay sets the delay before restarting after a normal end.
func WithRestartDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.restartDelay = d
		}
	}
}

// WithMaxErrors sets the ceiling of consecutive counted errors.
func WithMaxErrors(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxErrors = n
		}
	}
}

// WithBackoff sets the linear backoff step and its cap.
func WithBackoff(step, maxDelay time.Duration) Option {
	return func(c *Controller) {
		if step > 0 {
			c.backoffStep = step
		}
		if maxDelay > 0 {
			c.maxBackoff = maxDelay
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller runs a recognizer in continuous mode. Create it with [New].
type Controller struct {
	loop    *eventloop.Loop
	ctl     *eventloop.Loop
	rec     stt.Recognizer
	cb      Callbacks
	timer   *eventloop.Timer
	metrics *observe.Metrics

	restartDelay time.Duration
	maxErrors    int
	backoffStep  time.Duration
	maxBackoff   time.Duration

	ctx         context.Context
	mode        Mode
	phase       Phase
	cursor      int
	errorCount  int
	inUtterance bool

	// run identifies the current recognizer run. Events tagged with an older
	// run are ignored.
	run uint64
}

// New creates a stopped Controller for rec.
func New(loop *eventloop.Loop, clock eventloop.Clock, rec stt.Recognizer, cb Callbacks, opts ...Option) *Controller {
	c := &Controller{
		loop:         loop,
		ctl:          eventloop.New("capture-control"),
		rec:          rec,
		cb:           cb,
		timer:        eventloop.NewTimer(loop, clock),
		restartDelay: DefaultRestartDelay,
		maxErrors:    DefaultMaxErrors,
		backoffStep:  DefaultBackoffStep,
		maxBackoff:   DefaultMaxBackoff,
		ctx:          context.Background(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Start enters continuous mode and starts the recognizer. It is a no-op when
// continuous mode is already on. ctx bounds every recognizer run started
// until [Controller.Stop].
func (c *Controller) Start(ctx context.Context) {
	if c.mode == ModeContinuous {
		return
	}
	c.ctx = ctx
	c.mode = ModeContinuous
	c.cursor = 0
	c.errorCount = 0
	c.inUtterance = false
	slog.Info("capture: continuous mode started")
	c.startRecognizer()
}

// Stop leaves continuous mode, cancels a pending restart and stops the
// recognizer. It is idempotent.
func (c *Controller) Stop() {
	c.timer.Stop()
	if c.mode == ModeOff && c.phase == PhaseStopped {
		return
	}
	c.mode = ModeOff
	c.halt()
	slog.Info("capture: continuous mode stopped")
}

// Close stops the control goroutine after all queued recognizer calls have
// completed. Call it after [Controller.Stop], from outside the loop.
func (c *Controller) Close() {
	_ = c.ctl.Do(func() {})
	c.ctl.Close()
}

// Active reports whether continuous mode is on.
func (c *Controller) Active() bool {
	return c.mode == ModeContinuous
}

// Snapshot returns the current capture state.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		Mode:           c.mode,
		Phase:          c.phase,
		Cursor:         c.cursor,
		ErrorCount:     c.errorCount,
		RestartPending: c.timer.Pending(),
	}
}

// startRecognizer begins a new run. A run that has not ended yet is stopped
// first; the control goroutine keeps the two calls in order.
func (c *Controller) startRecognizer() {
	if c.phase != PhaseStopped {
		c.halt()
	}
	c.run++
	run := c.run
	c.cursor = 0
	c.phase = PhaseStarting

	ev := stt.Events{
		OnStart: func() { c.post(run, c.onStart) },
		OnResult: func(results []stt.Result) {
			rs := slices.Clone(results)
			c.post(run, func() { c.onResult(rs) })
		},
		OnError: func(err *stt.Error) { c.post(run, func() { c.onError(err) }) },
		OnEnd:   func() { c.post(run, c.onEnd) },
	}
	ctx := c.ctx
	c.ctl.Post(func() {
		err := c.rec.Start(ctx, ev)
		c.loop.Post(func() { c.started(run, err) })
	})
}

// halt invalidates the current run and stops the recognizer if it may be
// running.
func (c *Controller) halt() {
	c.run++
	if c.phase != PhaseStopped {
		c.ctl.Post(func() {
			if err := c.rec.Stop(); err != nil {
				slog.Warn("capture: failed to stop recognizer", "err", err)
			}
		})
	}
	c.phase = PhaseStopped
	c.inUtterance = false
}

// post delivers a recognizer event to the loop unless its run is stale.
func (c *Controller) post(run uint64, fn func()) {
	c.loop.Post(func() {
		if run != c.run || c.mode != ModeContinuous {
			return
		}
		fn()
	})
}

func (c *Controller) started(run uint64, err error) {
	if run != c.run || c.mode != ModeContinuous {
		return
	}
	if err == nil {
		if c.phase == PhaseStarting {
			c.phase = PhaseListening
		}
		return
	}

	// A failed start delivers no events, so no end will follow.
	c.phase = PhaseStopped
	kind := stt.KindOf(err)
	c.metrics.RecordCaptureError(c.ctx, string(kind))
	if kind.Benign() {
		c.scheduleRestart(c.restartDelay, "error")
		return
	}
	c.handleError(kind, err)
}

func (c *Controller) onStart() {
	c.phase = PhaseListening
	slog.Debug("capture: recognizer listening", "run", c.run)
}

func (c *Controller) onResult(results []stt.Result) {
	if c.cursor > len(results) {
		// Only a misbehaving recognizer shrinks its array within a run.
		slog.Warn("capture: result array shrank", "cursor", c.cursor, "results", len(results))
		return
	}

	var final []string
	i := c.cursor
	for ; i < len(results) && results[i].IsFinal; i++ {
		if t := strings.TrimSpace(results[i].Transcript); t != "" {
			final = append(final, t)
		}
	}
	c.cursor = i

	var interim []string
	for _, r := range results[i:] {
		if t := strings.TrimSpace(r.Transcript); !r.IsFinal && t != "" {
			interim = append(interim, t)
		}
	}

	heard := strings.Join(append(slices.Clone(final), interim...), " ")
	if heard != "" {
		switch {
		case c.cb.Speaking != nil && c.cb.Speaking():
			slog.Debug("capture: barge-in", "text", heard)
			c.inUtterance = true
			if c.cb.OnBargeIn != nil {
				c.cb.OnBargeIn(heard)
			}
		case !c.inUtterance:
			c.inUtterance = true
			if c.cb.OnSpeechStart != nil {
				c.cb.OnSpeechStart()
			}
		}
	}

	if len(final) == 0 {
		return
	}
	text := strings.Join(final, " ")
	c.errorCount = 0
	c.inUtterance = len(interim) > 0
	c.metrics.Utterances.Add(c.ctx, 1)
	slog.Debug("capture: utterance", "text", text, "cursor", c.cursor)
	if c.cb.OnUtterance != nil {
		c.cb.OnUtterance(text)
	}
}

func (c *Controller) onError(err *stt.Error) {
	c.metrics.RecordCaptureError(c.ctx, string(err.Kind))
	if err.Kind.Benign() {
		slog.Debug("capture: recognizer ended without speech", "kind", err.Kind)
		return
	}
	c.handleError(err.Kind, err)
}

func (c *Controller) onEnd() {
	c.phase = PhaseStopped
	c.inUtterance = false
	if c.mode != ModeContinuous || c.timer.Pending() {
		return
	}
	c.scheduleRestart(c.restartDelay, "end")
}

// handleError applies the error policy for a counted or fatal error kind.
func (c *Controller) handleError(kind stt.ErrorKind, err error) {
	if c.sessionDone() {
		return
	}
	if kind.Fatal() {
		c.fail(fmt.Errorf("capture: recognizer unusable: %w", err))
		return
	}

	c.errorCount++
	if c.errorCount >= c.maxErrors {
		c.fail(fmt.Errorf("%w (%d): %w", ErrTooManyErrors, c.errorCount, err))
		return
	}

	delay := min(time.Duration(c.errorCount)*c.backoffStep, c.maxBackoff)
	slog.Warn("capture: recognizer error, restarting",
		"kind", kind,
		"error_count", c.errorCount,
		"delay", delay,
		"err", err,
	)
	c.scheduleRestart(delay, "error")
}

func (c *Controller) scheduleRestart(d time.Duration, cause string) {
	if c.sessionDone() {
		return
	}
	c.timer.Reset(d, func() {
		if c.mode != ModeContinuous || c.sessionDone() {
			return
		}
		c.metrics.RecordCaptureRestart(c.ctx, cause)
		slog.Debug("capture: restarting recognizer", "cause", cause)
		c.startRecognizer()
	})
}

// sessionDone leaves continuous mode once the context passed to Start is
// done, since every further run would end at once. It reports whether it did.
func (c *Controller) sessionDone() bool {
	if c.ctx.Err() == nil {
		return false
	}
	slog.Info("capture: session context done, leaving continuous mode")
	c.leave(fmt.Errorf("%w: %w", ErrContextDone, context.Cause(c.ctx)))
	return true
}

// fail abandons continuous mode and reports err.
func (c *Controller) fail(err error) {
	slog.Error("capture: continuous mode abandoned", "err", err)
	c.leave(err)
}

func (c *Controller) leave(err error) {
	c.timer.Stop()
	c.mode = ModeOff
	c.halt()
	if c.cb.OnFatal != nil {
		c.cb.OnFatal(err)
	}
}
