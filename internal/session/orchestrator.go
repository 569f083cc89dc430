// Package session binds capture, segmentation and playback into one voice
// session with a single public state machine.
//
// The [Orchestrator] owns an [eventloop.Loop] shared by its three components.
// Its public methods may be called from any goroutine; they run on the loop
// and return once the operation has taken effect. Host callbacks are delivered
// in order on a separate goroutine, so a host may call back into the
// Orchestrator from inside a callback.
//
// State machine:
//
//	OFF ──StartSession──▶ ACTIVE ──user speaks──▶ LISTENING
//	ACTIVE/LISTENING ──first reply segment──▶ SPEAKING
//	SPEAKING ──queue drained──▶ ACTIVE
//	SPEAKING ──barge-in──▶ LISTENING
//	any ──StopSession, fatal capture error or done context──▶ OFF
package session

import (
	"context"
	"log/slog"

	"github.com/MrWong99/murmur/internal/capture"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/playback"
	"github.com/MrWong99/murmur/internal/segment"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/eventloop"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// Handler receives session events. Every field is optional. Callbacks run one
// at a time, in event order, on a goroutine owned by the Orchestrator.
type Handler struct {
	// OnUserUtterance delivers each completed user utterance. The host
	// answers by streaming reply text into PushTextChunk.
	OnUserUtterance func(text string)

	// OnStateChange reports every state transition.
	OnStateChange func(state State)

	// OnFatalError reports a failure that ended the session.
	OnFatalError func(err error)

	// OnSegmentError reports a reply segment that was skipped because it
	// could not be synthesized or played. The session continues.
	OnSegmentError func(segmentID string, err error)

	// OnInterrupted reports a barge-in. The host must stop pushing the reply
	// it is streaming before returning. Chunks are rejected with
	// ErrTurnInterrupted until the next OnUserUtterance is delivered.
	OnInterrupted func()
}

// Option configures an [Orchestrator].
type Option func(*config)

type config struct {
	clock    eventloop.Clock
	handler  Handler
	metrics  *observe.Metrics
	segOpts  []segment.Option
	capOpts  []capture.Option
	playOpts []playback.Option
}

// WithClock sets the clock driving all timers. Defaults to
// [eventloop.SystemClock].
func WithClock(c eventloop.Clock) Option {
	return func(cfg *config) { cfg.clock = c }
}

// WithHandler sets the host callbacks.
func WithHandler(h Handler) Option {
	return func(cfg *config) { cfg.handler = h }
}

// WithMetrics sets the metrics recorder for the session and its components.
func WithMetrics(m *observe.Metrics) Option {
	return func(cfg *config) { cfg.metrics = m }
}

// WithSegmenterOptions passes options to the text segmenter.
func WithSegmenterOptions(opts ...segment.Option) Option {
	return func(cfg *config) { cfg.segOpts = append(cfg.segOpts, opts...) }
}

// WithCaptureOptions passes options to the capture controller.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(cfg *config) { cfg.capOpts = append(cfg.capOpts, opts...) }
}

// WithPlaybackOptions passes options to the playback queue. Event callbacks
// set here are replaced by the Orchestrator's own.
func WithPlaybackOptions(opts ...playback.Option) Option {
	return func(cfg *config) { cfg.playOpts = append(cfg.playOpts, opts...) }
}

// Orchestrator is a voice session. Create it with [New] and release it with
// [Orchestrator.Close].
type Orchestrator struct {
	loop    *eventloop.Loop
	events  *eventloop.Loop
	handler Handler
	metrics *observe.Metrics

	queue     *playback.Queue
	segmenter *segment.Segmenter
	capture   *capture.Controller

	state State

	// interrupted rejects reply text of a turn cut short by barge-in.
	interrupted bool
	// bargeIns counts barge-ins so a deferred reopen of the turn gate never
	// clears the flag of a later barge-in.
	bargeIns uint64
}

// New creates an Orchestrator in state OFF. rec is the speech recognizer,
// synth the speech synthesizer and sink the audio output; the Orchestrator
// owns all three until Close.
func New(rec stt.Recognizer, synth tts.Provider, sink audio.Sink, opts ...Option) *Orchestrator {
	cfg := &config{clock: eventloop.SystemClock{}}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}

	o := &Orchestrator{
		loop:    eventloop.New("session"),
		events:  eventloop.New("session-events"),
		handler: cfg.handler,
		metrics: cfg.metrics,
	}

	playOpts := append([]playback.Option{playback.WithMetrics(cfg.metrics)}, cfg.playOpts...)
	playOpts = append(playOpts,
		playback.WithOnIdle(o.onQueueIdle),
		playback.WithOnDrop(o.onSegmentDropped),
	)
	o.queue = playback.New(o.loop, synth, sink, playOpts...)

	segOpts := append([]segment.Option{segment.WithMetrics(cfg.metrics)}, cfg.segOpts...)
	o.segmenter = segment.New(o.loop, cfg.clock, o.onSegment, segOpts...)

	capOpts := append([]capture.Option{capture.WithMetrics(cfg.metrics)}, cfg.capOpts...)
	o.capture = capture.New(o.loop, cfg.clock, rec, capture.Callbacks{
		Speaking:      func() bool { return o.state == StateSpeaking },
		OnSpeechStart: o.onSpeechStart,
		OnBargeIn:     o.onBargeIn,
		OnUtterance:   o.onUtterance,
		OnFatal:       o.onFatal,
	}, capOpts...)

	return o
}

// StartSession starts continuous capture and enters ACTIVE. ctx bounds every
// recognizer run of the session. It returns [ErrSessionActive] unless the
// session is OFF.
func (o *Orchestrator) StartSession(ctx context.Context) error {
	return o.call(func() error {
		if o.state != StateOff {
			return ErrSessionActive
		}
		o.interrupted = false
		o.metrics.ActiveSessions.Add(ctx, 1)
		o.setState(StateActive)
		o.capture.Start(ctx)
		slog.Info("session: started")
		return nil
	})
}

// StopSession stops capture, playback and segmentation and enters OFF. It is
// a no-op when the session is already OFF.
func (o *Orchestrator) StopSession() error {
	return o.call(func() error {
		o.stop()
		return nil
	})
}

// PushTextChunk feeds reply text into the segmenter. Completed segments are
// queued for playback immediately.
func (o *Orchestrator) PushTextChunk(text string) error {
	return o.call(func() error {
		if err := o.checkTurn(); err != nil {
			return err
		}
		o.segmenter.AppendChunk(text)
		return nil
	})
}

// FinishTurn marks the end of the reply stream and flushes the remaining
// text as a final segment.
func (o *Orchestrator) FinishTurn() error {
	return o.call(func() error {
		if err := o.checkTurn(); err != nil {
			return err
		}
		o.segmenter.FlushRemaining()
		if o.state == StateListening && o.queue.State().QueueLength == 0 {
			o.setState(StateActive)
		}
		return nil
	})
}

// Reset abandons the current reply (playback and buffered text) and returns
// to ACTIVE while capture keeps running. It is a no-op when the session is
// OFF.
func (o *Orchestrator) Reset() error {
	return o.call(func() error {
		if o.state == StateOff {
			return nil
		}
		o.queue.Interrupt()
		o.segmenter.Reset()
		o.interrupted = false
		o.setState(StateActive)
		return nil
	})
}

// Status returns a summary of the session.
func (o *Orchestrator) Status() Status {
	var s Status
	_ = o.loop.Do(func() {
		q := o.queue.State()
		s = Status{
			State:       o.state,
			IsCapturing: o.capture.Active(),
			IsPlaying:   q.IsPlaying,
			QueueLength: q.QueueLength,
		}
	})
	return s
}

// Close stops the session, waits for pending host callbacks and releases the
// Orchestrator's goroutines. It must not be called from a Handler callback.
func (o *Orchestrator) Close() error {
	_ = o.loop.Do(o.stop)
	o.capture.Close()
	o.loop.Close()
	_ = o.events.Do(func() {})
	o.events.Close()
	return nil
}

func (o *Orchestrator) call(fn func() error) error {
	var err error
	if doErr := o.loop.Do(func() { err = fn() }); doErr != nil {
		return ErrClosed
	}
	return err
}

func (o *Orchestrator) checkTurn() error {
	if o.state == StateOff {
		return ErrSessionOff
	}
	if o.interrupted {
		return ErrTurnInterrupted
	}
	return nil
}

func (o *Orchestrator) stop() {
	if o.state == StateOff {
		return
	}
	o.capture.Stop()
	o.queue.Interrupt()
	o.segmenter.Reset()
	o.interrupted = false
	o.metrics.ActiveSessions.Add(context.Background(), -1)
	o.setState(StateOff)
	slog.Info("session: stopped")
}

func (o *Orchestrator) setState(s State) {
	if s == o.state {
		return
	}
	from := o.state
	o.state = s
	o.metrics.RecordTransition(context.Background(), from.String(), s.String())
	slog.Debug("session: state change", "from", from, "to", s)
	if fn := o.handler.OnStateChange; fn != nil {
		o.events.Post(func() { fn(s) })
	}
}

// onSegment receives segments from the segmenter.
func (o *Orchestrator) onSegment(seg segment.Segment) {
	if o.state == StateOff || o.interrupted {
		return
	}
	o.setState(StateSpeaking)
	o.queue.Enqueue(seg.Text, false)
}

func (o *Orchestrator) onQueueIdle() {
	if o.state == StateSpeaking {
		o.setState(StateActive)
	}
}

func (o *Orchestrator) onSegmentDropped(id string, err error) {
	if fn := o.handler.OnSegmentError; fn != nil {
		o.events.Post(func() { fn(id, err) })
	}
}

func (o *Orchestrator) onSpeechStart() {
	if o.state == StateActive {
		o.setState(StateListening)
	}
}

// onBargeIn runs in the loop task that observed the user's speech, so no
// segment of the interrupted turn can be queued after it returns.
func (o *Orchestrator) onBargeIn(text string) {
	o.queue.Interrupt()
	o.segmenter.Reset()
	o.interrupted = true
	o.bargeIns++
	o.metrics.BargeIns.Add(context.Background(), 1)
	slog.Info("session: barge-in", "heard", text)
	o.setState(StateListening)
	if fn := o.handler.OnInterrupted; fn != nil {
		o.events.Post(fn)
	}
}

// onUtterance opens a new turn. After a barge-in the gate stays closed until
// the host has seen OnInterrupted: the reopen is posted from the events
// goroutine, so it reaches the session loop after every chunk the old turn
// pushed before the host cancelled it and before any chunk of the new turn.
func (o *Orchestrator) onUtterance(text string) {
	if o.state == StateActive {
		o.setState(StateListening)
	}
	fn := o.handler.OnUserUtterance
	if !o.interrupted {
		if fn != nil {
			o.events.Post(func() { fn(text) })
		}
		return
	}

	barge := o.bargeIns
	o.events.Post(func() {
		o.loop.Post(func() {
			if o.bargeIns == barge {
				o.interrupted = false
			}
		})
		if fn != nil {
			fn(text)
		}
	})
}

func (o *Orchestrator) onFatal(err error) {
	o.stop()
	if fn := o.handler.OnFatalError; fn != nil {
		o.events.Post(func() { fn(err) })
	}
}
