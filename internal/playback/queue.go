// Package playback implements the ordered audio playback queue of a voice
// session.
//
// A [Queue] owns the audio output. Every enqueued segment is synthesized right
// away on its own goroutine, so synthesis of later segments overlaps playback
// of earlier ones, but segments are always played in queue order: when the
// head segment is still being synthesized the queue waits for it instead of
// skipping ahead. A segment whose synthesis or decoding fails is dropped and
// playback moves on.
//
// The Queue is confined to an [eventloop.Loop]. All methods must be called
// from the loop goroutine; synthesis results and sink completions are posted
// back to the loop.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/eventloop"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// DefaultMaxConcurrentSynthesis bounds the synthesis requests in flight when
// [WithMaxConcurrentSynthesis] is not given.
const DefaultMaxConcurrentSynthesis = 3

// Drop reasons reported to [WithOnDrop] and recorded in metrics.
const (
	ReasonSynthesis = "synthesis"
	ReasonDecode    = "decode"
	ReasonSink      = "sink"
	ReasonInterrupt = "interrupt"
)

// Segment is one speakable unit owned by the queue.
type Segment struct {
	ID   string
	Text string

	// Audio is nil until synthesis and decoding have completed.
	Audio *audio.Buffer

	// Playing is set before the sink is asked to play the segment.
	Playing bool

	cancel context.CancelFunc
}

// State is a point-in-time summary of the queue.
type State struct {
	IsPlaying   bool
	CurrentID   string
	QueueLength int
}

// SegmentInfo describes one queued segment in a [Queue.Snapshot].
type SegmentInfo struct {
	ID      string
	Text    string
	Ready   bool
	Playing bool
}

// DropError wraps the cause of a dropped segment.
type DropError struct {
	SegmentID string
	Reason    string
	Err       error
}

func (e *DropError) Error() string {
	return fmt.Sprintf("playback: segment %s dropped (%s): %v", e.SegmentID, e.Reason, e.Err)
}

func (e *DropError) Unwrap() error { return e.Err }

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithDecoder replaces [audio.StandardDecoder].
func WithDecoder(d audio.Decoder) Option {
	return func(q *Queue) { q.decoder = d }
}

// WithMaxConcurrentSynthesis bounds the number of synthesis requests in
// flight. Values below 1 are ignored.
func WithMaxConcurrentSynthesis(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSynth = n
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithOnStart registers a callback invoked when a segment starts playing.
func WithOnStart(fn func(id, text string)) Option {
	return func(q *Queue) { q.onStart = fn }
}

// WithOnFinish registers a callback invoked when a segment played to the end.
func WithOnFinish(fn func(id string)) Option {
	return func(q *Queue) { q.onFinish = fn }
}

// WithOnDrop registers a callback invoked when a segment is dropped because
// synthesis, decoding or playback failed. err is a [*DropError]. Segments
// cleared by [Queue.Interrupt] are not reported.
func WithOnDrop(fn func(id string, err error)) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// WithOnIdle registers a callback invoked when the queue drains to empty
// after playing or dropping its last segment. It is not invoked by
// [Queue.Interrupt].
func WithOnIdle(fn func()) Option {
	return func(q *Queue) { q.onIdle = fn }
}

// Queue is the ordered playback queue. Create it with [New].
type Queue struct {
	loop    *eventloop.Loop
	synth   tts.Provider
	sink    audio.Sink
	decoder audio.Decoder
	format  audio.Format
	metrics *observe.Metrics

	maxSynth int
	sem      *semaphore.Weighted

	onStart  func(id, text string)
	onFinish func(id string)
	onDrop   func(id string, err error)
	onIdle   func()

	segments []*Segment // head first; the head is the only one that may be playing
	current  *Segment

	// token identifies the playback in progress so completions from an
	// interrupted playback are ignored.
	token uint64
}

// New creates an idle Queue that synthesizes with synth and plays on sink.
func New(loop *eventloop.Loop, synth tts.Provider, sink audio.Sink, opts ...Option) *Queue {
	q := &Queue{
		loop:     loop,
		synth:    synth,
		sink:     sink,
		decoder:  audio.StandardDecoder,
		maxSynth: DefaultMaxConcurrentSynthesis,
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	q.format = sink.Format()
	q.sem = semaphore.NewWeighted(int64(q.maxSynth))
	return q
}

// Enqueue adds a segment for text and returns its ID. Synthesis starts
// immediately. The segment is appended to the queue, or with priority placed
// directly behind the segment that is currently playing. Playback starts
// automatically when nothing is playing.
func (q *Queue) Enqueue(text string, priority bool) string {
	ctx, cancel := context.WithCancel(context.Background())
	seg := &Segment{
		ID:     uuid.NewString(),
		Text:   text,
		cancel: cancel,
	}

	if priority {
		at := 0
		if q.current != nil {
			at = 1
		}
		q.segments = append(q.segments, nil)
		copy(q.segments[at+1:], q.segments[at:])
		q.segments[at] = seg
	} else {
		q.segments = append(q.segments, seg)
	}

	q.metrics.SegmentsEnqueued.Add(ctx, 1)
	slog.Debug("playback: segment enqueued", "segment_id", seg.ID, "priority", priority, "queue_length", len(q.segments))

	go q.synthesize(ctx, seg, text)

	if q.current == nil {
		q.playNext()
	}
	return seg.ID
}

// Interrupt stops the current playback, cancels all pending synthesis and
// empties the queue. It is a no-op on an idle queue.
func (q *Queue) Interrupt() {
	if q.current == nil && len(q.segments) == 0 {
		return
	}

	q.token++
	wasPlaying := q.current != nil
	dropped := len(q.segments)
	for _, seg := range q.segments {
		seg.cancel()
		q.metrics.RecordSegmentDropped(context.Background(), ReasonInterrupt)
	}
	q.segments = nil
	q.current = nil

	if wasPlaying {
		if err := q.sink.Stop(); err != nil {
			slog.Warn("playback: failed to stop sink", "err", err)
		}
	}
	slog.Debug("playback: interrupted", "was_playing", wasPlaying, "dropped", dropped)
}

// State returns a summary of the queue. QueueLength counts the playing
// segment.
func (q *Queue) State() State {
	s := State{
		IsPlaying:   q.current != nil,
		QueueLength: len(q.segments),
	}
	if q.current != nil {
		s.CurrentID = q.current.ID
	}
	return s
}

// Snapshot lists the queued segments in playback order.
func (q *Queue) Snapshot() []SegmentInfo {
	out := make([]SegmentInfo, len(q.segments))
	for i, seg := range q.segments {
		out[i] = SegmentInfo{
			ID:      seg.ID,
			Text:    seg.Text,
			Ready:   seg.Audio != nil,
			Playing: seg.Playing,
		}
	}
	return out
}

// synthesize runs on its own goroutine and posts the outcome to the loop.
func (q *Queue) synthesize(ctx context.Context, seg *Segment, text string) {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		// Cancelled by Interrupt before a slot became free.
		return
	}
	defer q.sem.Release(1)

	ctx, span := observe.StartSegmentSpan(ctx, seg.ID)
	defer span.End()

	start := time.Now()
	buf, reason, err := q.render(ctx, text)
	q.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
	}

	q.loop.Post(func() { q.resolve(seg, buf, reason, err) })
}

func (q *Queue) render(ctx context.Context, text string) (*audio.Buffer, string, error) {
	payload, err := q.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, ReasonSynthesis, err
	}
	buf, err := q.decoder.Decode(payload, q.format)
	if err != nil {
		return nil, ReasonDecode, err
	}
	if len(buf.PCM) == 0 {
		return nil, ReasonDecode, errors.New("decoded audio is empty")
	}
	return &buf, "", nil
}

// resolve stores the synthesis outcome of seg. Results for segments that are
// no longer queued are discarded.
func (q *Queue) resolve(seg *Segment, buf *audio.Buffer, reason string, err error) {
	idx := q.indexOf(seg)
	if idx < 0 {
		return
	}
	seg.cancel()

	if err != nil {
		q.segments = append(q.segments[:idx], q.segments[idx+1:]...)
		q.drop(seg, reason, err)
	} else {
		seg.Audio = buf
	}

	if q.current == nil {
		q.playNext()
	}
}

// playNext starts the head segment if nothing is playing and the head is
// ready. A head that is still being synthesized blocks the queue until it
// resolves.
func (q *Queue) playNext() {
	if q.current != nil {
		return
	}
	for len(q.segments) > 0 {
		head := q.segments[0]
		if head.Audio == nil {
			return
		}

		head.Playing = true
		q.current = head
		q.token++
		token := q.token

		err := q.sink.Play(head.Audio.PCM, func(err error) {
			q.loop.Post(func() { q.finished(token, err) })
		})
		if err == nil {
			slog.Debug("playback: segment started", "segment_id", head.ID)
			if q.onStart != nil {
				q.onStart(head.ID, head.Text)
			}
			return
		}

		head.Playing = false
		q.current = nil
		q.segments = q.segments[1:]
		q.drop(head, ReasonSink, err)
	}

	if q.onIdle != nil {
		q.onIdle()
	}
}

// finished handles a sink completion.
func (q *Queue) finished(token uint64, err error) {
	if token != q.token || q.current == nil {
		return
	}
	seg := q.current
	q.current = nil
	if len(q.segments) > 0 && q.segments[0] == seg {
		q.segments = q.segments[1:]
	}

	switch {
	case err == nil:
		q.metrics.SegmentsPlayed.Add(context.Background(), 1)
		slog.Debug("playback: segment finished", "segment_id", seg.ID)
		if q.onFinish != nil {
			q.onFinish(seg.ID)
		}
	default:
		q.drop(seg, ReasonSink, err)
	}

	q.playNext()
}

func (q *Queue) drop(seg *Segment, reason string, err error) {
	seg.cancel()
	q.metrics.RecordSegmentDropped(context.Background(), reason)
	slog.Warn("playback: segment dropped", "segment_id", seg.ID, "reason", reason, "err", err)
	if q.onDrop != nil {
		q.onDrop(seg.ID, &DropError{SegmentID: seg.ID, Reason: reason, Err: err})
	}
}

func (q *Queue) indexOf(seg *Segment) int {
	for i, s := range q.segments {
		if s == seg {
			return i
		}
	}
	return -1
}
