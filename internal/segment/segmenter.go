// Package segment splits an incrementally arriving reply text stream into
// speakable segments.
//
// A [Segmenter] emits a segment as soon as a sentence boundary makes one
// complete, so synthesis of the first sentence can begin long before the
// reply has finished streaming. Two safety valves bound latency when the text
// does not cooperate: an overflow split for long runs without punctuation, and
// a staleness timer that flushes buffered text when the stream stalls.
//
// A Segmenter is confined to an [eventloop.Loop]; all methods must be called
// from the loop goroutine and the emit callback runs there synchronously.
package segment

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/eventloop"
)

const (
	// DefaultMinLength is the minimum length in runes of a boundary segment.
	DefaultMinLength = 5

	// DefaultOverflowThreshold is the buffer length in runes above which the
	// buffer is force-split.
	DefaultOverflowThreshold = 80

	// DefaultForceSplitAt is the length in runes of a force-split segment.
	DefaultForceSplitAt = 60

	// DefaultStaleAfter is the idle time after the last append before
	// buffered text is flushed.
	DefaultStaleAfter = 2 * time.Second

	// DefaultStaleMinLength is the minimum buffered length in runes for a
	// stale flush.
	DefaultStaleMinLength = 10

	// PrimaryBoundaries end a sentence.
	PrimaryBoundaries = ".!?。！？"

	// DefaultSecondaryBoundaries end a clause. They trade natural phrasing for
	// lower latency and can be replaced with [WithSecondaryBoundaries].
	DefaultSecondaryBoundaries = ";:,\n；：，、"
)

// closers may trail a boundary and stay with the segment it ends.
const closers = "\"')]}»”’」』）】"

// Reason tells why a segment was emitted.
type Reason string

const (
	ReasonBoundary Reason = "boundary"
	ReasonOverflow Reason = "overflow"
	ReasonStale    Reason = "stale"
	ReasonFinal    Reason = "final"
)

// Segment is one emitted unit of text.
type Segment struct {
	Text   string
	Reason Reason
}

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithMinLength sets the minimum length of a boundary segment. Shorter
// candidates are merged with the text that follows.
func WithMinLength(n int) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.minLength = n
		}
	}
}

// WithOverflow sets the overflow threshold and the force-split offset.
// Invalid combinations (splitAt outside 1..threshold) are ignored.
func WithOverflow(threshold, splitAt int) Option {
	return func(s *Segmenter) {
		if splitAt > 0 && splitAt <= threshold {
			s.overflowThreshold = threshold
			s.forceSplitAt = splitAt
		}
	}
}

// WithStaleness sets the staleness delay and the minimum buffered length for
// a stale flush.
func WithStaleness(after time.Duration, minLength int) Option {
	return func(s *Segmenter) {
		if after > 0 {
			s.staleAfter = after
		}
		if minLength > 0 {
			s.staleMinLength = minLength
		}
	}
}

// WithSecondaryBoundaries replaces the secondary boundary set. An empty string
// restricts segmentation to sentence ends.
func WithSecondaryBoundaries(chars string) Option {
	return func(s *Segmenter) { s.secondary = chars }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Segmenter) { s.metrics = m }
}

// Segmenter accumulates reply text and emits segments. Create it with [New].
type Segmenter struct {
	emit    func(Segment)
	clock   eventloop.Clock
	timer   *eventloop.Timer
	metrics *observe.Metrics

	minLength         int
	overflowThreshold int
	forceSplitAt      int
	staleAfter        time.Duration
	staleMinLength    int
	secondary         string

	buf        []rune
	lastAppend time.Time
}

// New creates an empty Segmenter that passes segments to emit.
func New(loop *eventloop.Loop, clock eventloop.Clock, emit func(Segment), opts ...Option) *Segmenter {
	s := &Segmenter{
		emit:              emit,
		clock:             clock,
		timer:             eventloop.NewTimer(loop, clock),
		minLength:         DefaultMinLength,
		overflowThreshold: DefaultOverflowThreshold,
		forceSplitAt:      DefaultForceSplitAt,
		staleAfter:        DefaultStaleAfter,
		staleMinLength:    DefaultStaleMinLength,
		secondary:         DefaultSecondaryBoundaries,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// AppendChunk adds chunk to the buffer and emits every segment it completes.
// The staleness timer is re-armed while text remains buffered.
func (s *Segmenter) AppendChunk(chunk string) {
	if chunk == "" {
		return
	}
	s.buf = append(s.buf, []rune(chunk)...)
	s.lastAppend = s.clock.Now()

	s.scan()
	for len(s.buf) > s.overflowThreshold {
		s.split()
	}

	if len(s.buf) > 0 {
		s.timer.Reset(s.staleAfter, s.flushStale)
	} else {
		s.timer.Stop()
	}
}

// FlushRemaining emits whatever is buffered as a final segment.
func (s *Segmenter) FlushRemaining() {
	s.timer.Stop()
	s.cut(len(s.buf), ReasonFinal)
}

// Reset discards the buffer and cancels the staleness timer.
func (s *Segmenter) Reset() {
	s.timer.Stop()
	s.buf = s.buf[:0]
	s.lastAppend = time.Time{}
}

// Buffered returns the text waiting for a boundary.
func (s *Segmenter) Buffered() string {
	return string(s.buf)
}

// LastAppend reports when text was last appended. It is zero after
// [Segmenter.Reset].
func (s *Segmenter) LastAppend() time.Time {
	return s.lastAppend
}

func (s *Segmenter) flushStale() {
	if len([]rune(strings.TrimSpace(string(s.buf)))) < s.staleMinLength {
		return
	}
	s.cut(len(s.buf), ReasonStale)
}

// scan emits every segment that ends at a boundary.
func (s *Segmenter) scan() {
	start := 0
	for i := 0; i < len(s.buf); i++ {
		if !s.boundaryAt(i) {
			continue
		}
		end := i + 1
		for end < len(s.buf) && (isCloser(s.buf[end]) || s.isTrailingPunct(s.buf[end])) {
			end++
		}
		text := strings.TrimSpace(string(s.buf[start:end]))
		if len([]rune(text)) < s.minLength {
			i = end - 1
			continue
		}
		s.send(text, ReasonBoundary)
		for end < len(s.buf) && unicode.IsSpace(s.buf[end]) {
			end++
		}
		start = end
		i = end - 1
	}
	if start > 0 {
		s.buf = slices.Delete(s.buf, 0, start)
	}
}

// cut emits the first n runes of the buffer.
func (s *Segmenter) cut(n int, reason Reason) {
	text := strings.TrimSpace(string(s.buf[:n]))
	s.buf = slices.Delete(s.buf, 0, n)
	if text != "" {
		s.send(text, reason)
	}
}

// split force-emits exactly forceSplitAt runes. Whitespace is only dropped
// where it would start a segment, so the emitted length stays exact.
func (s *Segmenter) split() {
	s.buf = trimLeadingSpace(s.buf)
	if len(s.buf) <= s.overflowThreshold {
		return
	}
	text := string(s.buf[:s.forceSplitAt])
	s.buf = trimLeadingSpace(slices.Delete(s.buf, 0, s.forceSplitAt))
	s.send(text, ReasonOverflow)
}

func trimLeadingSpace(buf []rune) []rune {
	i := 0
	for i < len(buf) && unicode.IsSpace(buf[i]) {
		i++
	}
	if i == 0 {
		return buf
	}
	return slices.Delete(buf, 0, i)
}

func (s *Segmenter) send(text string, reason Reason) {
	s.metrics.RecordSegmenterSegment(context.Background(), string(reason))
	s.emit(Segment{Text: text, Reason: reason})
}

// boundaryAt reports whether the rune at i ends a segment. ASCII period,
// comma and colon only count when followed by whitespace, which keeps numbers,
// times and abbreviations like "3.14" or "12:30" intact.
func (s *Segmenter) boundaryAt(i int) bool {
	r := s.buf[i]
	if !strings.ContainsRune(PrimaryBoundaries, r) && !strings.ContainsRune(s.secondary, r) {
		return false
	}
	if r != '.' && r != ',' && r != ':' {
		return true
	}
	j := i + 1
	for j < len(s.buf) && isCloser(s.buf[j]) {
		j++
	}
	return j < len(s.buf) && unicode.IsSpace(s.buf[j])
}

// isTrailingPunct reports runes that extend a boundary run such as "?!" or
// "...". Whitespace boundaries like the newline are excluded.
func (s *Segmenter) isTrailingPunct(r rune) bool {
	if unicode.IsSpace(r) {
		return false
	}
	return strings.ContainsRune(PrimaryBoundaries, r) || strings.ContainsRune(s.secondary, r)
}

func isCloser(r rune) bool {
	return strings.ContainsRune(closers, r)
}
