package session_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/capture"
	"github.com/MrWong99/murmur/internal/session"
	audiomock "github.com/MrWong99/murmur/pkg/audio/mock"
	clockmock "github.com/MrWong99/murmur/pkg/eventloop/mock"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	sttmock "github.com/MrWong99/murmur/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/murmur/pkg/provider/tts/mock"
)

// events records host callbacks.
type events struct {
	mu            sync.Mutex
	states        []session.State
	utterances    []string
	fatal         []error
	segmentErrors []string
	interrupted   int
}

func (e *events) handler() session.Handler {
	return session.Handler{
		OnUserUtterance: func(text string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.utterances = append(e.utterances, text)
		},
		OnStateChange: func(s session.State) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.states = append(e.states, s)
		},
		OnFatalError: func(err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.fatal = append(e.fatal, err)
		},
		OnSegmentError: func(id string, err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.segmentErrors = append(e.segmentErrors, id)
		},
		OnInterrupted: func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.interrupted++
		},
	}
}

func (e *events) get() events {
	e.mu.Lock()
	defer e.mu.Unlock()
	return events{
		states:        slices.Clone(e.states),
		utterances:    slices.Clone(e.utterances),
		fatal:         slices.Clone(e.fatal),
		segmentErrors: slices.Clone(e.segmentErrors),
		interrupted:   e.interrupted,
	}
}

type fixture struct {
	rec   *sttmock.Recognizer
	synth *ttsmock.Provider
	sink  *audiomock.Sink
	clock *clockmock.Clock
	ev    *events
	orch  *session.Orchestrator
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	f := &fixture{
		rec:   &sttmock.Recognizer{},
		synth: &ttsmock.Provider{},
		sink:  &audiomock.Sink{},
		clock: clockmock.NewClock(time.Unix(0, 0)),
		ev:    &events{},
	}
	all := append([]session.Option{
		session.WithClock(f.clock),
		session.WithHandler(f.ev.handler()),
	}, opts...)
	f.orch = session.New(f.rec, f.synth, f.sink, all...)
	t.Cleanup(func() { _ = f.orch.Close() })
	return f
}

// start begins a session and waits for the recognizer run to be live.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.orch.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "recognizer start", func() bool { return f.rec.Starts() == 1 })
}

// settle waits until events posted by mocks so far have run on the session
// loop.
func (f *fixture) settle() {
	_ = f.orch.Status()
}

func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	f.clock.Advance(d)
	f.settle()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) waitState(t *testing.T, want session.State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return f.orch.Status().State == want })
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[session.State]string{
		session.StateOff:       "OFF",
		session.StateActive:    "ACTIVE",
		session.StateListening: "LISTENING",
		session.StateSpeaking:  "SPEAKING",
		session.State(42):      "UNKNOWN",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestOrchestrator_StartAndStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if s := f.orch.Status(); s.State != session.StateOff || s.IsCapturing {
		t.Fatalf("initial status = %+v", s)
	}
	f.start(t)

	s := f.orch.Status()
	if s.State != session.StateActive || !s.IsCapturing {
		t.Errorf("status after start = %+v, want ACTIVE and capturing", s)
	}
	if err := f.orch.StartSession(context.Background()); !errors.Is(err, session.ErrSessionActive) {
		t.Errorf("second StartSession err = %v, want ErrSessionActive", err)
	}

	if err := f.orch.StopSession(); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if err := f.orch.StopSession(); err != nil {
		t.Fatalf("second StopSession: %v", err)
	}
	s = f.orch.Status()
	if s.State != session.StateOff || s.IsCapturing || s.IsPlaying || s.QueueLength != 0 {
		t.Errorf("status after stop = %+v, want zero", s)
	}
	waitFor(t, "recognizer stop", func() bool { return f.rec.Stops() == 1 })

	waitFor(t, "state events", func() bool { return len(f.ev.get().states) == 2 })
	if got := f.ev.get().states; !slices.Equal(got, []session.State{session.StateActive, session.StateOff}) {
		t.Errorf("states = %v, want [ACTIVE OFF]", got)
	}
}

func TestOrchestrator_PushWhileOffIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.orch.PushTextChunk("Hello. "); !errors.Is(err, session.ErrSessionOff) {
		t.Errorf("PushTextChunk err = %v, want ErrSessionOff", err)
	}
	if err := f.orch.FinishTurn(); !errors.Is(err, session.ErrSessionOff) {
		t.Errorf("FinishTurn err = %v, want ErrSessionOff", err)
	}
	if err := f.orch.Reset(); err != nil {
		t.Errorf("Reset while off = %v, want nil", err)
	}
	if got := len(f.synth.Calls()); got != 0 {
		t.Errorf("synthesis calls = %d, want 0", got)
	}
}

func TestOrchestrator_FullTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	// User speaks.
	f.rec.EmitResults(stt.Result{Transcript: "what time"})
	f.waitState(t, session.StateListening)
	f.rec.EmitResults(stt.Result{Transcript: "what time is it", IsFinal: true})
	waitFor(t, "utterance", func() bool { return len(f.ev.get().utterances) == 1 })
	if got := f.ev.get().utterances[0]; got != "what time is it" {
		t.Errorf("utterance = %q", got)
	}

	// Host streams the reply.
	for _, chunk := range []string{"It is ", "noon. Enjoy ", "your lunch"} {
		if err := f.orch.PushTextChunk(chunk); err != nil {
			t.Fatalf("PushTextChunk(%q): %v", chunk, err)
		}
	}
	if s := f.orch.Status(); s.State != session.StateSpeaking {
		t.Fatalf("state = %v, want SPEAKING", s.State)
	}
	if err := f.orch.FinishTurn(); err != nil {
		t.Fatalf("FinishTurn: %v", err)
	}

	for range 2 {
		waitFor(t, "sink playback", f.sink.Playing)
		f.sink.Finish()
	}
	f.waitState(t, session.StateActive)

	if got := f.synth.Calls(); !slices.Equal(got, []string{"It is noon.", "Enjoy your lunch"}) {
		t.Errorf("synthesized = %q", got)
	}
	waitFor(t, "state events", func() bool { return len(f.ev.get().states) == 4 })
	want := []session.State{session.StateActive, session.StateListening, session.StateSpeaking, session.StateActive}
	if got := f.ev.get().states; !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestOrchestrator_BargeIn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	if err := f.orch.PushTextChunk("Let me tell you a long story. Once upon"); err != nil {
		t.Fatalf("PushTextChunk: %v", err)
	}
	waitFor(t, "sink playback", f.sink.Playing)
	if s := f.orch.Status(); s.State != session.StateSpeaking || !s.IsPlaying || s.QueueLength != 1 {
		t.Fatalf("status = %+v, want SPEAKING with one segment playing", s)
	}

	// The user interrupts with an interim result.
	f.rec.EmitResults(stt.Result{Transcript: "stop"})
	f.settle()

	s := f.orch.Status()
	if s.State != session.StateListening || s.IsPlaying || s.QueueLength != 0 {
		t.Errorf("status after barge-in = %+v, want LISTENING and empty", s)
	}
	if f.sink.Playing() || f.sink.Stops() != 1 {
		t.Errorf("sink playing=%v stops=%d, want stopped once", f.sink.Playing(), f.sink.Stops())
	}
	waitFor(t, "interrupted callback", func() bool { return f.ev.get().interrupted == 1 })

	// Nothing from the old turn surfaces: the buffered text was discarded and
	// late chunks are rejected.
	if err := f.orch.PushTextChunk(" a time. "); !errors.Is(err, session.ErrTurnInterrupted) {
		t.Errorf("PushTextChunk after barge-in err = %v, want ErrTurnInterrupted", err)
	}
	if err := f.orch.FinishTurn(); !errors.Is(err, session.ErrTurnInterrupted) {
		t.Errorf("FinishTurn after barge-in err = %v, want ErrTurnInterrupted", err)
	}
	f.advance(t, 10*time.Second)
	if got := f.synth.Calls(); len(got) != 1 {
		t.Errorf("synthesized = %q, want only the first segment", got)
	}

	// The next utterance opens a new turn.
	f.rec.EmitResults(stt.Result{Transcript: "stop please", IsFinal: true})
	waitFor(t, "utterance", func() bool { return len(f.ev.get().utterances) == 1 })
	if err := f.orch.PushTextChunk("Sure, stopping. "); err != nil {
		t.Errorf("PushTextChunk for new turn: %v", err)
	}
	if s := f.orch.Status(); s.State != session.StateSpeaking {
		t.Errorf("state = %v, want SPEAKING", s.State)
	}
}

func TestOrchestrator_FinalWhileSpeakingInterruptsFirst(t *testing.T) {
	t.Parallel()
	ev := &events{}
	h := ev.handler()
	release := make(chan struct{})
	recordInterrupt := h.OnInterrupted
	h.OnInterrupted = func() {
		<-release
		recordInterrupt()
	}
	f := newFixture(t, session.WithHandler(h))
	f.ev = ev
	var once sync.Once
	open := func() { once.Do(func() { close(release) }) }
	t.Cleanup(open)
	f.start(t)

	if err := f.orch.PushTextChunk("A reply that plays. "); err != nil {
		t.Fatalf("PushTextChunk: %v", err)
	}
	waitFor(t, "sink playback", f.sink.Playing)

	f.rec.EmitResults(stt.Result{Transcript: "no thanks", IsFinal: true})
	f.settle()

	if s := f.orch.Status(); s.State != session.StateListening || s.IsPlaying {
		t.Errorf("status = %+v, want LISTENING and silent", s)
	}

	// Until the host has handled the interruption, the old reply stays shut
	// out even though the utterance is already final.
	if err := f.orch.PushTextChunk("Old turn tail sentence. "); !errors.Is(err, session.ErrTurnInterrupted) {
		t.Errorf("PushTextChunk from old turn err = %v, want ErrTurnInterrupted", err)
	}
	if err := f.orch.FinishTurn(); !errors.Is(err, session.ErrTurnInterrupted) {
		t.Errorf("FinishTurn from old turn err = %v, want ErrTurnInterrupted", err)
	}
	if s := f.orch.Status(); s.State != session.StateListening || s.QueueLength != 0 {
		t.Errorf("status = %+v, want LISTENING and empty", s)
	}

	open()
	waitFor(t, "utterance", func() bool { return len(ev.get().utterances) == 1 })
	if got := ev.get().interrupted; got != 1 {
		t.Errorf("interrupted callbacks = %d, want 1", got)
	}
	if err := f.orch.PushTextChunk("Okay then. "); err != nil {
		t.Errorf("PushTextChunk after utterance: %v", err)
	}
	if s := f.orch.Status(); s.State != session.StateSpeaking {
		t.Errorf("state = %v, want SPEAKING", s.State)
	}
	waitFor(t, "synthesis", func() bool { return len(f.synth.Calls()) == 2 })
	if got := f.synth.Calls(); !slices.Equal(got, []string{"A reply that plays.", "Okay then."}) {
		t.Errorf("synthesized = %q", got)
	}
}

func TestOrchestrator_LateReopenKeepsLaterBargeIn(t *testing.T) {
	t.Parallel()
	ev := &events{}
	h := ev.handler()
	release := make(chan struct{})
	recordInterrupt := h.OnInterrupted
	h.OnInterrupted = func() {
		<-release
		recordInterrupt()
	}
	f := newFixture(t, session.WithHandler(h))
	f.ev = ev
	var once sync.Once
	open := func() { once.Do(func() { close(release) }) }
	t.Cleanup(open)
	f.start(t)

	if err := f.orch.PushTextChunk("First reply plays now. "); err != nil {
		t.Fatalf("PushTextChunk: %v", err)
	}
	waitFor(t, "sink playback", f.sink.Playing)
	f.rec.EmitResults(stt.Result{Transcript: "wait", IsFinal: true})
	f.settle()

	// The host resets and speaks again before its callbacks have run; the
	// user interrupts that reply too.
	if err := f.orch.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := f.orch.PushTextChunk("Second reply plays now. "); err != nil {
		t.Fatalf("PushTextChunk after Reset: %v", err)
	}
	waitFor(t, "second playback", func() bool { return len(f.synth.Calls()) == 2 && f.sink.Playing() })
	f.rec.EmitResults(stt.Result{Transcript: "wait", IsFinal: true}, stt.Result{Transcript: "no"})
	f.settle()

	open()
	waitFor(t, "both interruptions", func() bool { return ev.get().interrupted == 2 })
	waitFor(t, "utterance", func() bool { return len(ev.get().utterances) == 1 })

	if err := f.orch.PushTextChunk("More of the second reply. "); !errors.Is(err, session.ErrTurnInterrupted) {
		t.Errorf("PushTextChunk after second barge-in err = %v, want ErrTurnInterrupted", err)
	}
}

func TestOrchestrator_CancelledContextEndsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.orch.StartSession(ctx); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "recognizer start", func() bool { return f.rec.Starts() == 1 })
	f.settle()

	cancel()
	f.rec.StartErr = stt.NewError(stt.ErrorAborted, ctx.Err())
	f.rec.EmitError(stt.ErrorAborted)
	f.settle()

	if s := f.orch.Status(); s.State != session.StateOff || s.IsCapturing {
		t.Errorf("status = %+v, want OFF", s)
	}
	waitFor(t, "fatal callback", func() bool { return len(f.ev.get().fatal) == 1 })
	if err := f.ev.get().fatal[0]; !errors.Is(err, capture.ErrContextDone) {
		t.Errorf("fatal error = %v, want ErrContextDone", err)
	}
	for range 20 {
		f.advance(t, 600*time.Millisecond)
	}
	if got := f.rec.Starts(); got != 1 {
		t.Errorf("recognizer starts = %d, want 1", got)
	}
}

func TestOrchestrator_ResetKeepsCapture(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	if err := f.orch.PushTextChunk("First sentence here. And more"); err != nil {
		t.Fatalf("PushTextChunk: %v", err)
	}
	waitFor(t, "sink playback", f.sink.Playing)

	if err := f.orch.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	s := f.orch.Status()
	if s.State != session.StateActive || !s.IsCapturing || s.IsPlaying || s.QueueLength != 0 {
		t.Errorf("status after reset = %+v, want ACTIVE, capturing, silent", s)
	}
	if got := f.rec.Stops(); got != 0 {
		t.Errorf("recognizer stops = %d, want 0", got)
	}

	// The buffered remainder was discarded.
	if err := f.orch.FinishTurn(); err != nil {
		t.Fatalf("FinishTurn: %v", err)
	}
	if got := f.synth.Calls(); len(got) != 1 {
		t.Errorf("synthesized = %q, want only the first segment", got)
	}
}

func TestOrchestrator_SegmentFailureIsAbsorbed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.synth.Errors = map[string]error{"Broken sentence.": errors.New("tts down")}
	f.start(t)

	if err := f.orch.PushTextChunk("Broken sentence. Working sentence. "); err != nil {
		t.Fatalf("PushTextChunk: %v", err)
	}
	waitFor(t, "sink playback", f.sink.Playing)
	f.sink.Finish()
	f.waitState(t, session.StateActive)

	waitFor(t, "segment error", func() bool { return len(f.ev.get().segmentErrors) == 1 })
	if got := f.ev.get().fatal; len(got) != 0 {
		t.Errorf("fatal errors = %v, want none", got)
	}
	if !f.orch.Status().IsCapturing {
		t.Error("capture stopped after segment failure")
	}
}

func TestOrchestrator_ErrorCeilingEndsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	f.rec.EmitError(stt.ErrorNetwork)
	f.settle()
	f.advance(t, time.Second)
	waitFor(t, "second start", func() bool { return f.rec.Starts() == 2 })
	f.settle()

	f.rec.EmitError(stt.ErrorNetwork)
	f.settle()
	f.advance(t, 2*time.Second)
	waitFor(t, "third start", func() bool { return f.rec.Starts() == 3 })
	f.settle()

	if s := f.orch.Status(); s.State != session.StateActive {
		t.Fatalf("state after two errors = %v, want ACTIVE", s.State)
	}
	if got := f.ev.get().fatal; len(got) != 0 {
		t.Fatalf("fatal after two errors: %v", got)
	}

	f.rec.EmitError(stt.ErrorNetwork)
	f.settle()

	if s := f.orch.Status(); s.State != session.StateOff || s.IsCapturing {
		t.Errorf("status = %+v, want OFF", s)
	}
	waitFor(t, "fatal callback", func() bool { return len(f.ev.get().fatal) == 1 })
	if err := f.ev.get().fatal[0]; !errors.Is(err, capture.ErrTooManyErrors) {
		t.Errorf("fatal error = %v, want ErrTooManyErrors", err)
	}
	if err := f.orch.PushTextChunk("Hello. "); !errors.Is(err, session.ErrSessionOff) {
		t.Errorf("PushTextChunk err = %v, want ErrSessionOff", err)
	}

	// The host may start a new session explicitly.
	if err := f.orch.StartSession(context.Background()); err != nil {
		t.Errorf("StartSession after fatal: %v", err)
	}
}

func TestOrchestrator_HostMayReenterFromCallback(t *testing.T) {
	t.Parallel()
	var f *fixture
	done := make(chan error, 1)
	f = newFixture(t, session.WithHandler(session.Handler{
		OnUserUtterance: func(text string) {
			done <- f.orch.PushTextChunk("You said " + text + ". ")
		},
	}))
	f.start(t)

	f.rec.EmitResults(stt.Result{Transcript: "hello", IsFinal: true})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PushTextChunk from callback: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
	waitFor(t, "synthesis", func() bool { return len(f.synth.Calls()) == 1 })
	if got := f.synth.Calls()[0]; got != "You said hello." {
		t.Errorf("synthesized = %q", got)
	}
}

func TestOrchestrator_ClosedRejectsCalls(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	if err := f.orch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.orch.PushTextChunk("late"); !errors.Is(err, session.ErrClosed) {
		t.Errorf("PushTextChunk after Close = %v, want ErrClosed", err)
	}
	if s := f.orch.Status(); s.State != session.StateOff {
		t.Errorf("status after Close = %+v, want OFF", s)
	}
}
