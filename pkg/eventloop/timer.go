package eventloop

import "time"

// Stopper cancels a scheduled callback. Stop reports whether the call
// prevented the callback from running. *time.Timer satisfies Stopper.
type Stopper interface {
	Stop() bool
}

// Clock schedules callbacks after a delay. Production code uses [SystemClock];
// tests inject a manually advanced clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// SystemClock is the wall-clock [Clock] backed by the time package.
type SystemClock struct{}

var _ Clock = SystemClock{}

// Now implements [Clock].
func (SystemClock) Now() time.Time { return time.Now() }

// AfterFunc implements [Clock] using [time.AfterFunc].
func (SystemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Timer is a single cancellable timer whose callback runs on a [Loop].
//
// Reset always cancels the pending firing before scheduling a new one, so a
// component never has more than one outstanding firing per Timer. A firing
// that was already handed to the loop when the timer was stopped or reset is
// discarded by a generation check, so a stale callback can never run against
// state that was reset in the meantime.
//
// All methods must be called from the loop goroutine.
type Timer struct {
	loop  *Loop
	clock Clock

	gen     uint64
	pending Stopper
}

// NewTimer returns an idle Timer bound to loop and clock.
func NewTimer(loop *Loop, clock Clock) *Timer {
	return &Timer{loop: loop, clock: clock}
}

// Reset cancels any pending firing and schedules fn to run on the loop after d.
func (t *Timer) Reset(d time.Duration, fn func()) {
	t.Stop()
	gen := t.gen
	t.pending = t.clock.AfterFunc(d, func() {
		t.loop.Post(func() {
			if t.gen != gen {
				return
			}
			t.pending = nil
			fn()
		})
	})
}

// Stop cancels the pending firing, if any. It is safe to call on an idle
// Timer.
func (t *Timer) Stop() {
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// Pending reports whether a firing is scheduled and has not run yet.
func (t *Timer) Pending() bool {
	return t.pending != nil
}
