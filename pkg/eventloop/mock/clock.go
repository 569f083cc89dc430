// Package mock provides a manually advanced [eventloop.Clock] for tests.
//
// Callbacks fire synchronously on the goroutine calling [Clock.Advance], in
// deadline order. Callbacks created through [eventloop.Timer] only post to
// their loop, so a test typically advances the clock and then calls
// loop.Do(func() {}) as a barrier before asserting.
package mock

import (
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/eventloop"
)

// Clock is a fake [eventloop.Clock]. The zero value starts at the Unix epoch;
// use [NewClock] to pick a start time. It is safe for concurrent use.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*timer
}

var _ eventloop.Clock = (*Clock)(nil)

type timer struct {
	clock    *Clock
	deadline time.Time
	seq      uint64
	fn       func()
	stopped  bool
	fired    bool
}

// Stop implements [eventloop.Stopper].
func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// NewClock returns a Clock reading start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now implements [eventloop.Clock].
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements [eventloop.Clock].
func (c *Clock) AfterFunc(d time.Duration, f func()) eventloop.Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{clock: c, deadline: c.now.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d and fires every callback whose
// deadline has been reached, earliest first.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		t := c.nextDueLocked(target)
		if t == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		t.fired = true
		c.now = t.deadline
		c.mu.Unlock()
		t.fn()
	}
}

// Pending returns the number of scheduled callbacks that have neither fired
// nor been stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// nextDueLocked returns the earliest live timer due at or before target and
// prunes dead timers. c.mu must be held.
func (c *Clock) nextDueLocked(target time.Time) *timer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.Slice(c.timers, func(i, j int) bool {
		if c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	if len(c.timers) == 0 || c.timers[0].deadline.After(target) {
		return nil
	}
	return c.timers[0]
}
