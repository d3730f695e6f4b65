// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by harnesses, sockets, and networks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc arranges for fn to be called once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a timer returned by [Clock.AfterFunc].
type Timer interface {
	// Stop prevents the timer from firing and returns whether
	// the call actually stopped the timer.
	Stop() bool
}

// RealClock is the wall clock [Clock].
type RealClock struct{}

var _ Clock = RealClock{}

// Now implements [Clock].
func (RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc implements [Clock].
func (RealClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SimulatedClock is a [Clock] that only moves when explicitly advanced.
//
// Timers scheduled with [*SimulatedClock.AfterFunc] fire synchronously, on
// the goroutine advancing the clock, in deadline order.
//
// Construct using [NewSimulatedClock].
type SimulatedClock struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// now is the current simulated time.
	now time.Time

	// seq orders timers sharing the same deadline.
	seq uint64

	// timers contains the pending timers.
	timers []*simulatedTimer
}

var _ Clock = &SimulatedClock{}

// NewSimulatedClock creates a new [*SimulatedClock] starting at the given time.
func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{now: start}
}

// Now implements [Clock].
func (c *SimulatedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements [Clock].
//
// A non-positive duration schedules fn to run at the next advance.
func (c *SimulatedClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &simulatedTimer{
		clock:    c,
		deadline: c.now.Add(max(d, 0)),
		fn:       fn,
		seq:      c.seq,
	}
	c.timers = append(c.timers, t)
	return t
}

// AdvanceTime moves the clock forward by d and fires the due timers.
func (c *SimulatedClock) AdvanceTime(d time.Duration) {
	c.SetTime(c.Now().Add(d))
}

// SetTime moves the clock to t and fires the due timers.
//
// Moving the clock backwards is ignored. Callbacks scheduling new timers
// that are already due fire within the same call.
func (c *SimulatedClock) SetTime(t time.Time) {
	for {
		timer := c.popDue(t)
		if timer == nil {
			break
		}
		timer.fn()
	}
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

// Pending returns the number of timers that have not fired yet.
func (c *SimulatedClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// popDue removes the earliest timer due at or before t and moves the
// clock to its deadline, so its callback observes the right time.
func (c *SimulatedClock) popDue(t time.Time) *simulatedTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) <= 0 {
		return nil
	}
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	timer := c.timers[0]
	if timer.deadline.After(t) {
		return nil
	}
	c.timers = c.timers[1:]
	if timer.deadline.After(c.now) {
		c.now = timer.deadline
	}
	return timer
}

// stop removes the timer from the pending list.
func (c *SimulatedClock) stop(timer *simulatedTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, candidate := range c.timers {
		if candidate == timer {
			c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
			return true
		}
	}
	return false
}

// simulatedTimer is the [Timer] returned by [*SimulatedClock.AfterFunc].
type simulatedTimer struct {
	clock    *SimulatedClock
	deadline time.Time
	fn       func()
	seq      uint64
}

// Stop implements [Timer].
func (t *simulatedTimer) Stop() bool {
	return t.clock.stop(t)
}
