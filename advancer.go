// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import "time"

// TimeAdvancer lets time pass while a [*Harness] waits for a condition.
type TimeAdvancer interface {
	Advance(quantum time.Duration)
}

// LoopAdvancer advances real time by pumping the consumer's own [*EventLoop].
//
// We only ever pump the loop owned by the waiting goroutine: pumping a
// loop owned by another goroutine would dispatch notifications into objects
// that are not safe to use from here. A nil Loop means there is nothing to
// pump and we just sleep.
type LoopAdvancer struct {
	Loop *EventLoop
}

var _ TimeAdvancer = LoopAdvancer{}

// Advance implements [TimeAdvancer].
func (a LoopAdvancer) Advance(quantum time.Duration) {
	if a.Loop == nil {
		time.Sleep(quantum)
		return
	}
	a.Loop.ProcessMessages(quantum)
}

// SimulatedAdvancer advances time by fast-forwarding a [*SimulatedClock].
//
// Timers due within the quantum fire synchronously. Afterwards, messages
// those timers posted to Loop (if not nil) run without waiting.
type SimulatedAdvancer struct {
	Clock *SimulatedClock
	Loop  *EventLoop
}

var _ TimeAdvancer = SimulatedAdvancer{}

// Advance implements [TimeAdvancer].
func (a SimulatedAdvancer) Advance(quantum time.Duration) {
	a.Clock.AdvanceTime(quantum)
	if a.Loop != nil {
		a.Loop.ProcessMessages(0)
	}
}
