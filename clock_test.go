// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassosimone/pkttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedClockFiresInDeadlineOrder(t *testing.T) {
	clock := pkttest.NewSimulatedClock(simulatedStart)
	var fired []string
	var firedAt []time.Duration
	record := func(name string) func() {
		return func() {
			fired = append(fired, name)
			firedAt = append(firedAt, clock.Now().Sub(simulatedStart))
		}
	}

	clock.AfterFunc(30*time.Millisecond, record("c"))
	clock.AfterFunc(10*time.Millisecond, record("a"))
	clock.AfterFunc(20*time.Millisecond, record("b1"))
	clock.AfterFunc(20*time.Millisecond, record("b2"))
	assert.Equal(t, 4, clock.Pending())

	clock.AdvanceTime(25 * time.Millisecond)
	assert.Equal(t, []string{"a", "b1", "b2"}, fired)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond,
	}, firedAt)
	assert.Equal(t, 25*time.Millisecond, clock.Now().Sub(simulatedStart))
	assert.Equal(t, 1, clock.Pending())

	clock.AdvanceTime(time.Hour)
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, fired)
	assert.Equal(t, 0, clock.Pending())
}

func TestSimulatedClockStop(t *testing.T) {
	clock := pkttest.NewSimulatedClock(simulatedStart)
	var count atomic.Int64
	timer := clock.AfterFunc(time.Second, func() { count.Add(1) })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	clock.AdvanceTime(time.Minute)
	assert.Equal(t, int64(0), count.Load())

	// stopping a timer that already fired returns false
	timer = clock.AfterFunc(time.Second, func() { count.Add(1) })
	clock.AdvanceTime(time.Second)
	assert.False(t, timer.Stop())
	assert.Equal(t, int64(1), count.Load())
}

func TestSimulatedClockNestedTimers(t *testing.T) {
	clock := pkttest.NewSimulatedClock(simulatedStart)
	var fired []time.Duration
	var tick func()
	tick = func() {
		fired = append(fired, clock.Now().Sub(simulatedStart))
		if len(fired) < 5 {
			clock.AfterFunc(10*time.Millisecond, tick)
		}
	}
	clock.AfterFunc(10*time.Millisecond, tick)

	clock.AdvanceTime(35 * time.Millisecond)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond,
	}, fired)

	clock.AdvanceTime(time.Second)
	assert.Len(t, fired, 5)
}

func TestSimulatedClockNonPositiveDuration(t *testing.T) {
	clock := pkttest.NewSimulatedClock(simulatedStart)
	var count int
	clock.AfterFunc(-time.Second, func() { count++ })
	clock.AfterFunc(0, func() { count++ })
	assert.Equal(t, 0, count)
	clock.AdvanceTime(0)
	assert.Equal(t, 2, count)
	assert.Equal(t, simulatedStart, clock.Now())
}

func TestSimulatedClockSetTimeBackwards(t *testing.T) {
	clock := pkttest.NewSimulatedClock(simulatedStart)
	clock.SetTime(simulatedStart.Add(time.Hour))
	clock.SetTime(simulatedStart)
	assert.Equal(t, simulatedStart.Add(time.Hour), clock.Now())
}

func TestRealClock(t *testing.T) {
	var clock pkttest.Clock = pkttest.RealClock{}
	done := make(chan time.Time, 1)
	t0 := clock.Now()
	clock.AfterFunc(10*time.Millisecond, func() { done <- time.Now() })
	select {
	case t1 := <-done:
		assert.GreaterOrEqual(t, t1.Sub(t0), 10*time.Millisecond)
	case <-time.After(5 * time.Second):
		require.Fail(t, "timer did not fire")
	}

	timer := clock.AfterFunc(time.Hour, func() {})
	assert.True(t, timer.Stop())
}
