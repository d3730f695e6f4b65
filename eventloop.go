// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"sync"
	"time"
)

// EventLoop is a message queue owned by a single consumer goroutine.
//
// Any goroutine may [*EventLoop.Post] messages. Only the owner should call
// [*EventLoop.ProcessMessages], which runs the messages on the owner's
// goroutine. Sockets post their notifications here so that handlers never
// run concurrently with the code waiting for them.
//
// Construct using [NewEventLoop].
type EventLoop struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// queue contains the pending messages.
	queue ring[func()]

	// wakeup is signalled when a message is posted.
	wakeup chan struct{}
}

// NewEventLoop creates a new [*EventLoop].
func NewEventLoop() *EventLoop {
	return &EventLoop{
		mu:     sync.Mutex{},
		queue:  ring[func()]{},
		wakeup: make(chan struct{}, 1),
	}
}

// Post enqueues fn to run at the next [*EventLoop.ProcessMessages].
func (el *EventLoop) Post(fn func()) {
	el.mu.Lock()
	el.queue.PushBack(fn)
	el.mu.Unlock()
	select {
	case el.wakeup <- struct{}{}:
	default:
	}
}

// Pending returns the number of messages waiting to run.
func (el *EventLoop) Pending() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.queue.Len()
}

// ProcessMessages runs messages until timeout elapses.
//
// A zero or negative timeout runs the messages already pending and
// returns without waiting. It returns the number of messages run.
func (el *EventLoop) ProcessMessages(timeout time.Duration) int {
	count := el.runPending()
	if timeout <= 0 {
		return count
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-el.wakeup:
			count += el.runPending()
		case <-timer.C:
			return count + el.runPending()
		}
	}
}

// runPending runs the messages pending when the call starts.
func (el *EventLoop) runPending() (count int) {
	el.mu.Lock()
	limit := el.queue.Len()
	el.mu.Unlock()
	for ; count < limit; count++ {
		el.mu.Lock()
		fn, ok := el.queue.PopFront()
		el.mu.Unlock()
		if !ok {
			break
		}
		fn() // run without holding the lock
	}
	return
}
