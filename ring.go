// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

// ring is a growable FIFO backed by a circular slice.
//
// The zero value is ready to use. A ring is not safe for concurrent
// use: callers must provide their own mutual exclusion.
type ring[T any] struct {
	// buf holds the elements; len(buf) is always zero or a power of two.
	buf []T

	// head is the index of the oldest element.
	head int

	// count is the number of queued elements.
	count int
}

// ringMinCapacity is the initial capacity allocated on first push.
const ringMinCapacity = 16

// Len returns the number of queued elements.
func (r *ring[T]) Len() int {
	return r.count
}

// PushBack appends value at the tail.
func (r *ring[T]) PushBack(value T) {
	if r.count == len(r.buf) {
		r.grow()
	}
	r.buf[(r.head+r.count)&(len(r.buf)-1)] = value
	r.count++
}

// PopFront removes and returns the oldest element.
func (r *ring[T]) PopFront() (T, bool) {
	var zero T
	if r.count <= 0 {
		return zero, false
	}
	value := r.buf[r.head]
	r.buf[r.head] = zero // release references held by the slot
	r.head = (r.head + 1) & (len(r.buf) - 1)
	r.count--
	return value, true
}

// Clear drops every element and returns how many were dropped.
func (r *ring[T]) Clear() int {
	count := r.count
	clear(r.buf)
	r.head, r.count = 0, 0
	return count
}

func (r *ring[T]) grow() {
	size := max(2*len(r.buf), ringMinCapacity)
	buf := make([]T, size)
	for idx := 0; idx < r.count; idx++ {
		buf[idx] = r.buf[(r.head+idx)&(len(r.buf)-1)]
	}
	r.buf, r.head = buf, 0
}
