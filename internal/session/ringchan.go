package session

import "sync/atomic"

// RingChannel is a bounded channel with overwrite-oldest semantics.
// Send never blocks: when the buffer is full the oldest value is dropped.
//
//	rc := NewRingChannel[Observation](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(obs) // the last 3 survive
//	}
//	for v := range rc.C() { ... }
type RingChannel[T any] struct {
	ch          chan T
	written     atomic.Int64
	overwritten atomic.Int64
}

// NewRingChannel creates a RingChannel with the given capacity
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest value if the buffer is full.
// It reports whether a value was discarded.
func (rc *RingChannel[T]) Send(v T) bool {
	dropped := false
	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// TryReceive returns the next value without blocking
func (rc *RingChannel[T]) TryReceive() (T, bool) {
	select {
	case v := <-rc.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered values
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Written returns how many values were sent
func (rc *RingChannel[T]) Written() int64 {
	return rc.written.Load()
}

// Overwritten returns how many values were dropped unread
func (rc *RingChannel[T]) Overwritten() int64 {
	return rc.overwritten.Load()
}
