// Package eventbus provides the bounded, overwrite-oldest plumbing between
// the engine's per-device serialization domains and the application
// consumer. Emitters never block: a slow consumer costs dropped events, not
// a stalled state machine.
package eventbus

import "sync/atomic"

// Ring is a bounded channel-like buffer with overwrite-oldest semantics.
// If the buffer is full, Send discards the oldest element instead of
// blocking the producer.
type Ring[T any] struct {
	ch      chan T
	metrics Metrics
}

// NewRing creates a Ring with the given capacity. Panics on capacity <= 0.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("eventbus: ring capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over it
// until Close.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts v, discarding the oldest element when the buffer is full.
// Never blocks indefinitely.
func (r *Ring[T]) Send(v T) {
	select {
	case r.ch <- v:
		r.metrics.addWritten(1)
	default:
		select {
		case <-r.ch: // drop oldest
			r.metrics.addOverwritten(1)
		default:
		}
		r.ch <- v
		r.metrics.addWritten(1)
	}
}

// TrySend inserts v only when space is available. Returns false when full.
func (r *Ring[T]) TrySend(v T) bool {
	select {
	case r.ch <- v:
		r.metrics.addWritten(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the ring is closed.
func (r *Ring[T]) Receive() (v T, ok bool) {
	v, ok = <-r.ch
	if ok {
		r.metrics.addProcessed(1)
	}
	return
}

// TryReceive attempts a non-blocking receive.
func (r *Ring[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-r.ch:
		if ok {
			r.metrics.addProcessed(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Close closes the underlying channel. Sending after Close panics.
func (r *Ring[T]) Close() { close(r.ch) }

// Metrics returns a snapshot of the ring's counters.
func (r *Ring[T]) Metrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&r.metrics.Written),
		Overwritten: atomic.LoadInt64(&r.metrics.Overwritten),
		Processed:   atomic.LoadInt64(&r.metrics.Processed),
	}
}

// Metrics tracks ring throughput with lock-free counters.
type Metrics struct {
	Written     int64
	Overwritten int64
	Processed   int64
}

func (m *Metrics) addWritten(n int)     { atomic.AddInt64(&m.Written, int64(n)) }
func (m *Metrics) addOverwritten(n int) { atomic.AddInt64(&m.Overwritten, int64(n)) }
func (m *Metrics) addProcessed(n int)   { atomic.AddInt64(&m.Processed, int64(n)) }
