// Package backoff computes retry delays for transient BLE connection
// failures: exponential growth from a base delay up to a cap, plus bounded
// random jitter.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultBase is the first retry delay (before jitter).
	DefaultBase = 500 * time.Millisecond
	// DefaultCap bounds the exponential growth.
	DefaultCap = 30 * time.Second
)

// Policy computes delay(attempt) = min(base * 2^attempt, cap) + jitter(0, base).
// A Policy is safe for concurrent use. With a fixed seed the produced delays
// are fully deterministic, which the engine tests rely on.
type Policy struct {
	base time.Duration
	cap  time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPolicy creates a Policy. Non-positive base/cap fall back to the
// defaults.
func NewPolicy(base, cap time.Duration, seed int64) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Policy{
		base: base,
		cap:  cap,
		rnd:  rand.New(rand.NewSource(seed)),
	}
}

// Delay returns the backoff delay for the given zero-based attempt count.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := p.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.cap {
			d = p.cap
			break
		}
	}
	if d > p.cap {
		d = p.cap
	}

	return d + p.jitter()
}

// Base returns the configured base delay.
func (p *Policy) Base() time.Duration {
	return p.base
}

// Cap returns the configured maximum delay (before jitter).
func (p *Policy) Cap() time.Duration {
	return p.cap
}

// jitter draws a uniform value in [0, base).
func (p *Policy) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rnd.Int63n(int64(p.base)))
}
