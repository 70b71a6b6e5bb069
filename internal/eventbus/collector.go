package eventbus

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Collector lifecycle states.
const (
	collectorNotRunning uint32 = iota
	collectorRunning
	collectorStopping
)

// MaxBufferSize guards against accidental misconfiguration of the backing
// ring buffer.
const MaxBufferSize uint32 = 1024 * 1024

// Collector drains a source channel into an overlapped ring buffer so bursts
// of engine events survive a temporarily absent consumer. Overflow drops the
// oldest records and is accounted for in the metrics.
//
// All methods are safe for concurrent use.
type Collector[T any] struct {
	source  <-chan T
	buffer  mpmc.RichOverlappedRingBuffer[T]
	stop    chan struct{}
	done    chan struct{}
	onError func(error)
	state   uint32

	collected   atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
}

// NewCollector creates a collector reading from source. onError is invoked
// on unexpected buffer failures; nil panics on the first error.
func NewCollector[T any](source <-chan T, bufferSize uint32, onError func(error)) (*Collector[T], error) {
	if source == nil {
		return nil, fmt.Errorf("source channel cannot be nil")
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if onError == nil {
		onError = func(err error) {
			panic(fmt.Sprintf("eventbus collector: %v", err))
		}
	}
	return &Collector[T]{
		source:  source,
		buffer:  mpmc.NewOverlappedRingBuffer[T](bufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onError: onError,
	}, nil
}

// Start begins collecting. Returns an error when already running.
func (c *Collector[T]) Start() error {
	if !atomic.CompareAndSwapUint32(&c.state, collectorNotRunning, collectorRunning) {
		return fmt.Errorf("collector is already running")
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	started := make(chan struct{}, 1)
	go func() {
		started <- struct{}{}
		defer func() {
			close(c.done)
			atomic.StoreUint32(&c.state, collectorNotRunning)
		}()
		for {
			select {
			case <-c.stop:
				return
			case rec, ok := <-c.source:
				if !ok {
					return
				}
				overwrites, err := c.buffer.EnqueueM(rec)
				if err != nil {
					c.errors.Add(1)
					c.onError(fmt.Errorf("unexpected buffer enqueue error: %w", err))
					return
				}
				c.overwritten.Add(int64(overwrites))
				c.collected.Add(1)
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(time.Second):
		close(c.stop)
		<-c.done
		return fmt.Errorf("collector failed to start within 1s")
	}
}

// Stop terminates collection and waits for the goroutine to exit.
func (c *Collector[T]) Stop() error {
	if !atomic.CompareAndSwapUint32(&c.state, collectorRunning, collectorStopping) {
		if atomic.LoadUint32(&c.state) == collectorNotRunning {
			return nil
		}
	} else {
		close(c.stop)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		<-c.done
		return fmt.Errorf("stop exceeded 5s (slow shutdown)")
	}
}

// Drain passes every buffered record to fn in arrival order and returns the
// number of records consumed.
func (c *Collector[T]) Drain(fn func(T) error) (int, error) {
	n := 0
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			return n, fmt.Errorf("buffer dequeue error: %w", err)
		}
		if err := fn(rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Collected returns the number of records accepted into the buffer.
func (c *Collector[T]) Collected() int64 { return c.collected.Load() }

// Overwritten returns the number of records lost to overflow.
func (c *Collector[T]) Overwritten() int64 { return c.overwritten.Load() }
