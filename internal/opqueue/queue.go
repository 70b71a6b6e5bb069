package opqueue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Queue-level operation errors.
var (
	ErrQueueFull = errors.New("queue full")
	ErrTimeout   = errors.New("timeout")
	ErrCancelled = errors.New("cancelled")
	ErrClosed    = errors.New("queue closed")
)

// DefaultDepthLimit bounds the number of queued-but-not-dispatched
// operations per device.
const DefaultDepthLimit = 32

// DispatchFunc hands a dispatched operation to the radio. It is invoked
// outside the queue lock, so a synchronous completion from inside the
// dispatch callback cannot deadlock.
type DispatchFunc func(*Operation)

// TimeoutFunc is notified after an in-flight operation expired and its slot
// was freed. Invoked outside the queue lock.
type TimeoutFunc func(*Operation)

// Queue is the per-device FIFO of pending GATT operations. It enforces the
// serialization invariant: exactly one operation is dispatched to the radio
// at a time. Each dispatched operation is armed with a timeout; on expiry it
// completes with ErrTimeout, the slot is freed and the next operation is
// dispatched without caller intervention.
type Queue struct {
	mu       sync.Mutex
	pending  *orderedmap.OrderedMap[uint64, *Operation]
	inflight *Operation
	timer    *clock.Timer
	closed   bool

	limit     int
	clk       clock.Clock
	dispatch  DispatchFunc
	onTimeout TimeoutFunc
	logger    *logrus.Logger

	seq atomic.Uint64
}

// New creates a Queue. dispatch is required; onTimeout may be nil. A
// non-positive limit falls back to DefaultDepthLimit, a nil clk to the real
// clock.
func New(limit int, clk clock.Clock, dispatch DispatchFunc, onTimeout TimeoutFunc, logger *logrus.Logger) *Queue {
	if limit <= 0 {
		limit = DefaultDepthLimit
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		pending:   orderedmap.New[uint64, *Operation](),
		limit:     limit,
		clk:       clk,
		dispatch:  dispatch,
		onTimeout: onTimeout,
		logger:    logger,
	}
}

// NewOperation allocates an operation with the next sequence number and its
// completion channel. The operation is not queued until Enqueue.
func (q *Queue) NewOperation(kind Kind, timeout time.Duration) *Operation {
	return &Operation{
		ID:         q.seq.Add(1),
		Kind:       kind,
		Timeout:    timeout,
		EnqueuedAt: q.clk.Now(),
		done:       make(chan Result, 1),
	}
}

// Enqueue appends op and returns its completion handle. Fails immediately
// with ErrQueueFull when the depth bound is exceeded rather than growing
// unbounded.
func (q *Queue) Enqueue(op *Operation) (*Handle, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if q.pending.Len() >= q.limit {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: depth limit %d reached", ErrQueueFull, q.limit)
	}
	q.pending.Set(op.ID, op)
	q.mu.Unlock()

	q.pump()
	return &Handle{op: op}, nil
}

// InFlight returns the currently dispatched operation, or nil.
func (q *Queue) InFlight() *Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Depth returns the number of queued-but-not-dispatched operations.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Complete resolves the in-flight operation identified by id. Returns the
// operation and true when it was applied, or nil and false when no matching
// operation is in flight - a stale completion that the caller must discard.
func (q *Queue) Complete(id uint64, res Result) (*Operation, bool) {
	q.mu.Lock()
	op := q.inflight
	if op == nil || op.ID != id {
		q.mu.Unlock()
		return nil, false
	}
	q.clearInflightLocked()
	q.mu.Unlock()

	op.finish(res)
	q.pump()
	return op, true
}

// CompleteInFlight resolves the in-flight operation only if its kind
// matches. Used for radio events that carry no operation id (connect result,
// discovery result, MTU change).
func (q *Queue) CompleteInFlight(kind Kind, res Result) (*Operation, bool) {
	q.mu.Lock()
	op := q.inflight
	if op == nil || op.Kind != kind {
		q.mu.Unlock()
		return nil, false
	}
	q.clearInflightLocked()
	q.mu.Unlock()

	op.finish(res)
	q.pump()
	return op, true
}

// FinishInFlight completes the in-flight operation of the given kind
// without dispatching the next one. Used during teardown where the remaining
// entries are about to be cancelled anyway.
func (q *Queue) FinishInFlight(kind Kind, res Result) bool {
	q.mu.Lock()
	op := q.inflight
	if op == nil || op.Kind != kind {
		q.mu.Unlock()
		return false
	}
	q.clearInflightLocked()
	q.mu.Unlock()

	op.finish(res)
	return true
}

// CancelAll drains the queue, completing every pending entry and the
// in-flight operation with reason (wrapped in ErrCancelled when it isn't
// already). Used on forced disconnect and device removal.
func (q *Queue) CancelAll(reason error) {
	if reason == nil {
		reason = ErrCancelled
	}

	q.mu.Lock()
	var drained []*Operation
	if q.inflight != nil {
		drained = append(drained, q.inflight)
		q.clearInflightLocked()
	}
	for pair := q.pending.Oldest(); pair != nil; pair = pair.Next() {
		drained = append(drained, pair.Value)
	}
	q.pending = orderedmap.New[uint64, *Operation]()
	q.mu.Unlock()

	for _, op := range drained {
		op.finish(Result{Err: reason})
	}
}

// Close cancels everything and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.CancelAll(ErrClosed)
}

// pump dispatches the oldest pending operation when no operation is in
// flight. The dispatch callback runs outside the lock.
func (q *Queue) pump() {
	q.mu.Lock()
	if q.closed || q.inflight != nil {
		q.mu.Unlock()
		return
	}
	pair := q.pending.Oldest()
	if pair == nil {
		q.mu.Unlock()
		return
	}
	op := pair.Value
	q.pending.Delete(op.ID)
	q.inflight = op
	op.DispatchedAt = q.clk.Now()
	if op.Timeout > 0 {
		id := op.ID
		q.timer = q.clk.AfterFunc(op.Timeout, func() { q.expire(id) })
	}
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"op_id": op.ID,
		"kind":  op.Kind.String(),
	}).Debug("Dispatching operation")
	q.dispatch(op)
}

// expire fires when an in-flight operation's timeout elapses. A completion
// racing the timer resolves to whichever is applied first; the loser is a
// no-op.
func (q *Queue) expire(id uint64) {
	q.mu.Lock()
	op := q.inflight
	if op == nil || op.ID != id {
		q.mu.Unlock()
		return
	}
	q.clearInflightLocked()
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"op_id":   op.ID,
		"kind":    op.Kind.String(),
		"timeout": op.Timeout,
	}).Warn("Operation timed out")

	op.finish(Result{Err: fmt.Errorf("%w: %s after %s", ErrTimeout, op.Kind, op.Timeout)})
	if q.onTimeout != nil {
		q.onTimeout(op)
	}
	q.pump()
}

// clearInflightLocked frees the in-flight slot and disarms its timer.
// Caller must hold q.mu.
func (q *Queue) clearInflightLocked() {
	q.inflight = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
