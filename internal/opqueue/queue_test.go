package opqueue

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// dispatchRecorder collects dispatched operations in order.
type dispatchRecorder struct {
	mu  sync.Mutex
	ops []*Operation
}

func (r *dispatchRecorder) dispatch(op *Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *dispatchRecorder) dispatched() []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Operation, len(r.ops))
	copy(out, r.ops)
	return out
}

func TestQueue_SerializesDispatch(t *testing.T) {
	// GOAL: Verify at most one operation is in flight and completion of one
	// operation dispatches the next in FIFO order
	rec := &dispatchRecorder{}
	q := New(8, clock.NewMock(), rec.dispatch, nil, quietLogger())

	op1 := q.NewOperation(KindRead, 0)
	op2 := q.NewOperation(KindRead, 0)
	op3 := q.NewOperation(KindWrite, 0)

	h1, err := q.Enqueue(op1)
	require.NoError(t, err)
	_, err = q.Enqueue(op2)
	require.NoError(t, err)
	_, err = q.Enqueue(op3)
	require.NoError(t, err)

	// Only the first operation was handed to the radio
	require.Len(t, rec.dispatched(), 1)
	assert.Same(t, op1, rec.dispatched()[0])
	assert.Same(t, op1, q.InFlight())
	assert.Equal(t, 2, q.Depth())

	_, ok := q.Complete(op1.ID, Result{Value: []byte{0x01}})
	require.True(t, ok)

	res := <-h1.Done()
	assert.NoError(t, res.Err)
	assert.Equal(t, []byte{0x01}, res.Value)

	// Completion freed the slot and pulled the next FIFO entry
	require.Len(t, rec.dispatched(), 2)
	assert.Same(t, op2, rec.dispatched()[1])

	q.Complete(op2.ID, Result{})
	require.Len(t, rec.dispatched(), 3)
	assert.Same(t, op3, rec.dispatched()[2])
}

func TestQueue_DepthLimit(t *testing.T) {
	rec := &dispatchRecorder{}
	q := New(2, clock.NewMock(), rec.dispatch, nil, quietLogger())

	// First op goes in flight, next two fill the pending queue
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(q.NewOperation(KindRead, 0))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, q.Depth())

	_, err := q.Enqueue(q.NewOperation(KindRead, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)

	// A rejected enqueue leaves the queue intact
	assert.Equal(t, 2, q.Depth())
	assert.NotNil(t, q.InFlight())
}

func TestQueue_TimeoutFreesSlot(t *testing.T) {
	// GOAL: Verify an expired in-flight operation completes with ErrTimeout,
	// notifies the timeout hook and dispatches the next operation
	mock := clock.NewMock()
	rec := &dispatchRecorder{}

	var timedOut []*Operation
	var mu sync.Mutex
	onTimeout := func(op *Operation) {
		mu.Lock()
		timedOut = append(timedOut, op)
		mu.Unlock()
	}

	q := New(8, mock, rec.dispatch, onTimeout, quietLogger())

	op1 := q.NewOperation(KindConnect, 10*time.Second)
	op2 := q.NewOperation(KindRead, 5*time.Second)
	h1, err := q.Enqueue(op1)
	require.NoError(t, err)
	_, err = q.Enqueue(op2)
	require.NoError(t, err)

	mock.Add(10 * time.Second)

	res := <-h1.Done()
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrTimeout)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(timedOut) == 1 && len(rec.dispatched()) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Same(t, op1, timedOut[0])
	mu.Unlock()
	assert.Same(t, op2, rec.dispatched()[1])
}

func TestQueue_CompletionBeatsTimeout(t *testing.T) {
	// GOAL: Verify a completion applied before the timer fires wins and the
	// late timer is a no-op
	mock := clock.NewMock()
	rec := &dispatchRecorder{}
	q := New(8, mock, rec.dispatch, nil, quietLogger())

	op := q.NewOperation(KindRead, 5*time.Second)
	h, err := q.Enqueue(op)
	require.NoError(t, err)

	_, ok := q.Complete(op.ID, Result{Value: []byte("ok")})
	require.True(t, ok)

	mock.Add(10 * time.Second)

	res := <-h.Done()
	assert.NoError(t, res.Err)
	assert.Equal(t, []byte("ok"), res.Value)
}

func TestQueue_StaleCompletionDiscarded(t *testing.T) {
	rec := &dispatchRecorder{}
	q := New(8, clock.NewMock(), rec.dispatch, nil, quietLogger())

	op := q.NewOperation(KindRead, 0)
	_, err := q.Enqueue(op)
	require.NoError(t, err)

	_, ok := q.Complete(op.ID+100, Result{})
	assert.False(t, ok, "completion for unknown id must be discarded")
	assert.Same(t, op, q.InFlight(), "in-flight operation untouched by stale completion")

	_, ok = q.CompleteInFlight(KindWrite, Result{})
	assert.False(t, ok, "kind mismatch must be discarded")
	assert.Same(t, op, q.InFlight())

	_, ok = q.CompleteInFlight(KindRead, Result{})
	assert.True(t, ok)
	assert.Nil(t, q.InFlight())
}

func TestQueue_FinishInFlightDoesNotPump(t *testing.T) {
	rec := &dispatchRecorder{}
	q := New(8, clock.NewMock(), rec.dispatch, nil, quietLogger())

	op1 := q.NewOperation(KindDisconnect, 0)
	op2 := q.NewOperation(KindRead, 0)
	h1, err := q.Enqueue(op1)
	require.NoError(t, err)
	h2, err := q.Enqueue(op2)
	require.NoError(t, err)

	require.True(t, q.FinishInFlight(KindDisconnect, Result{}))
	res := <-h1.Done()
	assert.NoError(t, res.Err)

	// The pending entry stays queued until CancelAll
	require.Len(t, rec.dispatched(), 1)
	assert.Nil(t, q.InFlight())

	q.CancelAll(ErrCancelled)
	res = <-h2.Done()
	assert.ErrorIs(t, res.Err, ErrCancelled)
}

func TestQueue_CancelAll(t *testing.T) {
	rec := &dispatchRecorder{}
	q := New(8, clock.NewMock(), rec.dispatch, nil, quietLogger())

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := q.Enqueue(q.NewOperation(KindRead, 0))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	cause := errors.New("link lost")
	q.CancelAll(cause)

	for _, h := range handles {
		res := <-h.Done()
		assert.ErrorIs(t, res.Err, cause)
	}
	assert.Nil(t, q.InFlight())
	assert.Equal(t, 0, q.Depth())

	// The queue stays usable after a cancel sweep
	_, err := q.Enqueue(q.NewOperation(KindRead, 0))
	assert.NoError(t, err)
}

func TestQueue_Close(t *testing.T) {
	rec := &dispatchRecorder{}
	q := New(8, clock.NewMock(), rec.dispatch, nil, quietLogger())

	h, err := q.Enqueue(q.NewOperation(KindRead, 0))
	require.NoError(t, err)

	q.Close()

	res := <-h.Done()
	assert.ErrorIs(t, res.Err, ErrClosed)

	_, err = q.Enqueue(q.NewOperation(KindRead, 0))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandle_Await(t *testing.T) {
	h := Resolved(Result{Value: []byte("v")})

	res, err := h.Await(t.Context())
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), res.Value)
}
