// Package opqueue implements the per-device GATT operation queue: a FIFO of
// pending operations with at-most-one-in-flight dispatch and per-operation
// timeout enforcement.
package opqueue

import (
	"context"
	"sync"
	"time"

	"github.com/srg/blecon/internal/gatt"
)

// Kind tags the operation variant.
type Kind int

const (
	KindConnect Kind = iota
	KindDisconnect
	KindDiscoverServices
	KindRead
	KindWrite
	KindSubscribe
	KindUnsubscribe
	KindRequestMTU
	KindRequestPHY
)

var kindNames = map[Kind]string{
	KindConnect:          "connect",
	KindDisconnect:       "disconnect",
	KindDiscoverServices: "discover_services",
	KindRead:             "read",
	KindWrite:            "write",
	KindSubscribe:        "subscribe",
	KindUnsubscribe:      "unsubscribe",
	KindRequestMTU:       "request_mtu",
	KindRequestPHY:       "request_phy",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Result is delivered to the completion handle when an operation finishes.
// Exactly one of the outcome fields is meaningful depending on the kind.
type Result struct {
	Value []byte // read result
	MTU   int    // negotiated MTU for request_mtu
	Err   error  // nil on success
}

// Operation is a queued GATT operation. It is owned by the Queue from
// enqueue until completion or timeout and is never mutated after enqueue;
// results are delivered through the handle, not written back.
//
// Chunks/NextChunk carry the write pipeline's chunking plan. They are set
// once at dispatch time by the engine and advanced only inside the device's
// serialization domain.
type Operation struct {
	ID      uint64
	Kind    Kind
	Attr    gatt.AttrRef
	Payload []byte
	Mode    gatt.WriteMode
	MTU     int
	PHY     gatt.PHYOptions
	Timeout time.Duration

	EnqueuedAt   time.Time
	DispatchedAt time.Time

	// Write pipeline state (engine-owned).
	Chunks       [][]byte
	NextChunk    int
	AwaitingSend bool

	once sync.Once
	done chan Result
}

// finish resolves the completion promise exactly once. Concurrent resolvers
// (completion vs timeout vs cancellation) race safely: the loser is a no-op.
func (o *Operation) finish(res Result) {
	o.once.Do(func() {
		o.done <- res
		close(o.done)
	})
}

// Handle is the caller-facing completion promise for an enqueued operation.
type Handle struct {
	op *Operation
}

// ID returns the operation's monotonic sequence number.
func (h *Handle) ID() uint64 { return h.op.ID }

// Kind returns the operation kind.
func (h *Handle) Kind() Kind { return h.op.Kind }

// Done returns a channel that receives the Result exactly once and is then
// closed.
func (h *Handle) Done() <-chan Result { return h.op.done }

// Await blocks until the operation completes or ctx is cancelled.
func (h *Handle) Await(ctx context.Context) (Result, error) {
	select {
	case res := <-h.op.done:
		return res, res.Err
	case <-ctx.Done():
		return Result{Err: ctx.Err()}, ctx.Err()
	}
}

// resolvedHandle returns a handle that is already completed with res. Used
// for requests that are satisfied without touching the radio (for example a
// subscription intent recorded while disconnected).
func resolvedHandle(res Result) *Handle {
	op := &Operation{done: make(chan Result, 1)}
	op.finish(res)
	return &Handle{op: op}
}

// Resolved exposes resolvedHandle for the engine.
func Resolved(res Result) *Handle { return resolvedHandle(res) }
