// Package engine implements the BLE connection and operation management
// core: one state machine per remote device, a serialized per-device
// operation queue, bounded-retry backoff for transient connection failures,
// subscription replay after reconnection and an MTU-aware flow-controlled
// write pipeline.
//
// The engine orchestrates a platform radio binding through the gatt.Radio /
// gatt.EventSink boundary; it never implements the radio itself.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/backoff"
	"github.com/srg/blecon/internal/gatt"
	"github.com/srg/blecon/internal/opqueue"
	"github.com/srg/blecon/internal/subs"
)

// Conn is the per-device connection state machine. It owns the device's
// operation queue and subscription tracker; all state mutation happens under
// the device's own lock, so distinct devices never block on each other.
//
// Caller-facing methods are non-blocking: they return a completion handle
// and the result is delivered asynchronously.
type Conn struct {
	id string

	mu           sync.Mutex
	state        ConnectionState
	mtu          int
	attempts     int
	firstFailure time.Time
	wantDisc     bool
	retryTimer   *clock.Timer
	discovered   gatt.DiscoveryResult

	queue   *opqueue.Queue
	tracker *subs.Tracker
	policy  *backoff.Policy
	opts    Options
	clk     clock.Clock
	radio   gatt.Radio
	emit    func(Event)
	logger  *logrus.Entry
}

func newConn(id string, radio gatt.Radio, opts Options, emit func(Event)) *Conn {
	c := &Conn{
		id:      id,
		state:   StateIdle,
		tracker: subs.NewTracker(),
		policy:  backoff.NewPolicy(opts.BaseBackoff, opts.MaxBackoff, opts.BackoffSeed),
		opts:    opts,
		clk:     opts.Clock,
		radio:   radio,
		emit:    emit,
		logger:  opts.Logger.WithField("device", id),
	}
	c.queue = opqueue.New(opts.QueueDepthLimit, opts.Clock, c.dispatchOp, c.onOpTimeout, opts.Logger)
	return c
}

// ID returns the platform-stable device identifier.
func (c *Conn) ID() string { return c.id }

// State returns the current connection state.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MTU returns the last-known negotiated MTU, 0 when never negotiated.
func (c *Conn) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// Attempts returns the current retry attempt count.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Tracker exposes the subscription tracker (used by tests and diagnostics).
func (c *Conn) Tracker() *subs.Tracker { return c.tracker }

// QueueDepth returns the number of queued-but-not-dispatched operations.
func (c *Conn) QueueDepth() int { return c.queue.Depth() }

// ----------------------------
// Caller command surface
// ----------------------------

// RequestConnect starts a fresh connection attempt. Legal from Idle,
// Disconnected and Failed; fails with ErrAlreadyConnecting otherwise. A
// fresh request resets the retry budget.
func (c *Conn) RequestConnect() (*opqueue.Handle, error) {
	c.mu.Lock()
	if !c.state.connectable() {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: device is %s", ErrAlreadyConnecting, state)
	}
	c.wantDisc = false
	c.attempts = 0
	c.firstFailure = time.Time{}
	c.setStateLocked(StateConnecting)
	op := c.queue.NewOperation(opqueue.KindConnect, c.opts.Timeouts.Connect)
	c.mu.Unlock()

	handle, err := c.queue.Enqueue(op)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		return nil, err
	}
	c.emitEvent(Event{Kind: EventConnecting})
	return handle, nil
}

// RequestDisconnect tears the connection down. With force it transitions to
// Disconnected immediately and flushes the queue with Cancelled; otherwise a
// Disconnect operation is enqueued and the transition happens on the
// solicited disconnect event.
func (c *Conn) RequestDisconnect(force bool) (*opqueue.Handle, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateDisconnected, StateFailed:
		c.mu.Unlock()
		return opqueue.Resolved(opqueue.Result{}), nil
	}

	c.wantDisc = true
	c.cancelRetryLocked()

	if force || c.state == StateAwaitingRetry {
		c.setStateLocked(StateDisconnected)
		c.wantDisc = false
		c.mu.Unlock()

		c.tracker.ClearConfirmations()
		c.queue.CancelAll(opqueue.ErrCancelled)
		c.radio.Disconnect(c.id)
		c.emitEvent(Event{Kind: EventDisconnected})
		return opqueue.Resolved(opqueue.Result{}), nil
	}

	prev := c.state
	c.setStateLocked(StateDisconnecting)
	op := c.queue.NewOperation(opqueue.KindDisconnect, c.opts.Timeouts.Disconnect)
	c.mu.Unlock()

	handle, err := c.queue.Enqueue(op)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(prev)
		c.wantDisc = false
		c.mu.Unlock()
		return nil, err
	}
	return handle, nil
}

// Read enqueues a characteristic read. Requires Ready.
func (c *Conn) Read(attr gatt.AttrRef) (*opqueue.Handle, error) {
	op, err := c.newDataOp(opqueue.KindRead, attr)
	if err != nil {
		return nil, err
	}
	return c.queue.Enqueue(op)
}

// Write enqueues a characteristic write. Payloads exceeding the negotiated
// MTU minus the write overhead are transparently split into ordered chunks,
// each dispatched only after the platform signals readiness to send.
// Requires Ready.
func (c *Conn) Write(attr gatt.AttrRef, payload []byte, mode gatt.WriteMode) (*opqueue.Handle, error) {
	op, err := c.newDataOp(opqueue.KindWrite, attr)
	if err != nil {
		return nil, err
	}
	op.Payload = payload
	op.Mode = mode
	return c.queue.Enqueue(op)
}

// Subscribe records notification intent for attr. The intent survives
// disconnects; when the device is Ready a Subscribe operation is issued
// immediately, otherwise it is replayed on the next Ready transition.
func (c *Conn) Subscribe(attr gatt.AttrRef) (*opqueue.Handle, error) {
	c.tracker.Subscribe(attr)

	c.mu.Lock()
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		return opqueue.Resolved(opqueue.Result{}), nil
	}

	op := c.queue.NewOperation(opqueue.KindSubscribe, c.opts.Timeouts.Subscribe)
	op.Attr = attr
	return c.queue.Enqueue(op)
}

// Unsubscribe removes attr from the tracked set; when Ready it also issues
// an Unsubscribe operation to the radio.
func (c *Conn) Unsubscribe(attr gatt.AttrRef) (*opqueue.Handle, error) {
	tracked := c.tracker.Unsubscribe(attr)

	c.mu.Lock()
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready || !tracked {
		return opqueue.Resolved(opqueue.Result{}), nil
	}

	op := c.queue.NewOperation(opqueue.KindUnsubscribe, c.opts.Timeouts.Subscribe)
	op.Attr = attr
	return c.queue.Enqueue(op)
}

// RequestMTU enqueues an explicit MTU negotiation. Legal once connected.
func (c *Conn) RequestMTU(size int) (*opqueue.Handle, error) {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: device is %s", ErrNotReady, state)
	}
	op := c.queue.NewOperation(opqueue.KindRequestMTU, c.opts.Timeouts.RequestMTU)
	op.MTU = size
	c.mu.Unlock()
	return c.queue.Enqueue(op)
}

// RequestPHY enqueues a PHY preference request. Requires Ready.
func (c *Conn) RequestPHY(phy gatt.PHYOptions) (*opqueue.Handle, error) {
	op, err := c.newDataOp(opqueue.KindRequestPHY, gatt.AttrRef{})
	if err != nil {
		return nil, err
	}
	op.PHY = phy
	return c.queue.Enqueue(op)
}

// newDataOp guards data-plane operations behind the Ready state.
func (c *Conn) newDataOp(kind opqueue.Kind, attr gatt.AttrRef) (*opqueue.Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, fmt.Errorf("%w: %s requested while device is %s", ErrNotReady, kind, c.state)
	}
	op := c.queue.NewOperation(kind, c.opts.Timeouts.For(kind))
	op.Attr = attr
	return op, nil
}

// ----------------------------
// Queue callbacks
// ----------------------------

// dispatchOp hands a dequeued operation to the radio binding. Called by the
// queue outside any lock.
func (c *Conn) dispatchOp(op *opqueue.Operation) {
	switch op.Kind {
	case opqueue.KindConnect:
		c.radio.Connect(c.id, op.Timeout)
	case opqueue.KindDisconnect:
		c.radio.Disconnect(c.id)
	case opqueue.KindDiscoverServices:
		c.radio.DiscoverServices(c.id)
	case opqueue.KindRead:
		c.radio.Read(c.id, op.ID, op.Attr)
	case opqueue.KindWrite:
		c.mu.Lock()
		mtu := c.mtu
		if mtu == 0 {
			mtu = MinMTU
		}
		op.Chunks = chunkPayload(op.Payload, mtu, c.opts.WriteOverhead)
		op.NextChunk = 1
		chunk := op.Chunks[0]
		c.mu.Unlock()
		c.radio.WriteChunk(c.id, op.ID, op.Attr, chunk, op.Mode)
	case opqueue.KindSubscribe:
		c.radio.Subscribe(c.id, op.ID, op.Attr)
	case opqueue.KindUnsubscribe:
		c.radio.Unsubscribe(c.id, op.ID, op.Attr)
	case opqueue.KindRequestMTU:
		c.radio.RequestMTU(c.id, op.MTU)
	case opqueue.KindRequestPHY:
		// PHY preference is advisory: the platform applies it best-effort and
		// there is no completion callback, so the operation resolves on
		// dispatch.
		c.radio.RequestPHY(c.id, op.PHY)
		c.queue.Complete(op.ID, opqueue.Result{})
	}
}

// onOpTimeout reacts to an expired in-flight operation. The queue has
// already completed it with ErrTimeout and freed the slot; connection-phase
// timeouts additionally route through the backoff policy.
func (c *Conn) onOpTimeout(op *opqueue.Operation) {
	switch op.Kind {
	case opqueue.KindConnect:
		c.mu.Lock()
		stale := c.state != StateConnecting
		c.mu.Unlock()
		if stale {
			return
		}
		c.scheduleRetry(fmt.Errorf("connect %w", opqueue.ErrTimeout))
	case opqueue.KindDiscoverServices:
		c.mu.Lock()
		stale := c.state != StateDiscoveringServices
		c.mu.Unlock()
		if stale {
			return
		}
		c.scheduleRetry(fmt.Errorf("%w: discovery %v", ErrDiscoveryFailed, opqueue.ErrTimeout))
	case opqueue.KindDisconnect:
		// The radio never confirmed; drop the link state locally.
		c.mu.Lock()
		if c.state != StateDisconnecting {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateDisconnected)
		c.wantDisc = false
		c.mu.Unlock()

		c.tracker.ClearConfirmations()
		c.queue.CancelAll(opqueue.ErrCancelled)
		c.emitEvent(Event{Kind: EventDisconnected})
	default:
		// Data-plane timeout: the slot is already freed and the next
		// operation dispatched; the caller sees ErrTimeout on the handle.
	}
}

// ----------------------------
// Radio event entry points (routed by the Registry)
// ----------------------------

func (c *Conn) onConnectResult(err error) {
	c.mu.Lock()
	if c.state != StateConnecting {
		state := c.state
		c.mu.Unlock()
		c.logStale("connect_result", state)
		return
	}

	if err != nil {
		c.mu.Unlock()
		c.queue.FinishInFlight(opqueue.KindConnect, opqueue.Result{Err: err})
		c.scheduleRetry(err)
		return
	}

	c.setStateLocked(StateDiscoveringServices)
	op := c.queue.NewOperation(opqueue.KindDiscoverServices, c.opts.Timeouts.Discover)
	c.mu.Unlock()

	c.queue.CompleteInFlight(opqueue.KindConnect, opqueue.Result{})
	if _, err := c.queue.Enqueue(op); err != nil {
		c.logger.WithError(err).Error("Failed to enqueue service discovery")
	}
}

func (c *Conn) onDisconnected(status int, solicited bool) {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateDisconnected, StateFailed, StateAwaitingRetry:
		state := c.state
		c.mu.Unlock()
		c.logStale("disconnected", state)
		return
	}
	requested := solicited || c.wantDisc
	c.mu.Unlock()

	c.tracker.ClearConfirmations()

	if requested {
		c.queue.FinishInFlight(opqueue.KindDisconnect, opqueue.Result{})
		c.queue.CancelAll(opqueue.ErrCancelled)

		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.wantDisc = false
		c.mu.Unlock()
		c.emitEvent(Event{Kind: EventDisconnected, Status: status})
		return
	}

	// Unsolicited: clear in-flight entries with Cancelled, then treat as
	// transient and route through the backoff policy.
	c.queue.CancelAll(opqueue.ErrCancelled)
	c.scheduleRetry(fmt.Errorf("unsolicited disconnect (status %d)", status))
}

func (c *Conn) onServicesDiscovered(result gatt.DiscoveryResult, err error) {
	c.mu.Lock()
	if c.state != StateDiscoveringServices {
		state := c.state
		c.mu.Unlock()
		c.logStale("services_discovered", state)
		return
	}

	if err != nil {
		c.mu.Unlock()
		failure := fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
		c.queue.FinishInFlight(opqueue.KindDiscoverServices, opqueue.Result{Err: failure})
		c.scheduleRetry(failure)
		return
	}

	c.discovered = result
	c.setStateLocked(StateConnected)
	needMTU := c.mtu == 0
	preferred := c.opts.PreferredMTU
	c.mu.Unlock()

	c.queue.CompleteInFlight(opqueue.KindDiscoverServices, opqueue.Result{})

	if needMTU {
		op := c.queue.NewOperation(opqueue.KindRequestMTU, c.opts.Timeouts.RequestMTU)
		op.MTU = preferred
		if _, err := c.queue.Enqueue(op); err != nil {
			c.logger.WithError(err).Error("Failed to enqueue MTU negotiation")
		}
		return
	}
	c.enterReady()
}

func (c *Conn) onMTUChanged(size int) {
	c.mu.Lock()
	c.mtu = size
	state := c.state
	c.mu.Unlock()

	c.emitEvent(Event{Kind: EventMTUChanged, MTU: size})
	c.queue.CompleteInFlight(opqueue.KindRequestMTU, opqueue.Result{MTU: size})

	if state == StateConnected {
		c.enterReady()
	}
}

func (c *Conn) onReadCompleted(opID uint64, value []byte, err error) {
	if _, ok := c.queue.Complete(opID, opqueue.Result{Value: value, Err: err}); !ok {
		c.logStaleOp("read_completed", opID)
	}
}

// onWriteCompleted handles completion callbacks for write-shaped operations:
// write chunks and CCCD subscribe/unsubscribe writes.
func (c *Conn) onWriteCompleted(opID uint64, err error) {
	inflight := c.queue.InFlight()
	if inflight == nil || inflight.ID != opID {
		c.logStaleOp("write_completed", opID)
		return
	}

	switch inflight.Kind {
	case opqueue.KindSubscribe:
		if err == nil {
			c.tracker.MarkConfirmed(inflight.Attr)
		}
		c.queue.Complete(opID, opqueue.Result{Err: err})

	case opqueue.KindUnsubscribe:
		c.queue.Complete(opID, opqueue.Result{Err: err})

	case opqueue.KindWrite:
		c.mu.Lock()
		idx := inflight.NextChunk - 1
		done := inflight.NextChunk >= len(inflight.Chunks)
		if err == nil && !done {
			// More chunks: hold the queue slot and wait for flow control.
			inflight.AwaitingSend = true
		}
		c.mu.Unlock()

		if err != nil {
			c.queue.Complete(opID, opqueue.Result{Err: &WriteError{Chunk: idx, Cause: err}})
			return
		}
		if done {
			c.queue.Complete(opID, opqueue.Result{})
		}

	default:
		c.logStaleOp("write_completed", opID)
	}
}

// onReadyToSend dispatches the next pending write chunk once the platform's
// send buffer has drained. Never issues chunks on a timer.
func (c *Conn) onReadyToSend() {
	inflight := c.queue.InFlight()
	if inflight == nil || inflight.Kind != opqueue.KindWrite {
		return
	}

	c.mu.Lock()
	if !inflight.AwaitingSend || inflight.NextChunk >= len(inflight.Chunks) {
		c.mu.Unlock()
		return
	}
	inflight.AwaitingSend = false
	idx := inflight.NextChunk
	inflight.NextChunk++
	chunk := inflight.Chunks[idx]
	c.mu.Unlock()

	c.radio.WriteChunk(c.id, inflight.ID, inflight.Attr, chunk, inflight.Mode)
}

func (c *Conn) onCharacteristicUpdated(attr gatt.AttrRef, value []byte) {
	c.emitEvent(Event{Kind: EventNotification, Attr: attr, Value: value})
}

func (c *Conn) onServiceChanged() {
	c.mu.Lock()
	if c.state != StateReady && c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		c.logStale("service_changed", state)
		return
	}
	c.setStateLocked(StateDiscoveringServices)
	op := c.queue.NewOperation(opqueue.KindDiscoverServices, c.opts.Timeouts.Discover)
	c.mu.Unlock()

	c.tracker.ClearConfirmations()
	if _, err := c.queue.Enqueue(op); err != nil {
		c.logger.WithError(err).Error("Failed to enqueue rediscovery after service change")
	}
}

// ----------------------------
// Internal transitions
// ----------------------------

// enterReady performs the Connected -> Ready transition: resets the retry
// budget and replays every unconfirmed subscription intent exactly once for
// this connection epoch.
func (c *Conn) enterReady() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateReady)
	c.attempts = 0
	c.firstFailure = time.Time{}
	mtu := c.mtu
	c.mu.Unlock()

	c.emitEvent(Event{Kind: EventReady, MTU: mtu})

	for _, attr := range c.tracker.Pending() {
		op := c.queue.NewOperation(opqueue.KindSubscribe, c.opts.Timeouts.Subscribe)
		op.Attr = attr
		if _, err := c.queue.Enqueue(op); err != nil {
			c.logger.WithError(err).WithField("attr", attr.String()).Error("Failed to replay subscription")
		}
	}
}

// scheduleRetry routes a transient connection failure through the backoff
// policy, transitioning to AwaitingRetry or, once the attempt/elapsed budget
// is exhausted, to the terminal Failed state.
func (c *Conn) scheduleRetry(cause error) {
	c.mu.Lock()
	if c.wantDisc {
		c.setStateLocked(StateDisconnected)
		c.wantDisc = false
		c.mu.Unlock()
		c.emitEvent(Event{Kind: EventDisconnected})
		return
	}

	if errors.Is(cause, ErrPermissionDenied) || errors.Is(cause, gatt.ErrPermissionDenied) {
		c.setStateLocked(StateFailed)
		c.mu.Unlock()
		c.emitEvent(Event{Kind: EventFailed, Err: cause})
		return
	}

	if c.firstFailure.IsZero() {
		c.firstFailure = c.clk.Now()
	}
	c.attempts++
	elapsed := c.clk.Now().Sub(c.firstFailure)

	if c.attempts > c.opts.MaxRetryAttempts || elapsed > c.opts.MaxBackoffWindow {
		c.setStateLocked(StateFailed)
		attempts := c.attempts
		c.mu.Unlock()
		c.emitEvent(Event{
			Kind:    EventFailed,
			Attempt: attempts,
			Err:     fmt.Errorf("%w: giving up after %d attempts: %v", ErrRetriesExhausted, attempts, cause),
		})
		return
	}

	delay := c.policy.Delay(c.attempts - 1)
	c.setStateLocked(StateAwaitingRetry)
	c.retryTimer = c.clk.AfterFunc(delay, c.onRetryTimer)
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Info("Scheduling reconnection attempt")
	c.emitEvent(Event{Kind: EventDisconnected, Attempt: attempt, RetryIn: delay, Err: cause})
}

// onRetryTimer fires the scheduled reconnection.
func (c *Conn) onRetryTimer() {
	c.mu.Lock()
	if c.state != StateAwaitingRetry {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.setStateLocked(StateConnecting)
	op := c.queue.NewOperation(opqueue.KindConnect, c.opts.Timeouts.Connect)
	attempt := c.attempts
	c.mu.Unlock()

	c.emitEvent(Event{Kind: EventConnecting, Attempt: attempt})
	if _, err := c.queue.Enqueue(op); err != nil {
		c.logger.WithError(err).Error("Failed to enqueue reconnection attempt")
	}
}

// close tears the device down on removal from the registry.
func (c *Conn) close() {
	c.mu.Lock()
	c.cancelRetryLocked()
	active := c.state != StateIdle && c.state != StateDisconnected && c.state != StateFailed
	c.setStateLocked(StateDisconnected)
	c.wantDisc = false
	c.mu.Unlock()

	c.queue.Close()
	if active {
		c.radio.Disconnect(c.id)
	}
}

// cancelRetryLocked disarms a pending retry timer. Caller must hold c.mu.
func (c *Conn) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// setStateLocked records a transition. Caller must hold c.mu.
func (c *Conn) setStateLocked(next ConnectionState) {
	if c.state == next {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"from": c.state.String(),
		"to":   next.String(),
	}).Debug("Connection state transition")
	c.state = next
}

func (c *Conn) emitEvent(evt Event) {
	evt.DeviceID = c.id
	evt.TsUs = c.clk.Now().UnixMicro()
	if c.emit != nil {
		c.emit(evt)
	}
}

// logStale records a platform event that does not match the current state.
// Stale events are discarded, never applied.
func (c *Conn) logStale(event string, state ConnectionState) {
	c.logger.WithFields(logrus.Fields{
		"event": event,
		"state": state.String(),
	}).Warn("Discarding stale radio event")
}

func (c *Conn) logStaleOp(event string, opID uint64) {
	c.logger.WithFields(logrus.Fields{
		"event": event,
		"op_id": opID,
	}).Warn("Discarding completion for operation no longer in flight")
}
