package gatt

import "time"

// Radio is the outbound boundary to a platform radio binding. Every method
// is fire-and-forget: the binding reports the outcome asynchronously through
// the EventSink. The engine never calls the binding any other way.
//
// opID ties a dispatched operation to its completion callback; bindings must
// echo it back unchanged in ReadCompleted/WriteCompleted.
type Radio interface {
	Connect(deviceID string, timeout time.Duration)
	Disconnect(deviceID string)
	DiscoverServices(deviceID string)
	Read(deviceID string, opID uint64, attr AttrRef)
	WriteChunk(deviceID string, opID uint64, attr AttrRef, chunk []byte, mode WriteMode)
	Subscribe(deviceID string, opID uint64, attr AttrRef)
	Unsubscribe(deviceID string, opID uint64, attr AttrRef)
	RequestMTU(deviceID string, mtu int)
	RequestPHY(deviceID string, opts PHYOptions)
}

// EventSink is the inbound boundary: the event vocabulary a platform binding
// translates its native callbacks into. Implementations must tolerate calls
// from arbitrary goroutines; the engine serializes per device internally.
type EventSink interface {
	// ConnectResult reports the outcome of a Connect. err is nil on success.
	ConnectResult(deviceID string, err error)
	// Disconnected reports a link loss. solicited is true when it was caused
	// by a caller-issued Disconnect.
	Disconnected(deviceID string, status int, solicited bool)
	// ServicesDiscovered reports the outcome of service discovery.
	ServicesDiscovered(deviceID string, result DiscoveryResult, err error)
	// CharacteristicUpdated delivers a notification/indication value.
	CharacteristicUpdated(deviceID string, attr AttrRef, value []byte)
	// WriteCompleted reports completion of a write-shaped operation
	// (characteristic write chunk, CCCD subscribe/unsubscribe).
	WriteCompleted(deviceID string, opID uint64, err error)
	// ReadCompleted reports the outcome of a Read.
	ReadCompleted(deviceID string, opID uint64, value []byte, err error)
	// MTUChanged reports the negotiated MTU.
	MTUChanged(deviceID string, mtu int)
	// ReadyToSend signals that the platform's send buffer has drained and
	// another write chunk may be issued.
	ReadyToSend(deviceID string)
	// ServiceChanged signals that the peer's attribute table changed and
	// services must be rediscovered.
	ServiceChanged(deviceID string)
}
