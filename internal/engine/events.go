package engine

import (
	"time"

	"github.com/srg/blecon/internal/gatt"
)

// EventKind identifies an application-facing engine event.
type EventKind string

const (
	// EventConnecting is emitted when a connection attempt starts (both fresh
	// requests and automatic retries).
	EventConnecting EventKind = "connecting"
	// EventReady is emitted when the device reaches Ready: connected,
	// services discovered, MTU settled, subscriptions replayed.
	EventReady EventKind = "ready"
	// EventDisconnected is emitted on any disconnect. For transient
	// disconnects Attempt/RetryIn describe the scheduled reconnection.
	EventDisconnected EventKind = "disconnected"
	// EventFailed is terminal: retries exhausted or a non-recoverable
	// condition. The caller must explicitly reconnect.
	EventFailed EventKind = "failed"
	// EventMTUChanged reports a newly negotiated MTU.
	EventMTUChanged EventKind = "mtu_changed"
	// EventNotification delivers a characteristic notification value.
	EventNotification EventKind = "notification"
)

// Event is the outbound application-facing event record.
type Event struct {
	DeviceID string
	Kind     EventKind
	TsUs     int64

	Attr  gatt.AttrRef // notification source
	Value []byte       // notification payload
	MTU   int          // mtu_changed / ready

	// Retry bookkeeping for disconnected/failed events.
	Attempt int
	RetryIn time.Duration
	Status  int

	Err error
}
