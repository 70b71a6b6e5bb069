package engine

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/eventbus"
	"github.com/srg/blecon/internal/gatt"
)

// Registry maps device identifiers to their connection state machines and
// fans radio callbacks out to them. It implements gatt.EventSink, so a radio
// binding delivers every platform event through a single object.
//
// Devices are created on first caller reference. Radio events for unknown
// devices never create entries; they are logged and discarded.
type Registry struct {
	devices *hashmap.Map[string, *Conn]
	radio   gatt.Radio
	opts    Options
	events  *eventbus.Ring[Event]
	logger  *logrus.Logger
	closed  atomic.Bool
}

var _ gatt.EventSink = (*Registry)(nil)

// NewRegistry creates a Registry bound to the given radio. opts zero fields
// are filled with defaults.
func NewRegistry(radio gatt.Radio, opts Options) *Registry {
	opts.normalize()
	return &Registry{
		devices: hashmap.New[string, *Conn](),
		radio:   radio,
		opts:    opts,
		events:  eventbus.NewRing[Event](opts.EventBufferSize),
		logger:  opts.Logger,
	}
}

// Device returns the state machine for id, creating it in Idle on first
// reference.
func (r *Registry) Device(id string) *Conn {
	if c, ok := r.devices.Get(id); ok {
		return c
	}
	created := newConn(id, r.radio, r.opts, r.events.Send)
	actual, _ := r.devices.GetOrInsert(id, created)
	return actual
}

// Lookup returns the state machine for id without creating one.
func (r *Registry) Lookup(id string) (*Conn, bool) {
	return r.devices.Get(id)
}

// Remove tears down the device's state machine and drops it from the map.
// Pending operations complete with Cancelled.
func (r *Registry) Remove(id string) {
	c, ok := r.devices.Get(id)
	if !ok {
		return
	}
	r.devices.Del(id)
	c.close()
}

// Len returns the number of tracked devices.
func (r *Registry) Len() int { return r.devices.Len() }

// Range calls fn for each tracked device until fn returns false.
func (r *Registry) Range(fn func(*Conn) bool) {
	r.devices.Range(func(_ string, c *Conn) bool { return fn(c) })
}

// Events returns the engine event stream. Consumers that fall behind lose
// the oldest events rather than blocking the engine.
func (r *Registry) Events() <-chan Event { return r.events.C() }

// EventMetrics reports the event ring counters.
func (r *Registry) EventMetrics() eventbus.Metrics { return r.events.Metrics() }

// Close tears down every device and closes the event stream.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.devices.Range(func(id string, c *Conn) bool {
		r.devices.Del(id)
		c.close()
		return true
	})
	r.events.Close()
}

// lookupFor fetches the device for a radio event, logging and discarding
// events addressed to devices the registry never created.
func (r *Registry) lookupFor(event, deviceID string) (*Conn, bool) {
	c, ok := r.devices.Get(deviceID)
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"event":  event,
			"device": deviceID,
		}).Warn("Discarding radio event for unknown device")
	}
	return c, ok
}

// ----------------------------
// gatt.EventSink
// ----------------------------

func (r *Registry) ConnectResult(deviceID string, err error) {
	if c, ok := r.lookupFor("connect_result", deviceID); ok {
		c.onConnectResult(err)
	}
}

func (r *Registry) Disconnected(deviceID string, status int, solicited bool) {
	if c, ok := r.lookupFor("disconnected", deviceID); ok {
		c.onDisconnected(status, solicited)
	}
}

func (r *Registry) ServicesDiscovered(deviceID string, result gatt.DiscoveryResult, err error) {
	if c, ok := r.lookupFor("services_discovered", deviceID); ok {
		c.onServicesDiscovered(result, err)
	}
}

func (r *Registry) CharacteristicUpdated(deviceID string, attr gatt.AttrRef, value []byte) {
	if c, ok := r.lookupFor("characteristic_updated", deviceID); ok {
		c.onCharacteristicUpdated(attr, value)
	}
}

func (r *Registry) WriteCompleted(deviceID string, opID uint64, err error) {
	if c, ok := r.lookupFor("write_completed", deviceID); ok {
		c.onWriteCompleted(opID, err)
	}
}

func (r *Registry) ReadCompleted(deviceID string, opID uint64, value []byte, err error) {
	if c, ok := r.lookupFor("read_completed", deviceID); ok {
		c.onReadCompleted(opID, value, err)
	}
}

func (r *Registry) MTUChanged(deviceID string, mtu int) {
	if c, ok := r.lookupFor("mtu_changed", deviceID); ok {
		c.onMTUChanged(mtu)
	}
}

func (r *Registry) ReadyToSend(deviceID string) {
	if c, ok := r.lookupFor("ready_to_send", deviceID); ok {
		c.onReadyToSend()
	}
}

func (r *Registry) ServiceChanged(deviceID string) {
	if c, ok := r.lookupFor("service_changed", deviceID); ok {
		c.onServiceChanged()
	}
}
