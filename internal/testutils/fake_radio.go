// Package testutils provides test doubles for the radio boundary so the
// engine can be driven deterministically without BLE hardware.
package testutils

import (
	"sync"
	"time"

	"github.com/srg/blecon/internal/gatt"
)

// RadioCall records a single method invocation on the FakeRadio.
type RadioCall struct {
	Method   string
	DeviceID string
	OpID     uint64
	Attr     gatt.AttrRef
	Chunk    []byte
	Mode     gatt.WriteMode
	MTU      int
	PHY      gatt.PHYOptions
	Timeout  time.Duration
}

// FakeRadio is a recording implementation of gatt.Radio. Every call is
// appended to an in-order log; tests assert against the log and feed
// platform events back through the registry's EventSink surface themselves.
type FakeRadio struct {
	mu    sync.Mutex
	calls []RadioCall
}

var _ gatt.Radio = (*FakeRadio)(nil)

// NewFakeRadio creates an empty recording radio.
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{}
}

func (f *FakeRadio) record(call RadioCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

// Calls returns a copy of the recorded call log.
func (f *FakeRadio) Calls() []RadioCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RadioCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsOf returns the recorded calls for a single method, in order.
func (f *FakeRadio) CallsOf(method string) []RadioCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RadioCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the most recent call, or a zero RadioCall when none happened.
func (f *FakeRadio) Last() RadioCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return RadioCall{}
	}
	return f.calls[len(f.calls)-1]
}

// Reset clears the call log.
func (f *FakeRadio) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *FakeRadio) Connect(deviceID string, timeout time.Duration) {
	f.record(RadioCall{Method: "Connect", DeviceID: deviceID, Timeout: timeout})
}

func (f *FakeRadio) Disconnect(deviceID string) {
	f.record(RadioCall{Method: "Disconnect", DeviceID: deviceID})
}

func (f *FakeRadio) DiscoverServices(deviceID string) {
	f.record(RadioCall{Method: "DiscoverServices", DeviceID: deviceID})
}

func (f *FakeRadio) Read(deviceID string, opID uint64, attr gatt.AttrRef) {
	f.record(RadioCall{Method: "Read", DeviceID: deviceID, OpID: opID, Attr: attr})
}

func (f *FakeRadio) WriteChunk(deviceID string, opID uint64, attr gatt.AttrRef, chunk []byte, mode gatt.WriteMode) {
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	f.record(RadioCall{Method: "WriteChunk", DeviceID: deviceID, OpID: opID, Attr: attr, Chunk: buf, Mode: mode})
}

func (f *FakeRadio) Subscribe(deviceID string, opID uint64, attr gatt.AttrRef) {
	f.record(RadioCall{Method: "Subscribe", DeviceID: deviceID, OpID: opID, Attr: attr})
}

func (f *FakeRadio) Unsubscribe(deviceID string, opID uint64, attr gatt.AttrRef) {
	f.record(RadioCall{Method: "Unsubscribe", DeviceID: deviceID, OpID: opID, Attr: attr})
}

func (f *FakeRadio) RequestMTU(deviceID string, mtu int) {
	f.record(RadioCall{Method: "RequestMTU", DeviceID: deviceID, MTU: mtu})
}

func (f *FakeRadio) RequestPHY(deviceID string, opts gatt.PHYOptions) {
	f.record(RadioCall{Method: "RequestPHY", DeviceID: deviceID, PHY: opts})
}
