package engine

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecon/internal/opqueue"
	"github.com/srg/blecon/internal/testutils"
)

func newTestRegistry(t *testing.T) (*Registry, *testutils.FakeRadio) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	radio := testutils.NewFakeRadio()
	reg := NewRegistry(radio, Options{BackoffSeed: 1, Logger: logger})
	t.Cleanup(reg.Close)
	return reg, radio
}

func TestRegistry_DeviceCreatedOnFirstReference(t *testing.T) {
	reg, _ := newTestRegistry(t)

	c1 := reg.Device("AA:BB:CC:DD:EE:FF")
	require.NotNil(t, c1)
	assert.Equal(t, StateIdle, c1.State())
	assert.Equal(t, 1, reg.Len())

	c2 := reg.Device("AA:BB:CC:DD:EE:FF")
	assert.Same(t, c1, c2, "same identifier resolves to the same machine")
	assert.Equal(t, 1, reg.Len())

	_, ok := reg.Lookup("AA:BB:CC:DD:EE:FF")
	assert.True(t, ok)
	_, ok = reg.Lookup("11:22:33:44:55:66")
	assert.False(t, ok)
}

func TestRegistry_UnknownDeviceEventsDiscarded(t *testing.T) {
	// Radio events must never create registry entries
	reg, _ := newTestRegistry(t)

	reg.ConnectResult("ghost", nil)
	reg.Disconnected("ghost", 8, false)
	reg.MTUChanged("ghost", 247)
	reg.ReadyToSend("ghost")
	reg.ServiceChanged("ghost")

	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_RemoveCancelsPendingWork(t *testing.T) {
	reg, _ := newTestRegistry(t)

	c := reg.Device("D1")
	handle, err := c.RequestConnect()
	require.NoError(t, err)

	reg.Remove("D1")
	assert.Equal(t, 0, reg.Len())

	res := <-handle.Done()
	assert.ErrorIs(t, res.Err, opqueue.ErrClosed)

	// Removing twice is a no-op
	reg.Remove("D1")
}

func TestRegistry_EventsStream(t *testing.T) {
	reg, _ := newTestRegistry(t)

	c := reg.Device("D1")
	_, err := c.RequestConnect()
	require.NoError(t, err)

	evt := <-reg.Events()
	assert.Equal(t, "D1", evt.DeviceID)
	assert.Equal(t, EventConnecting, evt.Kind)
	assert.Greater(t, reg.EventMetrics().Written, int64(0))
}

func TestRegistry_Range(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Device("D1")
	reg.Device("D2")
	reg.Device("D3")

	seen := map[string]bool{}
	reg.Range(func(c *Conn) bool {
		seen[c.ID()] = true
		return true
	})
	assert.Len(t, seen, 3)

	n := 0
	reg.Range(func(*Conn) bool {
		n++
		return false
	})
	assert.Equal(t, 1, n, "Range stops when fn returns false")
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	reg := NewRegistry(testutils.NewFakeRadio(), Options{Logger: logger})
	reg.Device("D1")

	reg.Close()
	reg.Close()
	assert.Equal(t, 0, reg.Len())

	// The event stream is closed
	_, ok := <-reg.Events()
	assert.False(t, ok)
}
