package goble

import (
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"

	"github.com/srg/blecon/internal/gatt"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{
			name: "nil passes through",
			in:   nil,
			want: nil,
		},
		{
			name: "darwin adapter off message",
			in:   errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"),
			want: gatt.ErrBluetoothOff,
		},
		{
			name: "generic bluetooth off",
			in:   errors.New("Bluetooth is turned OFF"),
			want: gatt.ErrBluetoothOff,
		},
		{
			name: "permission",
			in:   errors.New("operation not authorized"),
			want: gatt.ErrPermissionDenied,
		},
		{
			name: "link dropped",
			in:   errors.New("peer disconnected"),
			want: gatt.ErrNotConnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeError(tt.in)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestNormalizeError_UnknownPassesThrough(t *testing.T) {
	err := errors.New("att error 0x0e")
	assert.Equal(t, err, normalizeError(err))
}

func TestPropertyString(t *testing.T) {
	assert.Equal(t, "Read|Notify", propertyString(ble.CharRead|ble.CharNotify))
	assert.Equal(t, "WriteWithoutResponse|Write", propertyString(ble.CharWriteNR|ble.CharWrite))
	assert.Equal(t, "", propertyString(0))
}
