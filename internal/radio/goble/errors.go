package goble

import (
	"fmt"
	"strings"

	"github.com/srg/blecon/internal/gatt"
)

// normalizeError maps known go-ble error strings to the structured sentinels
// in the gatt package. It ensures consistent classification even if the
// upstream library changes messages slightly. Returns wrapped errors to
// preserve original context.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", gatt.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", gatt.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "not authorized"),
		containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %v", gatt.ErrPermissionDenied, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", gatt.ErrNotConnected, err)
	default:
		return err
	}
}

func errNotConnected(deviceID string) error {
	return fmt.Errorf("%w: %s", gatt.ErrNotConnected, deviceID)
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
