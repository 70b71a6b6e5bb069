package gatt

import (
	"errors"
	"fmt"
	"strings"
)

// Platform-level radio failures, normalized by the radio binding so the
// engine can classify them without string matching.
var (
	// ErrBluetoothOff indicates the host adapter is powered off or in an
	// invalid state. Treated as transient: the user may re-enable it.
	ErrBluetoothOff = errors.New("bluetooth is powered off")
	// ErrNotConnected indicates an operation reached the radio after the link
	// dropped.
	ErrNotConnected = errors.New("device not connected")
	// ErrPermissionDenied indicates the OS denied Bluetooth access. Terminal:
	// retrying cannot help until the user grants permission.
	ErrPermissionDenied = errors.New("bluetooth permission denied")
)

// NotFoundError indicates a requested GATT resource does not exist on the
// remote device.
type NotFoundError struct {
	Resource string // "service" or "characteristic"
	UUIDs    []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, strings.Join(e.UUIDs, "/"))
}
