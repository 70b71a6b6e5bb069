package main

import (
	"errors"

	"github.com/srg/blecon/internal/engine"
	"github.com/srg/blecon/internal/gatt"
	"github.com/srg/blecon/internal/opqueue"
)

// FormatUserError maps internal errors to actionable messages for terminal
// output. Unknown errors pass through unchanged.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, gatt.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable Bluetooth and try again."
	case errors.Is(err, gatt.ErrPermissionDenied), errors.Is(err, engine.ErrPermissionDenied):
		return "Bluetooth access denied. Grant Bluetooth permission to this terminal and try again."
	case errors.Is(err, engine.ErrAlreadyConnecting):
		return "A connection attempt is already in progress for this device."
	case errors.Is(err, engine.ErrNotReady):
		return "Device is not ready. Connect to the device first."
	case errors.Is(err, engine.ErrRetriesExhausted):
		return "Could not reach the device after repeated attempts. Check that it is powered on and in range."
	case errors.Is(err, opqueue.ErrTimeout):
		return "The device did not respond in time."
	case errors.Is(err, opqueue.ErrQueueFull):
		return "Too many operations queued for this device. Slow down and retry."
	default:
		var nf *gatt.NotFoundError
		if errors.As(err, &nf) {
			return err.Error() + ". Run with --log-level debug to see the discovered services."
		}
		return err.Error()
	}
}
