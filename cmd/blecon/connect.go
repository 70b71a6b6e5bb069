package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/blecon/internal/engine"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <device-address>",
	Short: "Connect to a device and show its GATT services",
	Long: `Connects to a BLE device, discovers its services and negotiates the MTU.

With --watch the connection is held open and lifecycle events (disconnects,
automatic reconnects, notifications) are printed until interrupted.

Examples:
  # Connect, print services, disconnect
  blecon connect AA:BB:CC:DD:EE:FF

  # Hold the connection and watch lifecycle events
  blecon connect AA:BB:CC:DD:EE:FF --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var connectWatch bool

func init() {
	connectCmd.Flags().BoolVar(&connectWatch, "watch", false, "Stay connected and print lifecycle events until interrupted")
}

func runConnect(cmd *cobra.Command, args []string) error {
	address := args[0]

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := s.connectAndWait(ctx, address)
	if err != nil {
		return err
	}

	if !connectWatch {
		s.disconnect(ctx, c)
		return nil
	}

	headerColor.Println("watching; press Ctrl+C to disconnect")
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			// Give the peripheral a clean teardown on the way out
			disconnectCtx := cmd.Context()
			s.disconnect(disconnectCtx, c)
			return nil
		case evt, ok := <-s.reg.Events():
			if !ok {
				return nil
			}
			if evt.DeviceID != address {
				continue
			}
			printEvent(evt)
			if evt.Kind == engine.EventFailed {
				return evt.Err
			}
		}
	}
}
