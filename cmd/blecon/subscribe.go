package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecon/internal/engine"
	"github.com/srg/blecon/internal/eventbus"
	"github.com/srg/blecon/internal/gatt"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <service-uuid> <characteristic-uuid>[,<characteristic-uuid>...]",
	Short: "Subscribe to characteristic notifications",
	Long: `Subscribes to BLE characteristic notifications and outputs received data.

Subscriptions survive disconnects: on link loss the engine reconnects with
exponential backoff and re-subscribes automatically.

Stream modes:
  live     - Output every notification immediately (default)
  batched  - Collect notifications, output at rate interval

Examples:
  # Heart rate measurement, live
  blecon subscribe AA:BB:CC:DD:EE:FF 180d 2a37

  # Two characteristics, batched into 1s windows
  blecon subscribe AA:BB:CC:DD:EE:FF ff30 ff31,ff32 --mode batched --rate 1s`,
	Args: cobra.ExactArgs(3),
	RunE: runSubscribe,
}

var (
	subscribeMode string
	subscribeRate time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeMode, "mode", "live", "Stream mode: live or batched")
	subscribeCmd.Flags().DurationVar(&subscribeRate, "rate", time.Second, "Output interval for batched mode")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address := args[0]
	service := args[1]

	var attrs []gatt.AttrRef
	for _, char := range strings.Split(args[2], ",") {
		char = strings.TrimSpace(char)
		if char == "" {
			continue
		}
		attrs = append(attrs, gatt.NewAttrRef(service, char))
	}
	if len(attrs) == 0 {
		return fmt.Errorf("no characteristics given")
	}

	batched := false
	switch strings.ToLower(subscribeMode) {
	case "live", "instant", "every":
	case "batched", "batch":
		batched = true
	default:
		return fmt.Errorf("invalid mode %q: use live or batched", subscribeMode)
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Intent is recorded before the connection exists; the engine issues the
	// CCCD writes once the device is Ready and after every reconnect.
	c := s.reg.Device(address)
	for _, attr := range attrs {
		if _, err := c.Subscribe(attr); err != nil {
			return err
		}
	}

	if _, err := c.RequestConnect(); err != nil {
		return err
	}

	if batched {
		return streamBatched(cmd, s, address)
	}
	return streamLive(cmd, s, address)
}

// streamLive prints each event as it arrives.
func streamLive(cmd *cobra.Command, s *session, address string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
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

// streamBatched buffers events through the collector and flushes them on a
// fixed interval, so notification bursts do not flood the terminal.
func streamBatched(cmd *cobra.Command, s *session, address string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := eventbus.NewCollector(s.reg.Events(), uint32(s.cfg.EventBufferSize), func(err error) {
		s.logger.WithError(err).Error("Event collector failure")
	})
	if err != nil {
		return err
	}
	if err := collector.Start(); err != nil {
		return err
	}
	defer func() { _ = collector.Stop() }()

	ticker := time.NewTicker(subscribeRate)
	defer ticker.Stop()

	flush := func() error {
		var failure error
		_, err := collector.Drain(func(evt engine.Event) error {
			if evt.DeviceID != address {
				return nil
			}
			printEvent(evt)
			if evt.Kind == engine.EventFailed {
				failure = evt.Err
			}
			return nil
		})
		if err != nil {
			return err
		}
		return failure
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return flush()
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
