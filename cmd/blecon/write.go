package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/blecon/internal/engine"
	"github.com/srg/blecon/internal/gatt"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <service-uuid> <characteristic-uuid> <hex-data>",
	Short: "Write data to a characteristic",
	Long: `Connects to a BLE device and writes data to a characteristic.

Payloads larger than the negotiated MTU are split into ordered chunks
automatically. Hex data accepts common separators (spaces, colons, commas)
and 0x prefixes.

Examples:
  # Write two bytes with response
  blecon write AA:BB:CC:DD:EE:FF 6e400001 6e400002 01ff

  # Write command (no response) with separated hex
  blecon write AA:BB:CC:DD:EE:FF 6e400001 6e400002 "01:ff:a0" --no-response`,
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

var writeNoResponse bool

func init() {
	writeCmd.Flags().BoolVar(&writeNoResponse, "no-response", false, "Use write-without-response commands")
}

// parseHexData decodes hex input, tolerating separators and 0x prefixes.
func parseHexData(input string) ([]byte, error) {
	cleaned := strings.NewReplacer(" ", "", ":", "", ",", "", "0x", "", "0X", "").Replace(input)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", input, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	return data, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	address := args[0]
	attr := gatt.NewAttrRef(args[1], args[2])

	payload, err := parseHexData(args[3])
	if err != nil {
		return err
	}

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
	defer s.disconnect(ctx, c)

	mode := gatt.WriteWithResponse
	if writeNoResponse {
		mode = gatt.WriteWithoutResponse
	}

	handle, err := c.Write(attr, payload, mode)
	if err != nil {
		return err
	}
	if _, err := handle.Await(ctx); err != nil {
		var werr *engine.WriteError
		if errors.As(err, &werr) {
			return fmt.Errorf("write aborted at chunk %d of %d bytes: %w", werr.Chunk, len(payload), err)
		}
		return err
	}

	fmt.Printf("wrote %d bytes\n", len(payload))
	return nil
}
