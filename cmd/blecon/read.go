package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/blecon/internal/gatt"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <service-uuid> <characteristic-uuid>",
	Short: "Read a characteristic value",
	Long: `Connects to a BLE device and reads a single characteristic.

Examples:
  # Read the battery level
  blecon read AA:BB:CC:DD:EE:FF 180f 2a19

  # Raw bytes instead of hex
  blecon read AA:BB:CC:DD:EE:FF 180f 2a19 --raw`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var readRaw bool

func init() {
	readCmd.Flags().BoolVar(&readRaw, "raw", false, "Write raw bytes to stdout instead of hex")
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]
	attr := gatt.NewAttrRef(args[1], args[2])

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

	handle, err := c.Read(attr)
	if err != nil {
		return err
	}
	res, err := handle.Await(ctx)
	if err != nil {
		return err
	}

	if readRaw {
		_, err = os.Stdout.Write(res.Value)
		return err
	}
	fmt.Printf("%x\n", res.Value)
	return nil
}
