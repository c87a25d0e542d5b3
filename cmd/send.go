// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

var (
	sendCount    int
	sendInterval time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <header> [data bytes...]",
	Short: "Send a packet given in canonical text",
	Long: `Send one packet given as an 8-digit hex CAN identifier followed by hex
data bytes, the same text the monitor prints with --raw.

Payloads longer than 8 bytes are sent with the transport protocol: BAM for
global destinations, RTS/CTS for a specific destination.

Examples:
  # Request Address Claimed from all nodes
  j1939stat send 18EA00F9 00 EE 00

  # Send a 20-byte proprietary message to 0x17, three times
  j1939stat send 18EF17F9 $(seq -s ' ' 1 20) --count 3

Exit codes:
  0 - Sent
  1 - Send failed
  2 - Connection error`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().IntVarP(&sendCount, "count", "n", 1, "Number of times to send")
	sendCmd.Flags().DurationVar(&sendInterval, "interval", 100*time.Millisecond, "Delay between repeated sends")
}

func runSend(cmd *cobra.Command, args []string) error {
	p, err := j1939.ParsePacket(strings.Join(args, " "))
	if err != nil {
		return err
	}

	conn := connectOrExit()
	defer conn.Close()

	for i := 0; i < sendCount; i++ {
		if i > 0 {
			time.Sleep(sendInterval)
		}
		if err := conn.Bus.Send(p); err != nil {
			fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sent %s\n", p)
	}
	return nil
}
