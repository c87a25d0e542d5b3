// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

var (
	requestDest    string
	requestTimeout time.Duration
	requestRetries int
	requestFirst   bool
)

var requestCmd = &cobra.Command{
	Use:   "request <pgn>",
	Short: "Request a parameter group from one or all ECUs",
	Long: `Send a Request (PGN 0xEA00) for a parameter group and print the responses.

The PGN is given in hex (0xFEEB, FEEB) or by name (DM1, COMPONENT_ID).
The request is repeated until a response arrives or the retry budget is used.
Global requests collect every response within the window; with --first, a
destination-specific request returns as soon as the destination answers.
Acknowledgments (ACK, NACK, access denied, busy) are printed as responses.

Examples:
  # Ask every ECU for its active diagnostic trouble codes
  j1939stat request DM1

  # Ask the engine (0x00) for its component identification
  j1939stat request 0xFEEB --dest 0x00 --first

Exit codes:
  0 - At least one response received
  1 - No response
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.Flags().StringVarP(&requestDest, "dest", "d", "0xFF", "Destination address (0xFF for global)")
	requestCmd.Flags().DurationVarP(&requestTimeout, "timeout", "t", 0, "Response window per attempt (default from config)")
	requestCmd.Flags().IntVarP(&requestRetries, "retries", "r", 0, "Number of attempts (default from config)")
	requestCmd.Flags().BoolVar(&requestFirst, "first", false, "Stop at the first response from the destination")
}

// parsePGN parses a PGN given in hex or by registry name
func parsePGN(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	registry := j1939.DefaultRegistry()
	for _, pgn := range registry.PGNs() {
		if strings.EqualFold(registry.Name(pgn), s) {
			return pgn, nil
		}
	}

	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), 16, 32)
	if err != nil {
		return 0, errors.Errorf("invalid PGN %q", s)
	}
	if v > 0x3FFFF {
		return 0, errors.Errorf("PGN out of range: 0x%X", v)
	}
	return uint32(v), nil
}

// parseAddress parses a source or destination address (decimal or 0x hex)
func parseAddress(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, errors.Errorf("invalid address %q", s)
	}
	return uint8(v), nil
}

func runRequest(cmd *cobra.Command, args []string) error {
	pgn, err := parsePGN(args[0])
	if err != nil {
		return err
	}
	dest, err := parseAddress(requestDest)
	if err != nil {
		return err
	}

	conn := connectOrExit()
	defer conn.Close()

	client := newClient(conn, config, logger)
	registry := client.Registry()

	retries := config.Request.MaxRetries
	if requestRetries > 0 {
		retries = requestRetries
	}
	window := config.Request.SpecificTimeout
	if dest == j1939.GlobalAddress {
		window = config.Request.GlobalTimeout
	}
	if requestTimeout > 0 {
		window = requestTimeout
	}

	fmt.Printf("j1939stat - Request\n")
	fmt.Printf("Connection: %s\n", conn.Info)
	fmt.Printf("PGN: %s (0x%05X), destination 0x%02X\n\n", registry.Name(pgn), pgn, dest)

	request := client.CreateRequestPacket(pgn, dest)

	if requestFirst && dest != j1939.GlobalAddress {
		resp, ok := client.RequestPacketWith(pgn, request, retries, window)
		if !ok {
			fmt.Printf("No response after %d attempts\n", retries)
			os.Exit(1)
		}
		fmt.Println(j1939.FormatResponse(resp, registry))
		return nil
	}

	result := client.RequestMultipleWith(pgn, request, retries, window)
	if len(result.Responses) == 0 {
		fmt.Printf("No response after %d attempts\n", result.Attempts)
		os.Exit(1)
	}
	for _, resp := range result.Responses {
		fmt.Println(j1939.FormatResponse(resp, registry))
	}
	if result.Retried {
		fmt.Printf("\n%d responses after %d attempts\n", len(result.Responses), result.Attempts)
	}
	return nil
}
