// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

var (
	pingTimeout time.Duration
	pingCount   int
	pingPGN     string
)

var pingCmd = &cobra.Command{
	Use:   "ping <dest>",
	Short: "Measure request round-trip time to one ECU",
	Long: `Send single-attempt Requests to one destination and wait for its answer.

By default the Address Claimed PGN is requested, which every J1939 node must
answer. Any answer counts, including a NACK, since it proves the node is
reachable.

Exit codes:
  0 - All pings answered
  1 - One or more pings failed/timed out
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().DurationVarP(&pingTimeout, "timeout", "t", time.Second, "Timeout for each ping")
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 3, "Number of pings to send")
	pingCmd.Flags().StringVar(&pingPGN, "pgn", "ADDRESS_CLAIMED", "PGN to request")
}

func runPing(cmd *cobra.Command, args []string) error {
	dest, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	pgn, err := parsePGN(pingPGN)
	if err != nil {
		return err
	}

	conn := connectOrExit()
	defer conn.Close()

	client := newClient(conn, config, logger)
	registry := client.Registry()

	fmt.Printf("j1939stat - Ping\n")
	fmt.Printf("Connection: %s\n", conn.Info)
	fmt.Printf("Destination: 0x%02X, PGN: %s (0x%05X)\n", dest, registry.Name(pgn), pgn)
	fmt.Printf("Timeout: %v per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0
	var total time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		startTime := time.Now()
		resp, ok := client.RequestPacketWith(pgn, client.CreateRequestPacket(pgn, dest), 1, pingTimeout)
		if !ok {
			fmt.Printf("TIMEOUT (no response in %v)\n", pingTimeout)
			failCount++
		} else {
			rtt := time.Since(startTime)
			total += rtt
			if ack, isAck := resp.Ack(); isAck {
				fmt.Printf("%s from 0x%02X, rtt=%v\n", ack.Control, dest, rtt.Round(time.Millisecond))
			} else {
				fmt.Printf("%s from 0x%02X, rtt=%v\n", registry.Name(resp.Packet().PGN()), dest, rtt.Round(time.Millisecond))
			}
			successCount++
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	if successCount > 0 {
		fmt.Printf("average rtt=%v\n", (total / time.Duration(successCount)).Round(time.Millisecond))
	}

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
