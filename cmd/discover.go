// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover nodes by requesting Address Claimed",
	Long: `Send a global Request for Address Claimed (PGN 0xEE00) and list every
node that claims an address, with its decoded NAME.

A node claiming this tool's own address is reported as a conflict.

Exit codes:
  0 - Discovery successful (at least one node found)
  1 - Discovery failed (no nodes)
  2 - Connection error`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "timeout", "t", 2*time.Second, "Time to wait for claims")
}

// discoverClaims collects the Address Claimed responses of result, one per
// source, ordered by address
func discoverClaims(result j1939.RequestResult) []j1939.AddressClaim {
	bySource := make(map[uint8]j1939.AddressClaim)
	for _, msg := range result.Messages() {
		if claim, ok := msg.(j1939.AddressClaim); ok {
			bySource[claim.Source()] = claim
		}
	}
	claims := make([]j1939.AddressClaim, 0, len(bySource))
	for _, claim := range bySource {
		claims = append(claims, claim)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].Source() < claims[j].Source() })
	return claims
}

func runDiscover(cmd *cobra.Command, args []string) error {
	conn := connectOrExit()
	defer conn.Close()

	client := newClient(conn, config, logger)

	fmt.Printf("j1939stat - Node Discovery\n")
	fmt.Printf("Connection: %s\n", conn.Info)
	fmt.Printf("Timeout: %s\n\n", discoverTimeout)

	request := client.CreateRequestPacket(j1939.PGNAddressClaim, j1939.GlobalAddress)
	result := client.RequestMultipleWith(j1939.PGNAddressClaim, request, 1, discoverTimeout)

	claims := discoverClaims(result)
	if len(claims) == 0 {
		fmt.Println("No nodes found")
		os.Exit(1)
	}

	fmt.Printf("%-5s %-16s %-9s %-12s %-8s %-6s\n", "ADDR", "NAME", "IDENTITY", "MANUFACTURER", "FUNCTION", "GROUP")
	for _, c := range claims {
		marker := ""
		if c.Source() == conn.Bus.Address() {
			marker = "  (address conflict)"
		}
		fmt.Printf("0x%02X  %016X %-9d %-12d %-8d %-6d%s\n",
			c.Source(), c.Name, c.IdentityNumber, c.ManufacturerCode, c.Function, c.IndustryGroup, marker)
	}
	fmt.Printf("\n%d node(s) found\n", len(claims))
	return nil
}
