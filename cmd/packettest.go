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
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a packet from another node",
	Long: `Wait for any J1939 packet from another node until timeout.

This command opens the adapter and waits for the first received packet.
Frames this tool transmitted itself are not counted.

Exit codes:
  0 - Packet received before timeout
  1 - Timeout reached without receiving a packet
  2 - Connection error

Useful for testing adapter wiring, bitrate and WebSocket bridges.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a packet")
}

// firstReceived returns the first packet on stream that another node sent
func firstReceived(stream *j1939.Stream[j1939.Packet]) (j1939.Packet, bool) {
	for p := range stream.All() {
		if !p.Transmitted() {
			return p, true
		}
	}
	return j1939.Packet{}, false
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	conn := connectOrExit()
	defer conn.Close()

	fmt.Printf("j1939stat - Packet Test\n")
	fmt.Printf("Connection: %s\n", conn.Info)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for a packet...\n\n")

	start := time.Now()
	stream, err := conn.Bus.Read(time.Duration(packetTestTimeout) * time.Second)
	if err != nil {
		return err
	}

	p, ok := firstReceived(stream)
	if !ok {
		fmt.Printf("TIMEOUT: No packet received in %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	fmt.Printf("SUCCESS: Received packet after %v\n", time.Since(start).Round(time.Millisecond))
	fmt.Print(j1939.FormatPacket(p, j1939.DefaultRegistry()))
	return nil
}
