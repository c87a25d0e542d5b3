// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/j1939stat/pkg/adapter"
	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

var (
	statsShowAll  bool
	statsInterval int
	statsUseTUI   bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Track bus load, traffic per source and protocol errors",
	Long: `Track bus traffic with live statistics.

Counts received and transmitted packets, multi-packet messages, requests and
acknowledgments per source address, and estimates the bus load from the
adapter bitrate. Transport protocol aborts and address conflicts (another
node transmitting with this tool's address) are listed as events.

By default only negative acknowledgments and errors are logged. Use
--show-all to log every packet.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&statsShowAll, "show-all", false, "Log every packet (not just errors)")
	statsCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics print interval in text mode (seconds)")
	statsCmd.Flags().BoolVar(&statsUseTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runStats(cmd *cobra.Command, args []string) error {
	conn := connectOrExit()
	defer conn.Close()

	stream, err := conn.Bus.Read(streamForever)
	if err != nil {
		return err
	}

	bitrate, err := conn.Bus.ConnectionSpeed()
	if err != nil {
		logger.WithError(err).Warn("bitrate unknown, bus load disabled")
		bitrate = 0
	}

	if statsUseTUI {
		return runStatsTUI(conn, stream, bitrate)
	}
	return runStatsText(conn, stream, bitrate)
}

// isTPAbort reports whether err is a transport protocol session failure
func isTPAbort(err error) bool {
	var cts *j1939.CTSError
	return errors.As(err, &cts)
}

// runStatsTUI runs the statistics view in TUI mode
func runStatsTUI(conn *Connection, stream *j1939.Stream[j1939.Packet], bitrate int) error {
	// Log lines would corrupt the screen
	logger.SetOutput(io.Discard)

	m := initialStatsModel(conn.Info, conn.Bus.Address(), bitrate, statsShowAll, conn.Bus.Stats)
	p := tea.NewProgram(m)

	// Bus reader goroutine
	go func() {
		for packet := range stream.All() {
			p.Send(packetMsg{packet: packet})
		}
		p.Send(busClosedMsg{})
	}()

	go func() {
		for err := range conn.Bus.Errors() {
			p.Send(busErrorMsg{err: err, tpAbort: isTPAbort(err)})
		}
	}()

	if events := conn.Events(); events != nil {
		go func() {
			for ev := range events {
				if ev.Kind == adapter.EventAddressConflict {
					p.Send(conflictMsg{packet: ev.Packet})
				}
			}
		}()
	}

	// Run TUI
	if _, err := p.Run(); err != nil {
		return errors.Wrap(err, "TUI error")
	}
	stream.ResetTimeout(0)
	return nil
}

// runStatsText prints periodic statistics summaries
func runStatsText(conn *Connection, stream *j1939.Stream[j1939.Packet], bitrate int) error {
	fmt.Printf("j1939stat - Bus Statistics\n")
	fmt.Printf("Connection: %s\n", conn.Info)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := j1939.NewStatistics(bitrate)
	registry := j1939.DefaultRegistry()

	// Statistics ticker
	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	// Channel for non-blocking bus reads
	packets := make(chan j1939.Packet, 64)
	go func() {
		defer close(packets)
		for p := range stream.All() {
			packets <- p
		}
	}()

	// Nil for the simulated bus, which never reports events
	events := conn.Events()
	errs := conn.Bus.Errors()

	for {
		select {
		case p, ok := <-packets:
			if !ok {
				fmt.Println("Bus closed")
				fmt.Print(stats.String())
				return nil
			}
			stats.Update(p)
			if statsShowAll {
				fmt.Print(j1939.FormatPacket(p, registry))
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if isTPAbort(err) {
				stats.RecordTPAbort()
			} else {
				stats.RecordBusError()
			}
			fmt.Printf("[%s] \033[1;31mERROR:\033[0m %v\n", time.Now().Format("15:04:05.000"), err)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind == adapter.EventAddressConflict {
				stats.RecordAddressConflict()
				fmt.Printf("[%s] \033[1;33mADDRESS CONFLICT:\033[0m %s\n", time.Now().Format("15:04:05.000"), ev.Packet)
			}

		case <-statsTicker.C:
			// Print statistics
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()

		case <-sigs:
			stream.ResetTimeout(0)
			fmt.Println()
			fmt.Print(stats.String())
			return nil
		}
	}
}
