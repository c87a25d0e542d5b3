// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/j1939stat/pkg/adapter"
	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

var (
	monitorRaw    bool
	monitorJSON   bool
	monitorOutput string
	monitorPGN    string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display bus traffic in human-readable format",
	Long: `Continuously display J1939 packets as they arrive.

Multi-packet messages (BAM and RTS/CTS) are shown once, reassembled. Each
packet is printed with timestamp, direction, parameter group name, source,
destination and decoded payload.

Output formats:
  default  decoded, human-readable
  --raw    canonical text, one packet per line
  --json   one JSON object per line

With --output, every packet is also written to a log file that the replay
adapter can play back.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorRaw, "raw", false, "Print canonical packet text")
	monitorCmd.Flags().BoolVar(&monitorJSON, "json", false, "Print JSON lines")
	monitorCmd.Flags().StringVarP(&monitorOutput, "output", "o", "", "Record packets to a replayable log file")
	monitorCmd.Flags().StringVar(&monitorPGN, "pgn", "", "Only show this PGN (hex)")
}

// packetPrinter renders one packet per call
type packetPrinter func(w io.Writer, p j1939.Packet) error

func newPacketPrinter(raw, asJSON bool, registry *j1939.Registry) packetPrinter {
	switch {
	case asJSON:
		enc := jsoniter.ConfigCompatibleWithStandardLibrary
		return func(w io.Writer, p j1939.Packet) error {
			data, err := enc.Marshal(p)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "%s\n", data)
			return err
		}
	case raw:
		return func(w io.Writer, p j1939.Packet) error {
			_, err := fmt.Fprintln(w, p)
			return err
		}
	default:
		return func(w io.Writer, p j1939.Packet) error {
			_, err := fmt.Fprint(w, j1939.FormatPacket(p, registry))
			return err
		}
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if monitorRaw && monitorJSON {
		return errors.New("--raw and --json are mutually exclusive")
	}
	var filter func(j1939.Packet) bool
	if monitorPGN != "" {
		pgn, err := parsePGN(monitorPGN)
		if err != nil {
			return err
		}
		filter = func(p j1939.Packet) bool { return p.MatchesPGN(pgn) }
	}

	conn := connectOrExit()
	defer conn.Close()

	var record *bufio.Writer
	if monitorOutput != "" {
		f, err := os.Create(monitorOutput)
		if err != nil {
			return errors.Wrap(err, "failed to create output file")
		}
		defer f.Close()
		record = bufio.NewWriter(f)
		defer record.Flush()
	}

	stream, err := conn.Bus.Read(streamForever)
	if err != nil {
		return err
	}

	// Ctrl+C ends the stream so deferred cleanup runs
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		stream.ResetTimeout(0)
	}()

	if !monitorJSON && !monitorRaw {
		fmt.Printf("j1939stat - Bus Monitor\n")
		fmt.Printf("Connection: %s\n", conn.Info)
		fmt.Printf("Press Ctrl+C to exit\n\n")
	}

	registry := j1939.DefaultRegistry()
	printPacket := newPacketPrinter(monitorRaw, monitorJSON, registry)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	seq := stream.All()
	if filter != nil {
		seq = j1939.Filter(seq, filter)
	}
	for p := range seq {
		if err := printPacket(out, p); err != nil {
			return err
		}
		out.Flush()
		if record != nil {
			fmt.Fprintln(record, adapter.FormatRecord(p))
		}
	}

	stats := conn.Bus.Stats()
	logger.WithField("received", stats.Received).
		WithField("sent", stats.Sent).
		WithField("dropped", stats.Dropped).
		WithField("aborted", stats.Aborted).
		Info("monitor stopped")
	return nil
}
