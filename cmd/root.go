// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configPath string

	// Adapter selection flags
	flagAdapter     string
	flagInterface   string
	flagBitrate     int
	flagAddress     uint
	flagFile        string
	flagReplaySpeed float64
	flagLogLevel    string

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool
)

// Resolved before every command runs
var (
	config Config
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "j1939stat",
	Short: "SAE J1939 Diagnostic Tool",
	Long: `j1939stat - A CLI tool for monitoring and querying SAE J1939 networks.

Monitors bus traffic with transport protocol reassembly, requests parameter
groups from ECUs, discovers nodes, and bridges a local bus over WebSocket.

Adapters:
  SocketCAN: --adapter socketcan --iface can0
  SLCAN:     --adapter slcan --port /dev/ttyACM0 [--baud 115200] [--bitrate 250000]
  WebSocket: --adapter ws --url ws://host/path [--username user]
  Replay:    --adapter replay --file capture.log [--speed 1]
  Simulated: --adapter sim

Settings may also come from a TOML file (--config). Flags given on the
command line take precedence over the file. The log level can be overridden
with the J1939STAT_LOG_LEVEL environment variable.

For WebSocket authentication, the password is read from the J1939STAT_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd.Flags(), configPath)
		if err != nil {
			return err
		}
		config = cfg
		logger = newLogger(cfg)
		return nil
	},
}

func init() {
	addConnectionFlags(rootCmd.PersistentFlags())
}

// addConnectionFlags defines the adapter and logging flags on fs
func addConnectionFlags(fs *pflag.FlagSet) {
	defaults := DefaultConfig()

	fs.StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	fs.StringVarP(&flagAdapter, "adapter", "a", defaults.Adapter, "Adapter: socketcan, slcan, ws, replay or sim")
	fs.UintVar(&flagAddress, "address", uint(defaults.Address), "Source address of this tool")
	fs.StringVar(&flagLogLevel, "log-level", defaults.LogLevel.String(), "Log level (debug, info, warn, error)")

	// SocketCAN flags
	fs.StringVarP(&flagInterface, "iface", "i", defaults.Interface, "CAN network interface (socketcan only)")
	fs.IntVar(&flagBitrate, "bitrate", defaults.Bitrate, "CAN bitrate")

	// Serial connection flags
	fs.StringVarP(&portName, "port", "p", "", "Serial port device (slcan only)")
	fs.IntVarP(&baudRate, "baud", "b", defaults.Baud, "Baud rate (slcan only)")

	// WebSocket connection flags
	fs.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	fs.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	fs.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Replay flags
	fs.StringVarP(&flagFile, "file", "f", "", "Recorded log to replay (replay only)")
	fs.Float64Var(&flagReplaySpeed, "speed", defaults.ReplaySpeed, "Replay speed factor (replay only)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
