// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/j1939stat/pkg/adapter"
)

var (
	bridgeListen   string
	bridgePath     string
	bridgeAuthUser string
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve the local bus to remote clients over WebSocket",
	Long: `Expose the selected adapter to remote j1939stat instances.

Every frame on the local bus is forwarded to each connected client, and
frames sent by clients are transmitted on the local bus. Frames travel as
CBOR messages; multi-packet messages are fragmented and reassembled by the
clients themselves.

Clients connect with --adapter ws --url ws://<host><listen>/<path>.

With --auth-user, clients must present HTTP Basic credentials. The password
is read from the J1939STAT_PASSWORD environment variable, or prompted
interactively if not set.

Exit codes:
  0 - Stopped
  2 - Connection error`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVarP(&bridgeListen, "listen", "l", ":8939", "Address to listen on")
	bridgeCmd.Flags().StringVar(&bridgePath, "path", "/j1939", "WebSocket endpoint path")
	bridgeCmd.Flags().StringVar(&bridgeAuthUser, "auth-user", "", "Require HTTP Basic auth with this username")
}

func runBridge(cmd *cobra.Command, args []string) error {
	opts := []adapter.BridgeOption{adapter.WithBridgeLogger(logger)}
	if bridgeAuthUser != "" {
		password, err := GetPassword()
		if err != nil {
			return err
		}
		opts = append(opts, adapter.WithBasicAuth(bridgeAuthUser, password))
	}

	bus, _, info, err := OpenRaw(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer bus.Close()

	mux := http.NewServeMux()
	mux.Handle(bridgePath, adapter.NewBridge(bus, info, opts...))
	server := &http.Server{
		Addr:              bridgeListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("j1939stat - WebSocket Bridge\n")
	fmt.Printf("Connection: %s\n", info)
	fmt.Printf("Listening on %s%s\n", bridgeListen, bridgePath)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "bridge server failed")
		}
		return nil
	case <-ctx.Done():
	}

	// Closing the bus ends every client session
	bus.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
