// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/Thermoquad/j1939stat/pkg/adapter"
	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

// EnvPassword holds the WebSocket Basic auth password
const EnvPassword = "J1939STAT_PASSWORD"

// streamForever keeps a stream open until the bus closes or it is reset
const streamForever = 100 * 365 * 24 * time.Hour

// Connection is an open adapter with the transport protocol layered on top
type Connection struct {
	// Bus reassembles and fragments multi-packet messages
	Bus *j1939.TPBus
	// Raw is the single-frame bus under Bus
	Raw j1939.Bus
	// Info describes the adapter for display
	Info string

	events <-chan adapter.Event
}

// Events returns adapter events, or nil for the simulated bus
func (c *Connection) Events() <-chan adapter.Event {
	return c.events
}

// Close closes the transport layer and the adapter
func (c *Connection) Close() error {
	return c.Bus.Close()
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv(EnvPassword); pw != "" {
		return pw, nil
	}

	// Prompt user for password (hide input)
	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", errors.Wrap(err, "failed to read password")
		}
		fmt.Fprintln(os.Stderr) // newline after password
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr) // newline after password
	return string(passwordBytes), nil
}

// newDriver builds the adapter driver selected by cfg
func newDriver(cfg Config) (adapter.Driver, string, error) {
	switch cfg.Adapter {
	case AdapterSocketCAN:
		if cfg.Interface == "" {
			return nil, "", errors.New("--iface must be specified for socketcan")
		}
		return adapter.NewSocketCAN(cfg.Interface, cfg.Bitrate),
			fmt.Sprintf("SocketCAN: %s", cfg.Interface), nil

	case AdapterSLCAN:
		if cfg.Port == "" {
			return nil, "", errors.New("--port must be specified for slcan")
		}
		return adapter.NewSLCAN(cfg.Port, cfg.Baud, cfg.Bitrate),
			fmt.Sprintf("SLCAN: %s @ %d baud, %d bit/s", cfg.Port, cfg.Baud, cfg.Bitrate), nil

	case AdapterWebSocket:
		if cfg.URL == "" {
			return nil, "", errors.New("--url must be specified for ws")
		}
		password := ""
		if cfg.Username != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}
		return adapter.NewWebSocket(cfg.URL, cfg.Username, password, cfg.NoSSLVerify),
			fmt.Sprintf("WebSocket: %s", cfg.URL), nil

	case AdapterReplay:
		if cfg.File == "" {
			return nil, "", errors.New("--file must be specified for replay")
		}
		return adapter.NewReplay(cfg.File, adapter.WithReplaySpeed(cfg.ReplaySpeed)),
			fmt.Sprintf("Replay: %s (x%.1f)", cfg.File, cfg.ReplaySpeed), nil
	}
	return nil, "", errors.Errorf("unknown adapter %q (use socketcan, slcan, ws, replay or sim)", cfg.Adapter)
}

// OpenRaw opens the single-frame bus selected by cfg
func OpenRaw(cfg Config, log logrus.FieldLogger) (j1939.Bus, <-chan adapter.Event, string, error) {
	if cfg.Adapter == AdapterSim {
		return j1939.NewEchoBus(cfg.Address), nil, "Simulated bus", nil
	}

	driver, info, err := newDriver(cfg)
	if err != nil {
		return nil, nil, "", err
	}
	bus, err := adapter.NewDriverBus(driver, cfg.Address, adapter.WithLogger(log))
	if err != nil {
		return nil, nil, "", err
	}
	return bus, bus.Events(), info, nil
}

// OpenConnection opens the adapter selected by cfg and layers the
// transport protocol on top
func OpenConnection(cfg Config, log logrus.FieldLogger) (*Connection, error) {
	raw, events, info, err := OpenRaw(cfg, log)
	if err != nil {
		return nil, err
	}

	bus, err := j1939.NewTPBus(raw,
		j1939.WithTPLogger(log),
		j1939.WithTPConfig(cfg.TP),
	)
	if err != nil {
		raw.Close()
		return nil, err
	}

	return &Connection{Bus: bus, Raw: raw, Info: info, events: events}, nil
}

// newClient creates a request client on conn using the configured budget
func newClient(conn *Connection, cfg Config, log logrus.FieldLogger) *j1939.J1939 {
	return j1939.New(conn.Bus,
		j1939.WithLogger(log),
		j1939.WithTimeouts(cfg.Request.GlobalTimeout, cfg.Request.SpecificTimeout),
		j1939.WithMaxRetries(cfg.Request.MaxRetries),
	)
}

// connectOrExit opens the connection, exiting with status 2 on failure
func connectOrExit() *Connection {
	conn, err := OpenConnection(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	return conn
}
