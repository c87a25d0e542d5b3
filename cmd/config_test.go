// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "j1939stat.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addConnectionFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

// ============================================================
// Config File
// ============================================================

func TestDefaultConfig(t *testing.T) {
	cfg, err := resolveConfig(parseFlags(t), "")
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.Adapter != AdapterSocketCAN || cfg.Interface != "can0" {
		t.Fatalf("unexpected adapter: %s %s", cfg.Adapter, cfg.Interface)
	}
	if cfg.Address != 0xF9 {
		t.Fatalf("unexpected address: 0x%02X", cfg.Address)
	}
	if cfg.TP != j1939.DefaultTPConfig() {
		t.Fatalf("unexpected tp config: %+v", cfg.TP)
	}
	if cfg.Request.MaxRetries != j1939.DefaultMaxRetries {
		t.Fatalf("unexpected retries: %d", cfg.Request.MaxRetries)
	}
}

func TestLoadConfigFileOverrides(t *testing.T) {
	path := writeConfig(t, `
adapter = "slcan"
port = "/dev/ttyACM0"
bitrate = 500000
address = 0x80
log_level = "debug"

[tp]
t1 = "500ms"
t3 = "2s"
max_packets_per_cts = 4
pad_byte = 0xFF

[request]
max_retries = 5
global_timeout = "1s"
`)

	cfg, err := loadConfigFile(path, DefaultConfig())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Adapter != AdapterSLCAN || cfg.Port != "/dev/ttyACM0" {
		t.Fatalf("unexpected adapter: %s %s", cfg.Adapter, cfg.Port)
	}
	if cfg.Bitrate != 500000 {
		t.Fatalf("unexpected bitrate: %d", cfg.Bitrate)
	}
	if cfg.Address != 0x80 {
		t.Fatalf("unexpected address: 0x%02X", cfg.Address)
	}
	if cfg.LogLevel != logrus.DebugLevel {
		t.Fatalf("unexpected level: %v", cfg.LogLevel)
	}
	if cfg.TP.T1 != 500*time.Millisecond || cfg.TP.T3 != 2*time.Second {
		t.Fatalf("unexpected timers: %+v", cfg.TP)
	}
	if cfg.TP.MaxPacketsPerCTS != 4 || cfg.TP.PadByte != 0xFF {
		t.Fatalf("unexpected flow control: %+v", cfg.TP)
	}
	if cfg.Request.MaxRetries != 5 || cfg.Request.GlobalTimeout != time.Second {
		t.Fatalf("unexpected request config: %+v", cfg.Request)
	}

	// Keys missing from the file keep their defaults
	if cfg.TP.T2 != j1939.DefaultT2 || cfg.TP.T4 != j1939.DefaultT4 {
		t.Fatalf("unset timers changed: %+v", cfg.TP)
	}
	if cfg.Request.SpecificTimeout != j1939.DefaultSpecificTimeout {
		t.Fatalf("unset timeout changed: %v", cfg.Request.SpecificTimeout)
	}
	if cfg.Interface != "can0" {
		t.Fatalf("unset iface changed: %q", cfg.Interface)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad syntax", `adapter = `},
		{"bad duration", "[tp]\nt1 = \"soon\"\n"},
		{"address out of range", `address = 300`},
		{"pad byte out of range", "[tp]\npad_byte = 256\n"},
		{"bad level", `log_level = "loud"`},
		{"bad request timeout", "[request]\nspecific_timeout = \"x\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadConfigFile(writeConfig(t, tt.content), DefaultConfig()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if _, err := loadConfigFile(filepath.Join(t.TempDir(), "missing.toml"), DefaultConfig()); err == nil {
		t.Fatalf("missing file should fail")
	}
}

// ============================================================
// Precedence
// ============================================================

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := writeConfig(t, `
adapter = "slcan"
port = "/dev/ttyACM0"
bitrate = 500000
`)

	cfg, err := resolveConfig(parseFlags(t, "--bitrate", "250000", "--address", "0x10"), path)
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.Bitrate != 250000 {
		t.Fatalf("flag should win: bitrate %d", cfg.Bitrate)
	}
	if cfg.Address != 0x10 {
		t.Fatalf("flag should win: address 0x%02X", cfg.Address)
	}
	// Flags left at their defaults do not clobber the file
	if cfg.Adapter != AdapterSLCAN || cfg.Port != "/dev/ttyACM0" {
		t.Fatalf("file values lost: %s %s", cfg.Adapter, cfg.Port)
	}
}

func TestEnvOverridesLogLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	cfg, err := resolveConfig(parseFlags(t, "--log-level", "error"), "")
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.LogLevel != logrus.DebugLevel {
		t.Fatalf("env should win: %v", cfg.LogLevel)
	}

	t.Setenv(EnvLogLevel, "nonsense")
	cfg, err = resolveConfig(parseFlags(t, "--log-level", "error"), "")
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.LogLevel != logrus.ErrorLevel {
		t.Fatalf("invalid env value should be ignored: %v", cfg.LogLevel)
	}
}

func TestResolveConfigErrors(t *testing.T) {
	if _, err := resolveConfig(parseFlags(t, "--address", "300"), ""); err == nil {
		t.Fatalf("address out of range should fail")
	}
	if _, err := resolveConfig(parseFlags(t, "--log-level", "loud"), ""); err == nil {
		t.Fatalf("bad log level should fail")
	}
	path := writeConfig(t, "[tp]\nt2 = \"0s\"\n")
	if _, err := resolveConfig(parseFlags(t), path); err == nil {
		t.Fatalf("zero timer should fail validation")
	}
}
