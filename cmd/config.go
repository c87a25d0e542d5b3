// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/Thermoquad/j1939stat/pkg/adapter"
	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

// EnvLogLevel overrides the configured log level
const EnvLogLevel = "J1939STAT_LOG_LEVEL"

// Adapter kinds
const (
	AdapterSocketCAN = "socketcan"
	AdapterSLCAN     = "slcan"
	AdapterWebSocket = "ws"
	AdapterReplay    = "replay"
	AdapterSim       = "sim"
)

// Config is the resolved tool configuration
type Config struct {
	Adapter     string
	Interface   string
	Port        string
	Baud        int
	Bitrate     int
	URL         string
	Username    string
	NoSSLVerify bool
	File        string
	ReplaySpeed float64
	Address     uint8
	LogLevel    logrus.Level

	TP      j1939.TPConfig
	Request RequestConfig
}

// RequestConfig holds the request layer retry budget and windows
type RequestConfig struct {
	MaxRetries      int
	GlobalTimeout   time.Duration
	SpecificTimeout time.Duration
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		Adapter:     AdapterSocketCAN,
		Interface:   "can0",
		Baud:        adapter.DefaultSLCANBaud,
		Bitrate:     j1939.DefaultBitrate,
		ReplaySpeed: 1,
		Address:     0xF9,
		LogLevel:    logrus.WarnLevel,
		TP:          j1939.DefaultTPConfig(),
		Request: RequestConfig{
			MaxRetries:      j1939.DefaultMaxRetries,
			GlobalTimeout:   j1939.DefaultGlobalTimeout,
			SpecificTimeout: j1939.DefaultSpecificTimeout,
		},
	}
}

type fileConfig struct {
	Adapter     string  `toml:"adapter"`
	Interface   string  `toml:"iface"`
	Port        string  `toml:"port"`
	Baud        int     `toml:"baud"`
	Bitrate     int     `toml:"bitrate"`
	URL         string  `toml:"url"`
	Username    string  `toml:"username"`
	NoSSLVerify bool    `toml:"no_ssl_verify"`
	File        string  `toml:"file"`
	ReplaySpeed float64 `toml:"replay_speed"`
	Address     int     `toml:"address"`
	LogLevel    string  `toml:"log_level"`

	TP struct {
		T1               string `toml:"t1"`
		T2               string `toml:"t2"`
		T3               string `toml:"t3"`
		T4               string `toml:"t4"`
		MaxPacketsPerCTS int    `toml:"max_packets_per_cts"`
		CTSRetries       int    `toml:"cts_retries"`
		BAMInterval      string `toml:"bam_interval"`
		PadByte          int    `toml:"pad_byte"`
	} `toml:"tp"`

	Request struct {
		MaxRetries      int    `toml:"max_retries"`
		GlobalTimeout   string `toml:"global_timeout"`
		SpecificTimeout string `toml:"specific_timeout"`
	} `toml:"request"`
}

// loadConfigFile overlays the TOML file at path on cfg. Keys missing from
// the file keep their current value.
func loadConfigFile(path string, cfg Config) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}

	if meta.IsDefined("adapter") {
		cfg.Adapter = strings.TrimSpace(raw.Adapter)
	}
	if meta.IsDefined("iface") {
		cfg.Interface = strings.TrimSpace(raw.Interface)
	}
	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("baud") {
		cfg.Baud = raw.Baud
	}
	if meta.IsDefined("bitrate") {
		cfg.Bitrate = raw.Bitrate
	}
	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("username") {
		cfg.Username = raw.Username
	}
	if meta.IsDefined("no_ssl_verify") {
		cfg.NoSSLVerify = raw.NoSSLVerify
	}
	if meta.IsDefined("file") {
		cfg.File = strings.TrimSpace(raw.File)
	}
	if meta.IsDefined("replay_speed") {
		cfg.ReplaySpeed = raw.ReplaySpeed
	}
	if meta.IsDefined("address") {
		if raw.Address < 0 || raw.Address > j1939.NullAddress {
			return Config{}, errors.Errorf("address out of range: %d", raw.Address)
		}
		cfg.Address = uint8(raw.Address)
	}
	if meta.IsDefined("log_level") {
		level, err := logrus.ParseLevel(raw.LogLevel)
		if err != nil {
			return Config{}, errors.Wrap(err, "parse log_level")
		}
		cfg.LogLevel = level
	}

	timers := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"t1", raw.TP.T1, &cfg.TP.T1},
		{"t2", raw.TP.T2, &cfg.TP.T2},
		{"t3", raw.TP.T3, &cfg.TP.T3},
		{"t4", raw.TP.T4, &cfg.TP.T4},
		{"bam_interval", raw.TP.BAMInterval, &cfg.TP.BAMInterval},
	}
	for _, timer := range timers {
		if !meta.IsDefined("tp", timer.key) {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(timer.raw))
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse tp.%s", timer.key)
		}
		*timer.dst = d
	}
	if meta.IsDefined("tp", "max_packets_per_cts") {
		cfg.TP.MaxPacketsPerCTS = raw.TP.MaxPacketsPerCTS
	}
	if meta.IsDefined("tp", "cts_retries") {
		cfg.TP.CTSRetries = raw.TP.CTSRetries
	}
	if meta.IsDefined("tp", "pad_byte") {
		if raw.TP.PadByte < 0 || raw.TP.PadByte > 0xFF {
			return Config{}, errors.Errorf("tp.pad_byte out of range: %d", raw.TP.PadByte)
		}
		cfg.TP.PadByte = byte(raw.TP.PadByte)
	}

	if meta.IsDefined("request", "max_retries") {
		cfg.Request.MaxRetries = raw.Request.MaxRetries
	}
	if meta.IsDefined("request", "global_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Request.GlobalTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse request.global_timeout")
		}
		cfg.Request.GlobalTimeout = d
	}
	if meta.IsDefined("request", "specific_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Request.SpecificTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse request.specific_timeout")
		}
		cfg.Request.SpecificTimeout = d
	}

	return cfg, nil
}

// applyFlags copies every flag the user set explicitly onto cfg
func applyFlags(flags *pflag.FlagSet, cfg Config) (Config, error) {
	if flags.Changed("adapter") {
		cfg.Adapter = flagAdapter
	}
	if flags.Changed("iface") {
		cfg.Interface = flagInterface
	}
	if flags.Changed("port") {
		cfg.Port = portName
	}
	if flags.Changed("baud") {
		cfg.Baud = baudRate
	}
	if flags.Changed("bitrate") {
		cfg.Bitrate = flagBitrate
	}
	if flags.Changed("url") {
		cfg.URL = wsURL
	}
	if flags.Changed("username") {
		cfg.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		cfg.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("file") {
		cfg.File = flagFile
	}
	if flags.Changed("speed") {
		cfg.ReplaySpeed = flagReplaySpeed
	}
	if flags.Changed("address") {
		if flagAddress > j1939.NullAddress {
			return Config{}, errors.Errorf("address out of range: 0x%02X", flagAddress)
		}
		cfg.Address = uint8(flagAddress)
	}
	if flags.Changed("log-level") {
		level, err := logrus.ParseLevel(flagLogLevel)
		if err != nil {
			return Config{}, errors.Wrap(err, "invalid --log-level")
		}
		cfg.LogLevel = level
	}
	return cfg, nil
}

// applyEnv applies environment overrides
func applyEnv(cfg Config) Config {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		if level, err := logrus.ParseLevel(v); err == nil {
			cfg.LogLevel = level
		}
	}
	return cfg
}

// resolveConfig builds the configuration: defaults, then the config file,
// then explicit flags, then the environment.
func resolveConfig(flags *pflag.FlagSet, path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		cfg, err = loadConfigFile(path, cfg)
		if err != nil {
			return Config{}, err
		}
	}
	cfg, err := applyFlags(flags, cfg)
	if err != nil {
		return Config{}, err
	}
	cfg = applyEnv(cfg)

	if err := cfg.TP.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// newLogger builds the tool logger from the configuration
func newLogger(cfg Config) *logrus.Logger {
	return j1939.NewLogger(cfg.LogLevel, os.Stderr)
}
