// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

//go:build !linux

package adapter

import (
	"time"

	"github.com/pkg/errors"
)

// SocketCAN is only available on Linux
type SocketCAN struct {
	iface   string
	bitrate int
}

// NewSocketCAN creates a driver that fails to open on this platform
func NewSocketCAN(iface string, bitrate int) *SocketCAN {
	return &SocketCAN{iface: iface, bitrate: bitrate}
}

func (s *SocketCAN) Name() string { return "socketcan:" + s.iface }

func (s *SocketCAN) Open() error {
	return errors.New("socketcan is only supported on linux")
}

func (s *SocketCAN) ReadFrame(time.Duration) (Frame, error) { return Frame{}, ErrClosed }

func (s *SocketCAN) WriteFrame(Frame) error { return ErrClosed }

func (s *SocketCAN) Bitrate() (int, error) { return s.bitrate, nil }

func (s *SocketCAN) Close() error { return nil }
