// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package adapter binds CAN hardware and remote bridges to the j1939 Bus
// interface. A Driver moves raw 29-bit frames; DriverBus turns a Driver into
// a j1939.Bus with a receive queue, echo handling and error mapping.
package adapter

import (
	"time"

	"github.com/pkg/errors"
)

// Driver errors
var (
	// ErrNoFrame is returned by ReadFrame when nothing arrived before the timeout
	ErrNoFrame = errors.New("no frame received")

	// ErrClosed is returned once the driver has been closed or its link is gone
	ErrClosed = errors.New("adapter closed")
)

// Frame is a raw extended CAN frame as seen by a driver
type Frame struct {
	ID        uint32 // 29-bit identifier
	Data      []byte
	Timestamp time.Time
	Echo      bool // frame was sent by this node
}

// Driver is the vendor boundary: anything that can open a CAN channel and
// move raw frames through it.
type Driver interface {
	Open() error
	ReadFrame(timeout time.Duration) (Frame, error)
	WriteFrame(f Frame) error
	Bitrate() (int, error)
	Close() error
	Name() string
}

// HardwareEcho is implemented by drivers that report their own transmitted
// frames on the receive path (with Echo set). DriverBus skips its software
// echo for them.
type HardwareEcho interface {
	HardwareEcho() bool
}

func hasHardwareEcho(d Driver) bool {
	h, ok := d.(HardwareEcho)
	return ok && h.HardwareEcho()
}
