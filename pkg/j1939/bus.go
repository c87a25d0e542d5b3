// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"fmt"
	"time"
)

// Bus is a connection to a J1939 network, physical or simulated.
//
// Each Bus owns one Queue of received packets. Read returns an independent
// stream over that queue starting now; the stream ends when its timeout
// elapses or the bus is closed. Close terminates every outstanding stream.
type Bus interface {
	Send(p Packet) error
	Read(timeout time.Duration) (*Stream[Packet], error)
	Address() uint8
	ConnectionSpeed() (int, error)
	Close() error
}

// Bus error codes. Drivers may report their own positive codes.
const (
	CodeClosed   = -1
	CodeTimeout  = -2
	CodeInvalid  = -3
	CodeDriver   = -4
	CodeProtocol = -5
)

// BusError is a transport or hardware fault
type BusError struct {
	Code    int
	Message string
	Err     error
}

func (e *BusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bus error %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("bus error %d: %s", e.Code, e.Message)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// Is matches any *BusError with the same code
func (e *BusError) Is(target error) bool {
	t, ok := target.(*BusError)
	return ok && t.Code == e.Code
}

// ErrBusClosed is returned by operations on a closed bus
var ErrBusClosed = &BusError{Code: CodeClosed, Message: "bus closed"}

// NewBusError creates a BusError wrapping err
func NewBusError(code int, message string, err error) *BusError {
	return &BusError{Code: code, Message: message, Err: err}
}
