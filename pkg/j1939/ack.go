// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"fmt"

	"github.com/pkg/errors"
)

// AckControl is the control byte of an Acknowledgment (PGN 0xE800)
type AckControl uint8

// Acknowledgment outcomes
const (
	AckPositive     AckControl = 0
	AckNegative     AckControl = 1
	AckAccessDenied AckControl = 2
	AckBusy         AckControl = 3
)

func (c AckControl) String() string {
	switch c {
	case AckPositive:
		return "ACK"
	case AckNegative:
		return "NACK"
	case AckAccessDenied:
		return "DENIED"
	case AckBusy:
		return "BUSY"
	default:
		return fmt.Sprintf("ACK_0x%02X", uint8(c))
	}
}

// Acknowledgment is a decoded response to a Request that carries no data:
// the responder either confirms, refuses, denies access or is busy.
type Acknowledgment struct {
	Control       AckControl
	GroupFunction uint8
	Address       uint8  // address the acknowledgment is directed to
	PGN           uint32 // the requested parameter group
	packet        Packet
}

// IsAcknowledgment reports whether p is shaped like an Acknowledgment
func IsAcknowledgment(p Packet) bool {
	return p.MatchesPGN(PGNAcknowledgment) && p.Len() >= 8 && p.Get(0) <= uint8(AckBusy)
}

// ParseAcknowledgment decodes an Acknowledgment frame
func ParseAcknowledgment(p Packet) (Acknowledgment, error) {
	if !p.MatchesPGN(PGNAcknowledgment) {
		return Acknowledgment{}, errors.Errorf("PGN 0x%05X is not an acknowledgment", p.PGN())
	}
	if p.Len() < 8 {
		return Acknowledgment{}, errors.Errorf("acknowledgment too short: %d bytes", p.Len())
	}
	if p.Get(0) > uint8(AckBusy) {
		return Acknowledgment{}, errors.Errorf("unknown acknowledgment control 0x%02X", p.Get(0))
	}
	return Acknowledgment{
		Control:       AckControl(p.Get(0)),
		GroupFunction: p.Get(1),
		Address:       p.Get(4),
		PGN:           p.Get24(5),
		packet:        p,
	}, nil
}

// NewAcknowledgmentPacket builds an Acknowledgment frame from source
// answering a request for pgn made by address.
func NewAcknowledgmentPacket(control AckControl, pgn uint32, address, source uint8) Packet {
	a, b, c := le24(pgn)
	return NewPacket(PriorityDefault, PGNAcknowledgment|GlobalAddress, source,
		byte(control), 0xFF, 0xFF, 0xFF, address, a, b, c)
}

// Packet returns the frame the acknowledgment was decoded from
func (a Acknowledgment) Packet() Packet {
	return a.packet
}

// Source returns the address of the acknowledging node
func (a Acknowledgment) Source() uint8 {
	return a.packet.Source()
}

func (a Acknowledgment) String() string {
	return fmt.Sprintf("%s from 0x%02X for PGN 0x%05X", a.Control, a.Source(), a.PGN)
}
