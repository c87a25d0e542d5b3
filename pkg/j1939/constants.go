// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package j1939 implements the SAE J1939 transport stack used by j1939stat.
//
// The package provides the immutable Packet value type and its canonical text
// form, the Bus abstraction over a CAN connection, a broadcast Queue that lets
// any number of readers replay one live packet stream, the Transport Protocol
// bus decorator (BAM and RTS/CTS with timers T1 to T4), and the request/response
// layer with retry and acknowledgment handling.
package j1939

import "time"

// Special addresses
const (
	GlobalAddress = 0xFF // All nodes
	NullAddress   = 0xFE // Node without a claimed address
)

// Frame and message size limits
const (
	MaxFrameData   = 8
	MaxMessageData = 1785 // 255 segments * 7 bytes
	segmentSize    = 7
	maxSegments    = 255
)

// PDU2 formats begin at PF 0xF0
const pdu2Threshold = 0xF000

// Parameter group numbers used by the stack itself
const (
	PGNAcknowledgment = 0xE800
	PGNRequest        = 0xEA00
	PGNTPData         = 0xEB00
	PGNTPConnection   = 0xEC00
	PGNAddressClaim   = 0xEE00
	PGNProprietaryA   = 0xEF00
	PGNDM1            = 0xFECA
	PGNDM2            = 0xFECB
	PGNComponentID    = 0xFEEB
	PGNVehicleID      = 0xFEEC
	PGNSoftwareID     = 0xFEDA
	PGNEEC1           = 0xF004
)

// Default priorities
const (
	PriorityRequest = 6
	PriorityTP      = 7
	PriorityDefault = 6
)

// Transport protocol connection management control bytes
const (
	tpControlRTS   = 0x10
	tpControlCTS   = 0x11
	tpControlEOM   = 0x13
	tpControlBAM   = 0x20
	tpControlAbort = 0xFF
)

// AbortReason is the reason byte carried by a TP Connection Abort frame
type AbortReason uint8

// Connection Abort reasons (J1939-21)
const (
	AbortAlreadyInSession AbortReason = 1
	AbortNoResources      AbortReason = 2
	AbortTimeout          AbortReason = 3
	AbortCTSWhileSending  AbortReason = 4
	AbortMaxRetransmit    AbortReason = 5
	AbortUnexpectedDT     AbortReason = 6
	AbortBadSequence      AbortReason = 7
	AbortDuplicateSeq     AbortReason = 8
	AbortTooLarge         AbortReason = 9
	AbortOther            AbortReason = 250
)

// Transport protocol timers (J1939-21)
const (
	DefaultT1 = 750 * time.Millisecond
	DefaultT2 = 1250 * time.Millisecond
	DefaultT3 = 1250 * time.Millisecond
	DefaultT4 = 1050 * time.Millisecond
)

// PollInterval bounds how late a stream notices a deadline change or expiry.
// A stream never ends earlier than its deadline and never later than its
// deadline plus PollInterval.
const PollInterval = 5 * time.Millisecond

// String returns the human-readable name of an abort reason
func (r AbortReason) String() string {
	switch r {
	case AbortAlreadyInSession:
		return "ALREADY_IN_SESSION"
	case AbortNoResources:
		return "NO_RESOURCES"
	case AbortTimeout:
		return "TIMEOUT"
	case AbortCTSWhileSending:
		return "CTS_WHILE_SENDING"
	case AbortMaxRetransmit:
		return "MAX_RETRANSMIT"
	case AbortUnexpectedDT:
		return "UNEXPECTED_DT"
	case AbortBadSequence:
		return "BAD_SEQUENCE"
	case AbortDuplicateSeq:
		return "DUPLICATE_SEQUENCE"
	case AbortTooLarge:
		return "TOO_LARGE"
	case AbortOther:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}
