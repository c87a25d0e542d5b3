// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import "fmt"

// connectionManagement is a decoded TP.CM frame (PGN 0xEC00)
type connectionManagement struct {
	control   uint8
	size      int         // RTS, BAM, EOM: total message bytes
	packets   int         // RTS, BAM, EOM: total segments; CTS: segments granted
	maxPerCTS int         // RTS: segments the sender accepts per CTS
	next      int         // CTS: next segment to send
	reason    AbortReason // Abort
	pgn       uint32
}

// parseConnectionManagement decodes a TP.CM payload
func parseConnectionManagement(p Packet) (connectionManagement, bool) {
	if p.Len() < 8 {
		return connectionManagement{}, false
	}
	cm := connectionManagement{
		control: p.Get(0),
		pgn:     p.Get24(5),
	}
	switch cm.control {
	case tpControlRTS:
		cm.size = int(p.Get16(1))
		cm.packets = int(p.Get(3))
		cm.maxPerCTS = int(p.Get(4))
	case tpControlBAM:
		cm.size = int(p.Get16(1))
		cm.packets = int(p.Get(3))
	case tpControlCTS:
		cm.packets = int(p.Get(1))
		cm.next = int(p.Get(2))
	case tpControlEOM:
		cm.size = int(p.Get16(1))
		cm.packets = int(p.Get(3))
	case tpControlAbort:
		cm.reason = AbortReason(p.Get(1))
	default:
		return connectionManagement{}, false
	}
	return cm, true
}

func le24(v uint32) (byte, byte, byte) {
	return byte(v), byte(v >> 8), byte(v >> 16)
}

func rtsData(size, packets, maxPerCTS int, pgn uint32) []byte {
	a, b, c := le24(pgn)
	return []byte{tpControlRTS, byte(size), byte(size >> 8), byte(packets), byte(maxPerCTS), a, b, c}
}

func bamData(size, packets int, pgn uint32) []byte {
	a, b, c := le24(pgn)
	return []byte{tpControlBAM, byte(size), byte(size >> 8), byte(packets), 0xFF, a, b, c}
}

func ctsData(count, next int, pgn uint32) []byte {
	a, b, c := le24(pgn)
	return []byte{tpControlCTS, byte(count), byte(next), 0xFF, 0xFF, a, b, c}
}

func eomData(size, packets int, pgn uint32) []byte {
	a, b, c := le24(pgn)
	return []byte{tpControlEOM, byte(size), byte(size >> 8), byte(packets), 0xFF, a, b, c}
}

func abortData(reason AbortReason, pgn uint32) []byte {
	a, b, c := le24(pgn)
	return []byte{tpControlAbort, byte(reason), 0xFF, 0xFF, 0xFF, a, b, c}
}

// segment returns DT frame payload number seq (1-based) of data, padding the
// last segment with pad.
func segment(data []byte, seq int, pad byte) []byte {
	out := make([]byte, MaxFrameData)
	out[0] = byte(seq)
	start := (seq - 1) * segmentSize
	n := copy(out[1:], data[start:min(start+segmentSize, len(data))])
	for i := 1 + n; i < MaxFrameData; i++ {
		out[i] = pad
	}
	return out
}

// segmentCount returns the number of DT frames needed for size bytes
func segmentCount(size int) int {
	return (size + segmentSize - 1) / segmentSize
}

// tpFrameID returns the 18-bit id of a TP frame addressed to dest
func tpFrameID(pgn uint32, dest uint8) uint32 {
	return pgn | uint32(dest)
}

// messageID rebuilds the id of a reassembled message. PDU1 groups carry the
// destination address in the low byte.
func messageID(pgn uint32, dest uint8) uint32 {
	if pgn&0xFF00 < pdu2Threshold {
		return pgn&0x3FF00 | uint32(dest)
	}
	return pgn & 0x3FFFF
}

func controlName(control uint8) string {
	switch control {
	case tpControlRTS:
		return "RTS"
	case tpControlCTS:
		return "CTS"
	case tpControlEOM:
		return "EOM_ACK"
	case tpControlBAM:
		return "BAM"
	case tpControlAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("CM_0x%02X", control)
	}
}
