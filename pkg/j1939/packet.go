// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Packet represents one J1939 message: a raw CAN frame, or a TP-reassembled
// message with up to MaxMessageData bytes. Packets are immutable values.
type Packet struct {
	priority    uint8
	id          uint32 // 18 bits: DP, PF, PS
	source      uint8
	data        []byte
	timestamp   time.Time
	transmitted bool
}

// NewPacket creates a packet stamped with the current time.
// Priority is masked to 3 bits and id to 18 bits. The data is copied.
func NewPacket(priority int, id uint32, source uint8, data ...byte) Packet {
	return NewPacketAt(time.Now(), priority, id, source, data...)
}

// NewPacketAt creates a packet with an explicit timestamp
func NewPacketAt(ts time.Time, priority int, id uint32, source uint8, data ...byte) Packet {
	d := make([]byte, len(data))
	copy(d, data)
	return Packet{
		priority:  uint8(priority) & 0x07,
		id:        id & 0x3FFFF,
		source:    source,
		data:      d,
		timestamp: ts,
	}
}

// AsTransmitted returns a copy of the packet flagged as locally sent
func (p Packet) AsTransmitted() Packet {
	p.transmitted = true
	return p
}

// WithTimestamp returns a copy of the packet with a new timestamp
func (p Packet) WithTimestamp(ts time.Time) Packet {
	p.timestamp = ts
	return p
}

// Priority returns the 3-bit priority
func (p Packet) Priority() int {
	return int(p.priority)
}

// ID returns the 18-bit identifier, including the destination byte for PDU1 formats
func (p Packet) ID() uint32 {
	return p.id
}

// IsPDU1 returns true for destination-specific formats (PF < 0xF0)
func (p Packet) IsPDU1() bool {
	return p.id&0xFF00 < pdu2Threshold
}

// PGN returns the parameter group number. For PDU1 formats the destination
// byte is cleared.
func (p Packet) PGN() uint32 {
	if p.IsPDU1() {
		return p.id & 0x3FF00
	}
	return p.id
}

// Source returns the source address
func (p Packet) Source() uint8 {
	return p.source
}

// Destination returns the destination address. PDU2 formats are always global.
func (p Packet) Destination() uint8 {
	if p.IsPDU1() {
		return uint8(p.id)
	}
	return GlobalAddress
}

// CANID returns the 29-bit extended CAN identifier
func (p Packet) CANID() uint32 {
	return uint32(p.priority)<<26 | p.id<<8 | uint32(p.source)
}

// MatchesPGN reports whether the packet carries the given parameter group.
// PDU1 ids compare only the format byte (and data page), ignoring the
// destination; PDU2 ids compare exactly.
func (p Packet) MatchesPGN(pgn uint32) bool {
	if p.IsPDU1() {
		return p.id&0x3FF00 == pgn&0x3FF00
	}
	return p.id == pgn&0x3FFFF
}

// Len returns the payload length
func (p Packet) Len() int {
	return len(p.data)
}

// Data returns a copy of the payload
func (p Packet) Data() []byte {
	d := make([]byte, len(p.data))
	copy(d, p.data)
	return d
}

// Get returns the payload byte at index i. Bytes past the end read as 0xFF,
// the J1939 "not available" value.
func (p Packet) Get(i int) uint8 {
	if i < 0 || i >= len(p.data) {
		return 0xFF
	}
	return p.data[i]
}

// Get16 returns the little-endian 16-bit value at index i
func (p Packet) Get16(i int) uint16 {
	return uint16(p.Get(i)) | uint16(p.Get(i+1))<<8
}

// Get24 returns the little-endian 24-bit value at index i
func (p Packet) Get24(i int) uint32 {
	return uint32(p.Get(i)) | uint32(p.Get(i+1))<<8 | uint32(p.Get(i+2))<<16
}

// Get32 returns the little-endian 32-bit value at index i
func (p Packet) Get32(i int) uint32 {
	return p.Get24(i) | uint32(p.Get(i+3))<<24
}

// Timestamp returns the receive (or send) time
func (p Packet) Timestamp() time.Time {
	return p.timestamp
}

// Transmitted returns true if the packet was sent by this tool
func (p Packet) Transmitted() bool {
	return p.transmitted
}

// Equal compares every field except the timestamp, which is not part of the
// canonical text form.
func (p Packet) Equal(other Packet) bool {
	return p.priority == other.priority &&
		p.id == other.id &&
		p.source == other.source &&
		p.transmitted == other.transmitted &&
		bytes.Equal(p.data, other.data)
}

// String returns the canonical text form: the 29-bit identifier as 8 hex
// digits, the payload bytes, and " (TX)" for transmitted packets.
// Example: "18EA00F9 00 EE 00"
func (p Packet) String() string {
	var sb strings.Builder
	sb.Grow(8 + 3*len(p.data) + 5)
	fmt.Fprintf(&sb, "%06X%02X", uint32(p.priority)<<18|p.id, p.source)
	for _, b := range p.data {
		fmt.Fprintf(&sb, " %02X", b)
	}
	if p.transmitted {
		sb.WriteString(" (TX)")
	}
	return sb.String()
}

// ParsePacket parses the canonical text form produced by String.
// The returned packet is stamped with the current time.
func ParsePacket(s string) (Packet, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Packet{}, errors.New("empty packet string")
	}

	transmitted := false
	if fields[len(fields)-1] == "(TX)" {
		transmitted = true
		fields = fields[:len(fields)-1]
		if len(fields) == 0 {
			return Packet{}, errors.Errorf("missing header in %q", s)
		}
	}

	header := fields[0]
	if len(header) != 8 {
		return Packet{}, errors.Errorf("invalid header %q: expected 8 hex digits", header)
	}
	h, err := strconv.ParseUint(header, 16, 32)
	if err != nil {
		return Packet{}, errors.Wrapf(err, "invalid header %q", header)
	}
	if h>>26 > 7 {
		return Packet{}, errors.Errorf("invalid header %q: priority out of range", header)
	}

	data := make([]byte, 0, len(fields)-1)
	for _, f := range fields[1:] {
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return Packet{}, errors.Wrapf(err, "invalid data byte %q", f)
		}
		data = append(data, byte(b))
	}
	if len(data) > MaxMessageData {
		return Packet{}, errors.Errorf("payload too large: %d bytes", len(data))
	}

	p := NewPacket(int(h>>26), uint32(h>>8), uint8(h), data...)
	p.transmitted = transmitted
	return p, nil
}

// MustParsePacket is like ParsePacket but panics on error. Intended for fixtures.
func MustParsePacket(s string) Packet {
	p, err := ParsePacket(s)
	if err != nil {
		panic(err)
	}
	return p
}

// packetJSON is the JSON view of a packet used by the monitor output
type packetJSON struct {
	Timestamp   string `json:"ts"`
	Priority    int    `json:"priority"`
	PGN         uint32 `json:"pgn"`
	Source      uint8  `json:"src"`
	Destination uint8  `json:"dst"`
	Data        string `json:"data"`
	Transmitted bool   `json:"tx,omitempty"`
	Raw         string `json:"raw"`
}

// MarshalJSON implements json.Marshaler
func (p Packet) MarshalJSON() ([]byte, error) {
	hex := make([]string, len(p.data))
	for i, b := range p.data {
		hex[i] = fmt.Sprintf("%02X", b)
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(packetJSON{
		Timestamp:   p.timestamp.Format(time.RFC3339Nano),
		Priority:    int(p.priority),
		PGN:         p.PGN(),
		Source:      p.source,
		Destination: p.Destination(),
		Data:        strings.Join(hex, " "),
		Transmitted: p.transmitted,
		Raw:         p.String(),
	})
}
