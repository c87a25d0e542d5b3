// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"fmt"
	"strings"
)

// FormatPacket formats a packet into a human-readable string using the
// registry for names and decoding.
func FormatPacket(p Packet, r *Registry) string {
	timestamp := p.Timestamp().Format("15:04:05.000")
	name := r.Name(p.PGN())

	direction := "RX"
	if p.Transmitted() {
		direction = "TX"
	}

	result := fmt.Sprintf("[%s] %s %s (0x%05X) %02X -> %02X pri=%d len=%d\n",
		timestamp, direction, name, p.PGN(), p.Source(), p.Destination(), p.Priority(), p.Len())

	msg, err := r.Decode(p)
	if err != nil {
		result += fmt.Sprintf("  Decode error: %v\n", err)
		return result + FormatData(p.Data())
	}
	return result + FormatMessage(msg, r)
}

// FormatMessage formats the decoded fields of a message
func FormatMessage(msg Message, r *Registry) string {
	switch m := msg.(type) {
	case RequestMessage:
		return fmt.Sprintf("  Requested: %s (0x%05X)\n", r.Name(m.Requested), m.Requested)

	case AckMessage:
		return fmt.Sprintf("  %s for %s (0x%05X), address 0x%02X\n",
			m.Control, r.Name(m.Acknowledgment.PGN), m.Acknowledgment.PGN, m.Address)

	case AddressClaim:
		return fmt.Sprintf("  NAME: %016X, Identity: %d, Manufacturer: %d, Function: %d, Industry Group: %d, Arbitrary: %t\n",
			m.Name, m.IdentityNumber, m.ManufacturerCode, m.Function, m.IndustryGroup, m.ArbitraryAddressCapable)

	default:
		return FormatData(msg.Packet().Data())
	}
}

// FormatData returns a hex dump, 16 bytes per line
func FormatData(data []byte) string {
	if len(data) == 0 {
		return "  (no data)\n"
	}
	var sb strings.Builder
	sb.WriteString("  Data: ")
	for i, b := range data {
		if i > 0 && i%16 == 0 {
			sb.WriteString("\n        ")
		}
		fmt.Fprintf(&sb, "%02X ", b)
	}
	sb.WriteString("\n")
	return sb.String()
}

// FormatResponse formats a request response on one line
func FormatResponse(resp Response, r *Registry) string {
	if ack, ok := resp.Ack(); ok {
		return fmt.Sprintf("%02X %s", ack.Source(), ack)
	}
	p := resp.Packet()
	return fmt.Sprintf("%02X %s: %s", p.Source(), r.Name(p.PGN()), p)
}
