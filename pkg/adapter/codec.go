// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adapter

import (
	"time"

	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

// CAN identifier layout
const (
	extendedIDMask = 0x1FFFFFFF
)

// DecodeFrame converts a raw frame into a packet. The 29-bit identifier
// splits into priority (bits 26-28), the 18-bit id (data page, PDU format,
// PDU specific) and the source address.
func DecodeFrame(f Frame) j1939.Packet {
	id := f.ID & extendedIDMask
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	p := j1939.NewPacketAt(ts, int(id>>26), id>>8, uint8(id), f.Data...)
	if f.Echo {
		p = p.AsTransmitted()
	}
	return p
}

// EncodePacket converts a packet into a raw frame. Payloads that do not fit
// a single CAN frame are rejected; multi-packet messages go through TPBus.
func EncodePacket(p j1939.Packet) (Frame, error) {
	if p.Len() > j1939.MaxFrameData {
		return Frame{}, j1939.NewBusError(j1939.CodeInvalid, "frame payload exceeds 8 bytes", nil)
	}
	return Frame{
		ID:        p.CANID(),
		Data:      p.Data(),
		Timestamp: p.Timestamp(),
		Echo:      p.Transmitted(),
	}, nil
}
