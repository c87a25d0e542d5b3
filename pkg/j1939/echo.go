// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"sync/atomic"
	"time"
)

// DefaultBitrate is the nominal J1939 bitrate in bits per second
const DefaultBitrate = 250000

// EchoBus is an in-memory bus. Every sent packet is appended to its own queue
// flagged as transmitted, so readers observe local traffic the way a hardware
// adapter with echo reports it. Inject adds traffic from other nodes.
type EchoBus struct {
	address uint8
	speed   int
	queue   *Queue[Packet]
	sent    atomic.Uint64
}

// NewEchoBus creates an open in-memory bus claiming the given address
func NewEchoBus(address uint8) *EchoBus {
	return &EchoBus{
		address: address,
		speed:   DefaultBitrate,
		queue:   NewQueue[Packet](),
	}
}

// Send echoes a raw frame. Payloads longer than MaxFrameData are rejected.
func (b *EchoBus) Send(p Packet) error {
	if b.queue.Closed() {
		return ErrBusClosed
	}
	if p.Len() > MaxFrameData {
		return NewBusError(CodeInvalid, "frame payload exceeds 8 bytes", nil)
	}
	b.sent.Add(1)
	b.queue.Add(p.WithTimestamp(time.Now()).AsTransmitted())
	return nil
}

// Inject delivers a packet as if received from another node
func (b *EchoBus) Inject(p Packet) {
	b.queue.Add(p)
}

// Read returns a stream of packets arriving after the call
func (b *EchoBus) Read(timeout time.Duration) (*Stream[Packet], error) {
	if b.queue.Closed() {
		return nil, ErrBusClosed
	}
	return b.queue.Stream(timeout), nil
}

// Address returns the local source address
func (b *EchoBus) Address() uint8 {
	return b.address
}

// ConnectionSpeed returns the nominal bitrate
func (b *EchoBus) ConnectionSpeed() (int, error) {
	return b.speed, nil
}

// SentCount returns the number of frames sent through the bus
func (b *EchoBus) SentCount() uint64 {
	return b.sent.Load()
}

// Close terminates every outstanding stream
func (b *EchoBus) Close() error {
	b.queue.Close()
	return nil
}
