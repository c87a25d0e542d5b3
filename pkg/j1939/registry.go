// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Message is a decoded parameter group
type Message interface {
	PGN() uint32
	Packet() Packet
}

// DecodeFunc turns a packet into a typed message
type DecodeFunc func(Packet) (Message, error)

// GenericMessage wraps a packet whose parameter group has no decoder
type GenericMessage struct {
	packet Packet
}

// NewGenericMessage wraps p
func NewGenericMessage(p Packet) GenericMessage {
	return GenericMessage{packet: p}
}

// PGN returns the parameter group number
func (m GenericMessage) PGN() uint32 { return m.packet.PGN() }

// Packet returns the underlying packet
func (m GenericMessage) Packet() Packet { return m.packet }

type registration struct {
	name   string
	decode DecodeFunc
}

// Registry maps parameter group numbers to decoders. Message modules
// register themselves once at startup; the request layer only calls Decode.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint32]registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint32]registration)}
}

// DefaultRegistry returns a registry with the decoders this package provides
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(PGNAddressClaim, "ADDRESS_CLAIMED", DecodeAddressClaim)
	r.Register(PGNRequest, "REQUEST", DecodeRequest)
	r.Register(PGNAcknowledgment, "ACKNOWLEDGMENT", decodeAcknowledgment)
	for pgn, name := range wellKnownNames {
		if _, ok := r.entries[pgn]; !ok {
			r.Register(pgn, name, nil)
		}
	}
	return r
}

// Register adds a decoder for pgn. A nil decode only names the group.
// Registering a PGN twice replaces the previous entry.
func (r *Registry) Register(pgn uint32, name string, decode DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[pgn&0x3FFFF] = registration{name: name, decode: decode}
}

// Lookup returns the decoder for pgn
func (r *Registry) Lookup(pgn uint32) (DecodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pgn&0x3FFFF]
	if !ok || e.decode == nil {
		return nil, false
	}
	return e.decode, true
}

// Name returns the registered name of pgn, or a hex placeholder
func (r *Registry) Name(pgn uint32) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[pgn&0x3FFFF]; ok {
		return e.name
	}
	return fmt.Sprintf("PGN_%05X", pgn)
}

// PGNs returns the registered parameter group numbers in ascending order
func (r *Registry) PGNs() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pgns := make([]uint32, 0, len(r.entries))
	for pgn := range r.entries {
		pgns = append(pgns, pgn)
	}
	sort.Slice(pgns, func(i, j int) bool { return pgns[i] < pgns[j] })
	return pgns
}

// Decode decodes p with its registered decoder, falling back to GenericMessage
func (r *Registry) Decode(p Packet) (Message, error) {
	decode, ok := r.Lookup(p.PGN())
	if !ok {
		return NewGenericMessage(p), nil
	}
	msg, err := decode(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode PGN 0x%05X", p.PGN())
	}
	return msg, nil
}

// wellKnownNames names common parameter groups without decoding them
var wellKnownNames = map[uint32]string{
	PGNTPData:       "TP_DT",
	PGNTPConnection: "TP_CM",
	PGNProprietaryA: "PROPRIETARY_A",
	PGNDM1:          "DM1",
	PGNDM2:          "DM2",
	PGNComponentID:  "COMPONENT_ID",
	PGNVehicleID:    "VEHICLE_ID",
	PGNSoftwareID:   "SOFTWARE_ID",
	PGNEEC1:         "EEC1",
}

// RequestMessage is a decoded Request (PGN 0xEA00)
type RequestMessage struct {
	packet    Packet
	Requested uint32
}

// DecodeRequest decodes a Request frame
func DecodeRequest(p Packet) (Message, error) {
	if p.Len() < 3 {
		return nil, errors.Errorf("request too short: %d bytes", p.Len())
	}
	return RequestMessage{packet: p, Requested: p.Get24(0)}, nil
}

func (m RequestMessage) PGN() uint32    { return PGNRequest }
func (m RequestMessage) Packet() Packet { return m.packet }

// AckMessage adapts an Acknowledgment to the Message interface for passive reads
type AckMessage struct {
	Acknowledgment
}

func (m AckMessage) PGN() uint32 { return PGNAcknowledgment }

func decodeAcknowledgment(p Packet) (Message, error) {
	ack, err := ParseAcknowledgment(p)
	if err != nil {
		return nil, err
	}
	return AckMessage{ack}, nil
}

// AddressClaim is a decoded Address Claimed message (PGN 0xEE00) with its
// 64-bit NAME split into fields.
type AddressClaim struct {
	packet                  Packet
	Name                    uint64
	IdentityNumber          uint32
	ManufacturerCode        uint16
	ECUInstance             uint8
	FunctionInstance        uint8
	Function                uint8
	VehicleSystem           uint8
	VehicleSystemInstance   uint8
	IndustryGroup           uint8
	ArbitraryAddressCapable bool
}

// DecodeAddressClaim decodes an Address Claimed frame
func DecodeAddressClaim(p Packet) (Message, error) {
	if p.Len() < 8 {
		return nil, errors.Errorf("address claim too short: %d bytes", p.Len())
	}
	name := uint64(p.Get32(0)) | uint64(p.Get32(4))<<32
	return AddressClaim{
		packet:                  p,
		Name:                    name,
		IdentityNumber:          uint32(name & 0x1FFFFF),
		ManufacturerCode:        uint16(name >> 21 & 0x7FF),
		ECUInstance:             uint8(name >> 32 & 0x07),
		FunctionInstance:        uint8(name >> 35 & 0x1F),
		Function:                uint8(name >> 40),
		VehicleSystem:           uint8(name >> 49 & 0x7F),
		VehicleSystemInstance:   uint8(name >> 56 & 0x0F),
		IndustryGroup:           uint8(name >> 60 & 0x07),
		ArbitraryAddressCapable: name>>63 == 1,
	}, nil
}

func (m AddressClaim) PGN() uint32    { return PGNAddressClaim }
func (m AddressClaim) Packet() Packet { return m.packet }

// Source returns the claimed address
func (m AddressClaim) Source() uint8 { return m.packet.Source() }
