// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"
)

// ============================================================
// Registry
// ============================================================

func TestRegistry_GenericFallback(t *testing.T) {
	r := DefaultRegistry()
	p := NewPacket(6, 0xFF42, 0x21, 1, 2, 3)

	msg, err := r.Decode(p)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	generic, ok := msg.(GenericMessage)
	if !ok {
		t.Fatalf("expected GenericMessage, got %T", msg)
	}
	if generic.PGN() != 0xFF42 || !generic.Packet().Equal(p) {
		t.Error("generic message should wrap the packet unchanged")
	}
}

func TestRegistry_Name(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		pgn      uint32
		expected string
	}{
		{PGNAddressClaim, "ADDRESS_CLAIMED"},
		{PGNRequest, "REQUEST"},
		{PGNDM1, "DM1"},
		{PGNTPConnection, "TP_CM"},
		{0xFF42, "PGN_0FF42"},
	}
	for _, tt := range tests {
		if got := r.Name(tt.pgn); got != tt.expected {
			t.Errorf("Name(0x%05X) = %q, expected %q", tt.pgn, got, tt.expected)
		}
	}
}

func TestRegistry_NameOnlyEntryHasNoDecoder(t *testing.T) {
	r := DefaultRegistry()
	if _, ok := r.Lookup(PGNDM1); ok {
		t.Error("DM1 is named but has no decoder")
	}
	if _, ok := r.Lookup(PGNAddressClaim); !ok {
		t.Error("address claim should have a decoder")
	}
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry()
	custom := errors.New("custom decoder")
	r.Register(0xFECA, "FIRST", nil)
	r.Register(0xFECA, "SECOND", func(Packet) (Message, error) { return nil, custom })

	if r.Name(0xFECA) != "SECOND" {
		t.Errorf("Name = %q, expected SECOND", r.Name(0xFECA))
	}
	if _, err := r.Decode(NewPacket(6, 0xFECA, 0x00)); !errors.Is(err, custom) {
		t.Errorf("decode error should wrap the decoder's error, got %v", err)
	}
}

func TestRegistry_PGNsSorted(t *testing.T) {
	r := NewRegistry()
	for _, pgn := range []uint32{0xFECA, 0xEA00, 0xF004} {
		r.Register(pgn, "X", nil)
	}
	if got := r.PGNs(); !slices.Equal(got, []uint32{0xEA00, 0xF004, 0xFECA}) {
		t.Errorf("PGNs() = %X", got)
	}
}

// ============================================================
// Decoders
// ============================================================

func TestDecodeAddressClaim(t *testing.T) {
	name := uint64(0x12345) |
		uint64(0x123)<<21 |
		uint64(2)<<32 |
		uint64(3)<<35 |
		uint64(0x81)<<40 |
		uint64(0x10)<<49 |
		uint64(1)<<56 |
		uint64(0)<<60 |
		uint64(1)<<63
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, name)

	msg, err := DefaultRegistry().Decode(NewPacket(6, PGNAddressClaim|GlobalAddress, 0x17, data...))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	claim, ok := msg.(AddressClaim)
	if !ok {
		t.Fatalf("expected AddressClaim, got %T", msg)
	}

	if claim.Name != name {
		t.Errorf("Name = %016X, expected %016X", claim.Name, name)
	}
	if claim.IdentityNumber != 0x12345 {
		t.Errorf("IdentityNumber = 0x%X", claim.IdentityNumber)
	}
	if claim.ManufacturerCode != 0x123 {
		t.Errorf("ManufacturerCode = 0x%X", claim.ManufacturerCode)
	}
	if claim.ECUInstance != 2 || claim.FunctionInstance != 3 {
		t.Errorf("instances = %d/%d", claim.ECUInstance, claim.FunctionInstance)
	}
	if claim.Function != 0x81 {
		t.Errorf("Function = 0x%X", claim.Function)
	}
	if claim.VehicleSystem != 0x10 || claim.VehicleSystemInstance != 1 {
		t.Errorf("vehicle system = 0x%X/%d", claim.VehicleSystem, claim.VehicleSystemInstance)
	}
	if claim.IndustryGroup != 0 || !claim.ArbitraryAddressCapable {
		t.Errorf("industry group %d, arbitrary %t", claim.IndustryGroup, claim.ArbitraryAddressCapable)
	}
	if claim.Source() != 0x17 {
		t.Errorf("Source = 0x%02X", claim.Source())
	}
}

func TestDecodeAddressClaim_TooShort(t *testing.T) {
	_, err := DefaultRegistry().Decode(NewPacket(6, PGNAddressClaim|GlobalAddress, 0x17, 1, 2, 3))
	if err == nil {
		t.Error("short address claim should fail to decode")
	}
}

func TestDecodeRequest(t *testing.T) {
	msg, err := DefaultRegistry().Decode(NewPacket(6, 0xEA17, 0xF9, 0xCA, 0xFE, 0x00))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	req, ok := msg.(RequestMessage)
	if !ok || req.Requested != 0xFECA {
		t.Errorf("expected request for 0xFECA, got %#v", msg)
	}

	if _, err := DecodeRequest(NewPacket(6, 0xEA17, 0xF9, 0xCA)); err == nil {
		t.Error("short request should fail")
	}
}

// ============================================================
// Acknowledgment
// ============================================================

func TestAcknowledgment_RoundTrip(t *testing.T) {
	for _, control := range []AckControl{AckPositive, AckNegative, AckAccessDenied, AckBusy} {
		p := NewAcknowledgmentPacket(control, 0x1FECA, 0xF9, 0x17)
		if !IsAcknowledgment(p) {
			t.Fatalf("%s should be an acknowledgment", control)
		}
		ack, err := ParseAcknowledgment(p)
		if err != nil {
			t.Fatalf("ParseAcknowledgment failed: %v", err)
		}
		if ack.Control != control || ack.PGN != 0x1FECA || ack.Address != 0xF9 || ack.Source() != 0x17 {
			t.Errorf("unexpected acknowledgment %+v", ack)
		}
	}
}

func TestAcknowledgment_Layout(t *testing.T) {
	p := NewAcknowledgmentPacket(AckNegative, 0xFECA, 0xF9, 0x17)
	if p.String() != "18E8FF17 01 FF FF FF F9 CA FE 00" {
		t.Errorf("unexpected frame %q", p.String())
	}
}

func TestParseAcknowledgment_Errors(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{"wrong PGN", NewPacket(6, 0xFECA, 0x00, 0, 0, 0, 0, 0, 0, 0, 0)},
		{"too short", NewPacket(6, 0xE8FF, 0x00, 0, 0, 0)},
		{"unknown control", NewPacket(6, 0xE8FF, 0x00, 9, 0, 0, 0, 0, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAcknowledgment(tt.packet); err == nil {
				t.Error("expected error")
			}
			if IsAcknowledgment(tt.packet) {
				t.Error("IsAcknowledgment should be false")
			}
		})
	}
}

func TestAckControl_String(t *testing.T) {
	tests := map[AckControl]string{
		AckPositive:     "ACK",
		AckNegative:     "NACK",
		AckAccessDenied: "DENIED",
		AckBusy:         "BUSY",
		AckControl(7):   "ACK_0x07",
	}
	for control, expected := range tests {
		if control.String() != expected {
			t.Errorf("String() = %q, expected %q", control.String(), expected)
		}
	}
}

func TestAckMessage_Decode(t *testing.T) {
	msg, err := DefaultRegistry().Decode(NewAcknowledgmentPacket(AckBusy, 0xFECA, 0xF9, 0x17))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	ack, ok := msg.(AckMessage)
	if !ok {
		t.Fatalf("expected AckMessage, got %T", msg)
	}
	if ack.PGN() != PGNAcknowledgment || ack.Acknowledgment.PGN != 0xFECA {
		t.Errorf("message PGN 0x%05X, acknowledged PGN 0x%05X", ack.PGN(), ack.Acknowledgment.PGN)
	}
}
