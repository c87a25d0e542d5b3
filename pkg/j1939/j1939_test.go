// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================
// Request Test Helpers
// ============================================================

const testWindow = 40 * time.Millisecond

func newClient(bus Bus) *J1939 {
	return New(bus, WithTimeouts(testWindow, testWindow))
}

// respond answers request frames seen on bus. answer receives the 1-based
// request number and returns the frames to inject.
func respond(t *testing.T, bus *EchoBus, answer func(n int, request Packet) []Packet) {
	t.Helper()
	s := mustRead(t, bus, 5*time.Second)
	go func() {
		n := 0
		for p := range s.All() {
			if !p.Transmitted() || !p.MatchesPGN(PGNRequest) {
				continue
			}
			n++
			for _, r := range answer(n, p) {
				bus.Inject(r)
			}
		}
	}()
}

// faultBus fails every send
type faultBus struct {
	*EchoBus
	sends atomic.Int32
}

func (b *faultBus) Send(p Packet) error {
	b.sends.Add(1)
	return NewBusError(CodeDriver, "transmit failed", nil)
}

func dm1(source uint8) Packet {
	return NewPacket(6, 0xFECA, source, 0x00, 0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF)
}

// ============================================================
// Request Construction
// ============================================================

func TestCreateRequestPacket(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := newClient(bus)

	tests := []struct {
		pgn      uint32
		dest     uint8
		expected string
	}{
		{0xFECA, 0x17, "18EA17F9 CA FE 00"},
		{0xEE00, GlobalAddress, "18EAFFF9 00 EE 00"},
		{0x1FECA, 0x00, "18EA00F9 CA FE 01"},
	}
	for _, tt := range tests {
		p := j.CreateRequestPacket(tt.pgn, tt.dest)
		if p.String() != tt.expected {
			t.Errorf("request for 0x%05X to 0x%02X = %q, expected %q", tt.pgn, tt.dest, p.String(), tt.expected)
		}
		if p.Destination() != tt.dest {
			t.Errorf("destination = 0x%02X, expected 0x%02X", p.Destination(), tt.dest)
		}
	}
}

// ============================================================
// Retry Policy
// ============================================================

func TestRequestMultiple_RetriesUntilBudgetExhausted(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := newClient(bus)

	result := j.RequestMultiple(0xFECA, j.CreateRequestPacket(0xFECA, GlobalAddress))

	if bus.SentCount() != DefaultMaxRetries {
		t.Errorf("sent %d requests, expected %d", bus.SentCount(), DefaultMaxRetries)
	}
	if !result.Empty() || !result.Retried {
		t.Errorf("expected empty retried result, got %+v", result)
	}
	if result.Attempts != DefaultMaxRetries {
		t.Errorf("Attempts = %d", result.Attempts)
	}
}

func TestRequestMultiple_CustomRetryBudget(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := New(bus, WithTimeouts(testWindow, testWindow), WithMaxRetries(5))

	j.RequestMultiple(0xFECA, j.CreateRequestPacket(0xFECA, 0x00))
	if bus.SentCount() != 5 {
		t.Errorf("sent %d requests, expected 5", bus.SentCount())
	}
}

func TestRequestMultiple_LaterAttemptSucceeds(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := newClient(bus)

	respond(t, bus, func(n int, _ Packet) []Packet {
		if n == 2 {
			return []Packet{dm1(0x00)}
		}
		return nil
	})

	result := j.RequestMultiple(0xFECA, j.CreateRequestPacket(0xFECA, GlobalAddress))

	if bus.SentCount() != 2 {
		t.Errorf("sent %d requests, expected 1 empty attempt + 1", bus.SentCount())
	}
	if !result.Retried {
		t.Error("Retried should be set")
	}
	if len(result.Messages()) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result.Messages()))
	}
}

func TestRequestMultiple_FirstAttemptSucceeds(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := newClient(bus)

	respond(t, bus, func(int, Packet) []Packet {
		return []Packet{dm1(0x00), dm1(0x17), dm1(0x21)}
	})

	result := j.RequestMultiple(0xFECA, j.CreateRequestPacket(0xFECA, GlobalAddress))

	if bus.SentCount() != 1 {
		t.Errorf("sent %d requests, expected 1", bus.SentCount())
	}
	if result.Retried {
		t.Error("Retried should not be set")
	}
	if len(result.Messages()) != 3 {
		t.Errorf("expected responses from 3 sources, got %d", len(result.Messages()))
	}
}

// ============================================================
// Acknowledgment Classification
// ============================================================

func TestRequestMultiple_SeparatesAcks(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := newClient(bus)

	respond(t, bus, func(int, Packet) []Packet {
		return []Packet{
			dm1(0x00),
			NewAcknowledgmentPacket(AckNegative, 0xFECA, 0xF9, 0x17),
			NewAcknowledgmentPacket(AckNegative, 0xFEEC, 0xF9, 0x21), // other PGN
			NewPacket(6, 0xFEEC, 0x33, 1, 2, 3),                      // other PGN
		}
	})

	result := j.RequestMultiple(0xFECA, j.CreateRequestPacket(0xFECA, GlobalAddress))

	if len(result.Messages()) != 1 {
		t.Errorf("expected 1 message, got %d", len(result.Messages()))
	}
	acks := result.Acks()
	if len(acks) != 1 {
		t.Fatalf("expected 1 acknowledgment, got %d", len(acks))
	}
	if acks[0].Control != AckNegative || acks[0].Source() != 0x17 || acks[0].PGN != 0xFECA {
		t.Errorf("unexpected acknowledgment %v", acks[0])
	}
	if bus.SentCount() != 1 {
		t.Errorf("an acknowledgment should stop retries, sent %d", bus.SentCount())
	}
}

func TestRequestMultiple_AckOnlyStopsRetries(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := newClient(bus)

	respond(t, bus, func(int, Packet) []Packet {
		return []Packet{NewAcknowledgmentPacket(AckBusy, 0xFECA, 0xF9, 0x00)}
	})

	result := j.RequestMultiple(0xFECA, j.CreateRequestPacket(0xFECA, 0x00))
	if len(result.Acks()) != 1 || len(result.Messages()) != 0 {
		t.Errorf("expected a single BUSY, got %+v", result)
	}
	if bus.SentCount() != 1 {
		t.Errorf("sent %d requests, expected 1", bus.SentCount())
	}
}

// ============================================================
// Destination Filtering
// ============================================================

func TestRequestPacket_FiltersOtherSources(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := newClient(bus)

	respond(t, bus, func(int, Packet) []Packet {
		return []Packet{
			dm1(0x21),
			NewAcknowledgmentPacket(AckNegative, 0xFECA, 0xF9, 0x21),
			dm1(0x17),
		}
	})

	resp, ok := j.RequestPacket(0xFECA, 0x17)
	if !ok {
		t.Fatal("expected a response")
	}
	if resp.IsAck() {
		t.Fatalf("acknowledgment from another source should be noise, got %v", resp)
	}
	if resp.Packet().Source() != 0x17 {
		t.Errorf("response from 0x%02X, expected 0x17", resp.Packet().Source())
	}
	if bus.SentCount() != 1 {
		t.Errorf("sent %d requests, expected 1", bus.SentCount())
	}
}

func TestRequestPacket_ReturnsFirstMatchEarly(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := New(bus, WithTimeouts(time.Second, time.Second))

	respond(t, bus, func(int, Packet) []Packet {
		return []Packet{dm1(0x17)}
	})

	start := time.Now()
	if _, ok := j.RequestPacket(0xFECA, 0x17); !ok {
		t.Fatal("expected a response")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("RequestPacket should return on the first match")
	}
}

func TestRequestPacket_NoResponse(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := newClient(bus)

	if _, ok := j.RequestPacket(0xFECA, 0x17); ok {
		t.Error("expected no response")
	}
	if bus.SentCount() != DefaultMaxRetries {
		t.Errorf("sent %d requests, expected %d", bus.SentCount(), DefaultMaxRetries)
	}
}

func TestRequest_PDU1ResponseForOtherNodeIgnored(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := newClient(bus)

	respond(t, bus, func(int, Packet) []Packet {
		return []Packet{
			NewPacket(6, 0xDA33, 0x17, 1, 2, 3), // addressed to 0x33
			NewPacket(6, 0xDAF9, 0x17, 4, 5, 6), // addressed to us
		}
	})

	result := j.RequestMultiple(0xDA00, j.CreateRequestPacket(0xDA00, 0x17))
	msgs := result.Messages()
	if len(msgs) != 1 || msgs[0].Packet().Destination() != 0xF9 {
		t.Errorf("expected only the response addressed to us, got %d", len(msgs))
	}
}

// ============================================================
// Fault Degradation
// ============================================================

func TestRequest_BusFaultDegradesToEmpty(t *testing.T) {
	bus := &faultBus{EchoBus: NewEchoBus(0xF9)}
	defer bus.Close()
	j := newClient(bus)

	result := j.RequestMultiple(0xFECA, j.CreateRequestPacket(0xFECA, GlobalAddress))
	if !result.Empty() {
		t.Errorf("expected empty result, got %+v", result)
	}
	if bus.sends.Load() != 1 {
		t.Errorf("a failed send should end the request, sent %d", bus.sends.Load())
	}

	if _, ok := j.RequestPacket(0xFECA, 0x17); ok {
		t.Error("RequestPacket should degrade to no response")
	}
}

func TestRequest_ClosedBusDegradesToEmpty(t *testing.T) {
	bus := NewEchoBus(0xF9)
	bus.Close()
	j := newClient(bus)

	if result := j.RequestMultiple(0xFECA, j.CreateRequestPacket(0xFECA, GlobalAddress)); !result.Empty() {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestRequest_BusClosedMidRequest(t *testing.T) {
	bus := NewEchoBus(0xF9)
	j := New(bus, WithTimeouts(5*time.Second, 5*time.Second))

	respond(t, bus, func(int, Packet) []Packet {
		return []Packet{dm1(0x00)}
	})
	go func() {
		time.Sleep(50 * time.Millisecond)
		bus.Close()
	}()

	start := time.Now()
	result := j.RequestMultiple(0xFECA, j.CreateRequestPacket(0xFECA, GlobalAddress))
	if time.Since(start) > 2*time.Second {
		t.Error("closing the bus should end the request promptly")
	}
	if len(result.Messages()) != 1 {
		t.Errorf("expected the response collected before close, got %d", len(result.Messages()))
	}
}

// ============================================================
// Passive Read
// ============================================================

func TestJ1939_Read(t *testing.T) {
	bus := NewEchoBus(0xF9)
	defer bus.Close()
	j := newClient(bus)

	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Inject(dm1(0x00))
		bus.Inject(NewPacket(6, 0xFEEC, 0x00, 1))
		bus.Inject(dm1(0x17))
	}()

	msgs, err := j.Read(0xFECA, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected 2 DM1 messages, got %d", len(msgs))
	}
	if _, ok := msgs[0].(GenericMessage); !ok {
		t.Errorf("undecoded PGN should yield GenericMessage, got %T", msgs[0])
	}

	bus.Close()
	if _, err := j.Read(0xFECA, time.Millisecond); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Read on closed bus: expected ErrBusClosed, got %v", err)
	}
}

// ============================================================
// Response Union
// ============================================================

func TestResponse_ExactlyOneSide(t *testing.T) {
	msg := MessageResponse(NewGenericMessage(dm1(0x00)))
	if msg.IsAck() {
		t.Error("message response should not be an ack")
	}
	if _, ok := msg.Ack(); ok {
		t.Error("message response has no ack")
	}

	ack, _ := ParseAcknowledgment(NewAcknowledgmentPacket(AckPositive, 0xFECA, 0xF9, 0x00))
	resp := AckResponse(ack)
	if !resp.IsAck() {
		t.Error("ack response should be an ack")
	}
	if _, ok := resp.Message(); ok {
		t.Error("ack response has no message")
	}
	if resp.Packet().Source() != 0x00 {
		t.Error("ack response should expose its packet")
	}
}

func TestResponse_PanicsWithoutMessage(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MessageResponse(nil) should panic")
		}
	}()
	MessageResponse(nil)
}

func TestResponse_PanicsWithBothSides(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("a response with both sides should panic")
		}
	}()
	newResponse(NewGenericMessage(dm1(0x00)), &Acknowledgment{})
}
