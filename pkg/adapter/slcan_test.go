// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adapter

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// fakePort is an in-memory serial port
type fakePort struct {
	in      chan []byte
	timeout time.Duration

	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func newFakePort() *fakePort {
	return &fakePort{in: make(chan []byte, 16), timeout: time.Second}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.in:
		return copy(b, data), nil
	case <-time.After(p.timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

func openSLCAN(t *testing.T, bitrate int) (*SLCAN, *fakePort) {
	t.Helper()
	port := newFakePort()
	s := NewSLCAN("/dev/fake", DefaultSLCANBaud, bitrate)
	s.open = func() (slcanPort, error) { return port, nil }
	if err := s.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, port
}

// ============================================================
// Line Format
// ============================================================

func TestEncodeSLCAN(t *testing.T) {
	tests := []struct {
		frame    Frame
		expected string
	}{
		{Frame{ID: 0x18EA00F9, Data: []byte{0x00, 0xEE, 0x00}}, "T18EA00F9300EE00\r"},
		{Frame{ID: 0x0CF00400}, "T0CF004000\r"},
		{Frame{ID: 0x18FECA00, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}, "T18FECA0080102030405060708\r"},
	}
	for _, tt := range tests {
		if got := EncodeSLCAN(tt.frame); got != tt.expected {
			t.Errorf("EncodeSLCAN = %q, expected %q", got, tt.expected)
		}
	}
}

func TestParseSLCAN(t *testing.T) {
	f, stamp, err := ParseSLCAN("T18FECA00302FFAA")
	if err != nil {
		t.Fatalf("ParseSLCAN failed: %v", err)
	}
	if f.ID != 0x18FECA00 || !bytes.Equal(f.Data, []byte{0x02, 0xFF, 0xAA}) {
		t.Errorf("unexpected frame %+v", f)
	}
	if stamp != -1 {
		t.Errorf("line without timestamp gave stamp %d", stamp)
	}

	// Trailing timestamp
	f, stamp, err = ParseSLCAN("T18FECA001FF1A2B")
	if err != nil || len(f.Data) != 1 || f.Data[0] != 0xFF {
		t.Errorf("timestamped line: %+v, %v", f, err)
	}
	if stamp != 0x1A2B {
		t.Errorf("stamp = %d, expected %d", stamp, 0x1A2B)
	}

	bad := []string{
		"", "t1230", "T18FECA00", "T18FECA009", "T18FECA002FF", "TZZFECA000", "T18FECA001GG",
		"T18FECA001FFZZZZ", // timestamp not hex
		"T18FECA001FFEA60", // timestamp past 59999
		"T18FECA00/",
	}
	for _, line := range bad {
		if _, _, err := ParseSLCAN(line); err == nil {
			t.Errorf("ParseSLCAN(%q) should fail", line)
		}
	}
}

func TestSLCANClock(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }

	tests := []struct {
		name     string
		stamps   []int
		hostAt   []time.Duration // host receive time of each frame, from base
		expected []time.Duration // assigned frame time, from base
	}{
		{
			name:     "no stamps use host time",
			stamps:   []int{-1, -1},
			hostAt:   []time.Duration{ms(0), ms(40)},
			expected: []time.Duration{ms(0), ms(40)},
		},
		{
			name:     "stamps keep adapter spacing",
			stamps:   []int{1000, 1250, 1251},
			hostAt:   []time.Duration{ms(5), ms(300), ms(300)},
			expected: []time.Duration{ms(5), ms(255), ms(256)},
		},
		{
			name:     "wrap at one minute",
			stamps:   []int{59900, 100},
			hostAt:   []time.Duration{ms(0), ms(210)},
			expected: []time.Duration{ms(0), ms(200)},
		},
		{
			name:     "large skew re-anchors",
			stamps:   []int{1000, 1010},
			hostAt:   []time.Duration{ms(0), 5 * time.Second},
			expected: []time.Duration{ms(0), 5 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c slcanClock
			for i, stamp := range tt.stamps {
				got := c.time(stamp, base.Add(tt.hostAt[i]))
				if want := base.Add(tt.expected[i]); !got.Equal(want) {
					t.Errorf("frame %d: time %s, expected %s", i, got.Sub(base), want.Sub(base))
				}
			}
		})
	}
}

// ============================================================
// Driver
// ============================================================

func TestSLCAN_OpenConfiguresChannel(t *testing.T) {
	s, port := openSLCAN(t, 250000)
	defer s.Close()

	if got := port.written(); got != "C\rS5\rO\r" {
		t.Errorf("setup commands = %q", got)
	}
	if speed, _ := s.Bitrate(); speed != 250000 {
		t.Errorf("Bitrate = %d", speed)
	}
}

func TestSLCAN_UnsupportedBitrate(t *testing.T) {
	s := NewSLCAN("/dev/fake", DefaultSLCANBaud, 300000)
	s.open = func() (slcanPort, error) { return newFakePort(), nil }
	if err := s.Open(); err == nil {
		t.Error("expected error for unsupported bitrate")
	}
}

func TestSLCAN_ReadFrame(t *testing.T) {
	s, port := openSLCAN(t, 250000)
	defer s.Close()

	// Acks, a standard frame and a split extended frame
	port.in <- []byte("\rz\rt1230\rT18FE")
	port.in <- []byte("CA00101\r")

	f, err := s.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.ID != 0x18FECA00 || !bytes.Equal(f.Data, []byte{0x01}) {
		t.Errorf("unexpected frame %+v", f)
	}

	if _, err := s.ReadFrame(20 * time.Millisecond); !errors.Is(err, ErrNoFrame) {
		t.Errorf("expected ErrNoFrame, got %v", err)
	}
}

func TestSLCAN_ReadFrameUsesAdapterTimestamp(t *testing.T) {
	s, port := openSLCAN(t, 250000)
	defer s.Close()

	port.in <- []byte("T18FECA001010FA0\rT18FECA0010210FA\r")

	first, err := s.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	second, err := s.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	// 0x0FA0 = 4000 ms, 0x10FA = 4346 ms
	if gap := second.Timestamp.Sub(first.Timestamp); gap != 346*time.Millisecond {
		t.Errorf("frame spacing %s, expected 346ms", gap)
	}
}

func TestSLCAN_UnterminatedInputResyncs(t *testing.T) {
	s, port := openSLCAN(t, 250000)
	defer s.Close()

	garbage := bytes.Repeat([]byte{'A'}, 64)
	for range 6 {
		port.in <- garbage
	}
	port.in <- []byte("\rT18FECA00101\r")

	f, err := s.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.ID != 0x18FECA00 || !bytes.Equal(f.Data, []byte{0x01}) {
		t.Errorf("unexpected frame %+v", f)
	}
	if len(s.buf) > slcanMaxBuffer {
		t.Errorf("buffer grew to %d bytes", len(s.buf))
	}
}

func TestSLCAN_WriteFrame(t *testing.T) {
	s, port := openSLCAN(t, 500000)
	defer s.Close()

	if err := s.WriteFrame(Frame{ID: 0x18EA00F9, Data: []byte{0x00, 0xEE, 0x00}}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if got := port.written(); got != "C\rS6\rO\rT18EA00F9300EE00\r" {
		t.Errorf("written = %q", got)
	}
	if err := s.WriteFrame(Frame{ID: 1, Data: make([]byte, 9)}); err == nil {
		t.Error("9-byte frame should be rejected")
	}
}

func TestSLCAN_Close(t *testing.T) {
	s, port := openSLCAN(t, 250000)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !port.closed {
		t.Error("port should be closed")
	}
	if _, err := s.ReadFrame(time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadFrame after close: expected ErrClosed, got %v", err)
	}
	if err := s.WriteFrame(Frame{ID: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteFrame after close: expected ErrClosed, got %v", err)
	}
}

func TestSLCAN_DriverBus(t *testing.T) {
	s, port := openSLCAN(t, 250000)
	bus := newDriverBus(t, s, 0xF9)

	stream, _ := bus.Read(time.Second)
	port.in <- []byte("T18FECA00203FF\r")

	p, ok := stream.Next()
	if !ok || p.String() != "18FECA00 03 FF" {
		t.Errorf("unexpected packet %v %v", p, ok)
	}
}

// ============================================================
// Fuzz
// ============================================================

// FuzzParseSLCAN checks that any accepted line re-encodes to an equal frame
func FuzzParseSLCAN(f *testing.F) {
	seeds := []string{
		"T18FECA00302FFAA",
		"T18FECA001FF1A2B",
		"T0CF004000",
		"T18FECA0080102030405060708",
		"T18FECA0080102030405060708EA5F",
		"TFFFFFFFF0",
		"T18FECA009",
		"T18FECA00/",
		"",
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, line string) {
		// should not panic
		parseSLCANLine(line)

		frame, stamp, err := ParseSLCAN(line)
		if err != nil {
			return
		}
		if len(frame.Data) > 8 {
			t.Fatalf("%q: %d data bytes", line, len(frame.Data))
		}
		if stamp < -1 || stamp >= slcanStampWrap {
			t.Fatalf("%q: stamp %d out of range", line, stamp)
		}

		encoded := EncodeSLCAN(frame)
		again, _, err := ParseSLCAN(strings.TrimSuffix(encoded, "\r"))
		if err != nil {
			t.Fatalf("re-parse of %q failed: %v", encoded, err)
		}
		if again.ID != frame.ID || !bytes.Equal(again.Data, frame.Data) {
			t.Fatalf("%q: re-parsed %+v, expected %+v", line, again, frame)
		}
	})
}
