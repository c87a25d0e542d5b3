// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adapter

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// DefaultSLCANBaud is the serial speed most SLCAN adapters accept
const DefaultSLCANBaud = 115200

const (
	// slcanMaxBuffer bounds the unterminated input kept between reads. The
	// longest valid line is 30 bytes.
	slcanMaxBuffer = 256

	// slcanStampWrap is the period of the adapter's millisecond timestamp
	slcanStampWrap = 60000

	// slcanMaxSkew is how far adapter time may drift from host time before
	// the clock is re-anchored
	slcanMaxSkew = time.Second
)

// slcanBitrates maps CAN bitrates to the SLCAN "S" setup codes
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// slcanPort is the part of serial.Port the driver uses
type slcanPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// SLCAN is a Driver for Lawicel-protocol serial CAN adapters (CANable,
// USBtin, ...). Frames travel as ASCII lines terminated by CR.
type SLCAN struct {
	portName string
	baud     int
	bitrate  int
	open     func() (slcanPort, error)

	mu     sync.Mutex
	port   slcanPort
	closed bool

	readMu sync.Mutex
	buf    []byte
	clock  slcanClock
}

// slcanClock turns the adapter's wrapping millisecond timestamps into
// absolute times, anchored to the host clock at the first stamped frame.
type slcanClock struct {
	set  bool
	last int       // stamp of the previous frame
	at   time.Time // time assigned to the previous frame
}

// time returns the frame time for stamp, received at host time now. A
// negative stamp means the line carried none.
func (c *slcanClock) time(stamp int, now time.Time) time.Time {
	if stamp < 0 {
		return now
	}
	if c.set {
		delta := (stamp - c.last + slcanStampWrap) % slcanStampWrap
		t := c.at.Add(time.Duration(delta) * time.Millisecond)
		if skew := now.Sub(t); skew < slcanMaxSkew && skew > -slcanMaxSkew {
			c.last, c.at = stamp, t
			return t
		}
	}
	c.set, c.last, c.at = true, stamp, now
	return now
}

// NewSLCAN creates a driver for the serial port at portName
func NewSLCAN(portName string, baud, bitrate int) *SLCAN {
	s := &SLCAN{portName: portName, baud: baud, bitrate: bitrate}
	s.open = func() (slcanPort, error) {
		mode := &serial.Mode{
			BaudRate: s.baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		return serial.Open(s.portName, mode)
	}
	return s
}

// Name returns the port name
func (s *SLCAN) Name() string {
	return "slcan:" + s.portName
}

// Open opens the serial port, sets the bitrate and opens the CAN channel
func (s *SLCAN) Open() error {
	code, ok := slcanBitrates[s.bitrate]
	if !ok {
		return errors.Errorf("unsupported SLCAN bitrate %d", s.bitrate)
	}

	port, err := s.open()
	if err != nil {
		return errors.Wrapf(err, "failed to open serial port %s", s.portName)
	}

	// Close first in case the channel was left open, then configure
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			return errors.Wrapf(err, "failed to send %q", cmd[:1])
		}
	}

	s.readMu.Lock()
	s.buf = s.buf[:0]
	s.clock = slcanClock{}
	s.readMu.Unlock()

	s.mu.Lock()
	s.port = port
	s.closed = false
	s.mu.Unlock()
	return nil
}

func (s *SLCAN) current() (slcanPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.port == nil {
		return nil, ErrClosed
	}
	return s.port, nil
}

// ReadFrame returns the next extended data frame, waiting up to timeout
func (s *SLCAN) ReadFrame(timeout time.Duration) (Frame, error) {
	port, err := s.current()
	if err != nil {
		return Frame{}, err
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 64)
	for {
		for {
			i := bytes.IndexByte(s.buf, '\r')
			if i < 0 {
				break
			}
			line := string(s.buf[:i])
			s.buf = s.buf[i+1:]
			if f, stamp, ok := parseSLCANLine(line); ok {
				f.Timestamp = s.clock.time(stamp, f.Timestamp)
				return f, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Frame{}, ErrNoFrame
		}
		if err := port.SetReadTimeout(remaining); err != nil {
			return Frame{}, err
		}
		n, err := port.Read(chunk)
		if err != nil {
			return Frame{}, err
		}
		if n == 0 {
			return Frame{}, ErrNoFrame
		}
		s.buf = append(s.buf, chunk[:n]...)
		if len(s.buf) > slcanMaxBuffer && bytes.IndexByte(s.buf, '\r') < 0 {
			// No terminator in sight: drop the garbage and resync on the next CR
			s.buf = s.buf[:0]
		}
	}
}

// parseSLCANLine keeps extended data frames and skips everything else:
// command acknowledgments, standard frames, remote frames and errors.
func parseSLCANLine(line string) (Frame, int, bool) {
	// Acks may prefix the next line
	for len(line) > 0 && (line[0] == '\a' || line[0] == 'z' || line[0] == 'Z') {
		line = line[1:]
	}
	if len(line) == 0 || line[0] != 'T' {
		return Frame{}, -1, false
	}
	f, stamp, err := ParseSLCAN(line)
	if err != nil {
		return Frame{}, -1, false
	}
	return f, stamp, true
}

// ParseSLCAN decodes a "T" line (without the CR) into a frame stamped with
// the current time. stamp is the adapter's millisecond timestamp (0-59999,
// wrapping every minute), or -1 when the line carries none.
func ParseSLCAN(line string) (f Frame, stamp int, err error) {
	if len(line) < 10 || line[0] != 'T' {
		return Frame{}, -1, errors.Errorf("not an extended SLCAN frame: %q", line)
	}
	id, err := strconv.ParseUint(line[1:9], 16, 32)
	if err != nil {
		return Frame{}, -1, errors.Wrap(err, "invalid SLCAN identifier")
	}
	dlc := int(line[9]) - '0'
	if dlc < 0 || dlc > 8 {
		return Frame{}, -1, errors.Errorf("invalid SLCAN length %q", line[9])
	}
	payload := line[10:]
	if len(payload) != 2*dlc && len(payload) != 2*dlc+4 {
		return Frame{}, -1, errors.Errorf("SLCAN payload length mismatch: %q", line)
	}
	data, err := hex.DecodeString(payload[:2*dlc])
	if err != nil {
		return Frame{}, -1, errors.Wrap(err, "invalid SLCAN data")
	}

	stamp = -1
	if tail := payload[2*dlc:]; tail != "" {
		v, err := strconv.ParseUint(tail, 16, 16)
		if err != nil || v >= slcanStampWrap {
			return Frame{}, -1, errors.Errorf("invalid SLCAN timestamp %q", tail)
		}
		stamp = int(v)
	}

	return Frame{
		ID:        uint32(id) & extendedIDMask,
		Data:      data,
		Timestamp: time.Now(),
	}, stamp, nil
}

// EncodeSLCAN formats an extended data frame as an SLCAN line
func EncodeSLCAN(f Frame) string {
	var sb bytes.Buffer
	fmt.Fprintf(&sb, "T%08X%d", f.ID&extendedIDMask, len(f.Data))
	for _, b := range f.Data {
		fmt.Fprintf(&sb, "%02X", b)
	}
	sb.WriteByte('\r')
	return sb.String()
}

// WriteFrame transmits one frame
func (s *SLCAN) WriteFrame(f Frame) error {
	if len(f.Data) > 8 {
		return errors.Errorf("frame payload too long: %d bytes", len(f.Data))
	}
	port, err := s.current()
	if err != nil {
		return err
	}
	_, err = port.Write([]byte(EncodeSLCAN(f)))
	return err
}

// Bitrate returns the configured CAN bitrate
func (s *SLCAN) Bitrate() (int, error) {
	return s.bitrate, nil
}

// Close closes the CAN channel and the serial port
func (s *SLCAN) Close() error {
	s.mu.Lock()
	port := s.port
	if s.closed || port == nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	port.Write([]byte("C\r"))
	return port.Close()
}
