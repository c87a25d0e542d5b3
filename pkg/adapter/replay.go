// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adapter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

// Replay defaults
const (
	DefaultReplayInterval = 10 * time.Millisecond
	DefaultReplayDelay    = 100 * time.Millisecond
)

// FormatRecord formats a packet as a replayable log line:
// "(seconds.micros) <canonical packet text>"
func FormatRecord(p j1939.Packet) string {
	ts := p.Timestamp()
	return fmt.Sprintf("(%d.%06d) %s", ts.Unix(), ts.Nanosecond()/1000, p)
}

// ParseRecord parses a log line written by FormatRecord. The timestamp
// prefix is optional; ok reports whether it was present.
func ParseRecord(line string) (p j1939.Packet, ts time.Time, ok bool, err error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "(") {
		end := strings.IndexByte(line, ')')
		if end < 0 {
			return j1939.Packet{}, time.Time{}, false, errors.Errorf("unterminated timestamp: %q", line)
		}
		ts, err = parseRecordTime(line[1:end])
		if err != nil {
			return j1939.Packet{}, time.Time{}, false, err
		}
		ok = true
		line = line[end+1:]
	}

	p, err = j1939.ParsePacket(line)
	if err != nil {
		return j1939.Packet{}, time.Time{}, false, err
	}
	if ok {
		p = p.WithTimestamp(ts)
	}
	return p, ts, ok, nil
}

// parseRecordTime parses "seconds[.fraction]" with microsecond precision
func parseRecordTime(s string) (time.Time, error) {
	whole, frac, _ := strings.Cut(s, ".")
	secs, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "invalid timestamp")
	}
	var micros int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		micros, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, errors.Wrap(err, "invalid timestamp")
		}
	}
	return time.Unix(secs, micros*1000), nil
}

// ReplayOption configures a Replay driver
type ReplayOption func(*Replay)

// WithReplaySpeed scales recorded inter-frame gaps; 2 plays twice as fast
func WithReplaySpeed(speed float64) ReplayOption {
	return func(r *Replay) {
		if speed > 0 {
			r.speed = speed
		}
	}
}

// WithReplayInterval sets the gap between lines without a timestamp
func WithReplayInterval(d time.Duration) ReplayOption {
	return func(r *Replay) {
		r.interval = d
	}
}

// WithReplayDelay sets the pause before the first frame
func WithReplayDelay(d time.Duration) ReplayOption {
	return func(r *Replay) {
		r.delay = d
	}
}

// Replay is a Driver that plays back a recorded log. Writes are discarded.
// The driver reports ErrClosed at the end of the log.
type Replay struct {
	path     string
	source   io.Reader
	speed    float64
	interval time.Duration
	delay    time.Duration
	bitrate  int

	mu      sync.Mutex
	closer  io.Closer
	scanner *bufio.Scanner
	line    int
	frames  int
	pending *Frame
	due     time.Time
	start   time.Time
	first   time.Time
	closed  bool
	done    chan struct{}
}

// NewReplay creates a driver replaying the log file at path
func NewReplay(path string, opts ...ReplayOption) *Replay {
	r := newReplay(opts...)
	r.path = path
	return r
}

// NewReplayReader creates a driver replaying lines from src
func NewReplayReader(src io.Reader, opts ...ReplayOption) *Replay {
	r := newReplay(opts...)
	r.path = "reader"
	r.source = src
	return r
}

func newReplay(opts ...ReplayOption) *Replay {
	r := &Replay{
		speed:    1,
		interval: DefaultReplayInterval,
		delay:    DefaultReplayDelay,
		bitrate:  j1939.DefaultBitrate,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the log path
func (r *Replay) Name() string {
	return "replay:" + r.path
}

// Open opens the log
func (r *Replay) Open() error {
	src := r.source
	if src == nil {
		f, err := os.Open(r.path)
		if err != nil {
			return errors.Wrapf(err, "failed to open replay file %s", r.path)
		}
		r.closer = f
		src = f
	}
	r.scanner = bufio.NewScanner(src)
	r.start = time.Now().Add(r.delay)
	r.due = r.start
	return nil
}

// next loads the next frame and its due time
func (r *Replay) next() (*Frame, error) {
	for r.scanner.Scan() {
		r.line++
		text := strings.TrimSpace(r.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		p, ts, stamped, err := ParseRecord(text)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", r.line)
		}

		switch {
		case stamped && r.first.IsZero():
			r.first = ts
			r.due = r.start
		case stamped:
			gap := time.Duration(float64(ts.Sub(r.first)) / r.speed)
			r.due = r.start.Add(gap)
		case r.frames > 0:
			r.due = r.due.Add(r.interval)
		}
		r.frames++

		f := &Frame{
			ID:   p.CANID(),
			Data: p.Data(),
			Echo: p.Transmitted(),
		}
		if stamped {
			f.Timestamp = ts
		}
		return f, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, ErrClosed
}

// ReadFrame returns the next recorded frame once it is due
func (r *Replay) ReadFrame(timeout time.Duration) (Frame, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Frame{}, ErrClosed
	}
	if r.pending == nil {
		// A malformed line is returned as an error and skipped
		f, err := r.next()
		if err != nil {
			r.mu.Unlock()
			return Frame{}, err
		}
		r.pending = f
	}
	wait := time.Until(r.due)
	r.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(min(wait, timeout)):
		case <-r.done:
			return Frame{}, ErrClosed
		}
		if wait > timeout {
			return Frame{}, ErrNoFrame
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.pending == nil {
		return Frame{}, ErrClosed
	}
	f := *r.pending
	r.pending = nil
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	return f, nil
}

// WriteFrame discards the frame
func (r *Replay) WriteFrame(Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// Bitrate returns the nominal J1939 bitrate
func (r *Replay) Bitrate() (int, error) {
	return r.bitrate, nil
}

// Close closes the log
func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
