// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adapter

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

// DefaultPollTimeout bounds each blocking ReadFrame call. It is also how
// long Close may wait for the poll goroutine to notice.
const DefaultPollTimeout = 50 * time.Millisecond

// EventKind identifies a bus condition worth surfacing to the user
type EventKind int

// Bus events
const (
	// EventAddressConflict: another node transmitted with our source address
	EventAddressConflict EventKind = iota + 1
)

func (k EventKind) String() string {
	switch k {
	case EventAddressConflict:
		return "ADDRESS_CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// Event is a non-fatal bus condition
type Event struct {
	Kind   EventKind
	Packet j1939.Packet
}

// Option configures a DriverBus
type Option func(*DriverBus)

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(b *DriverBus) {
		b.log = log
	}
}

// WithPollTimeout sets the per-call ReadFrame timeout
func WithPollTimeout(d time.Duration) Option {
	return func(b *DriverBus) {
		if d > 0 {
			b.pollTimeout = d
		}
	}
}

// DriverBus is a j1939.Bus backed by a Driver
type DriverBus struct {
	driver       Driver
	address      uint8
	log          logrus.FieldLogger
	pollTimeout  time.Duration
	softwareEcho bool

	queue  *j1939.Queue[j1939.Packet]
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewDriverBus opens driver and starts polling it. address is the source
// address this node transmits with.
func NewDriverBus(driver Driver, address uint8, opts ...Option) (*DriverBus, error) {
	b := &DriverBus{
		driver:      driver,
		address:     address,
		log:         j1939.DiscardLogger(),
		pollTimeout: DefaultPollTimeout,
		queue:       j1939.NewQueue[j1939.Packet](),
		events:      make(chan Event, 16),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithFields(logrus.Fields{
		"adapter": driver.Name(),
		"address": address,
	})

	if err := driver.Open(); err != nil {
		return nil, errors.Wrap(MapError(err), "failed to configure adapter")
	}
	b.softwareEcho = !hasHardwareEcho(driver)

	b.wg.Add(1)
	go b.poll()

	b.log.Debug("adapter open")
	return b, nil
}

func (b *DriverBus) poll() {
	defer b.wg.Done()
	defer b.queue.Close()
	defer close(b.events)

	for {
		select {
		case <-b.done:
			return
		default:
		}

		f, err := b.driver.ReadFrame(b.pollTimeout)
		if err == nil {
			b.receive(f)
			continue
		}
		if errors.Is(err, ErrNoFrame) {
			continue
		}

		mapped := MapError(err)
		if errors.Is(mapped, j1939.ErrBusClosed) {
			b.log.WithError(err).Debug("adapter link closed")
			return
		}
		b.log.WithError(mapped).Warn("failed to read frame")

		// Back off so a persistent fault does not spin
		select {
		case <-b.done:
			return
		case <-time.After(b.pollTimeout):
		}
	}
}

func (b *DriverBus) receive(f Frame) {
	p := DecodeFrame(f)
	if !p.Transmitted() && p.Source() == b.address && b.address < j1939.NullAddress {
		b.log.WithField("frame", p.String()).Warn("address conflict")
		select {
		case b.events <- Event{Kind: EventAddressConflict, Packet: p}:
		default:
		}
	}
	b.queue.Add(p)
}

// Send transmits a single frame. Drivers without hardware echo get the
// transmitted packet added to the queue here.
func (b *DriverBus) Send(p j1939.Packet) error {
	if b.queue.Closed() {
		return j1939.ErrBusClosed
	}
	f, err := EncodePacket(p)
	if err != nil {
		return err
	}
	f.Echo = false

	b.writeMu.Lock()
	err = b.driver.WriteFrame(f)
	b.writeMu.Unlock()
	if err != nil {
		return MapError(err)
	}

	if b.softwareEcho {
		b.queue.Add(p.WithTimestamp(time.Now()).AsTransmitted())
	}
	return nil
}

// Read returns a stream of packets arriving after the call
func (b *DriverBus) Read(timeout time.Duration) (*j1939.Stream[j1939.Packet], error) {
	if b.queue.Closed() {
		return nil, j1939.ErrBusClosed
	}
	return b.queue.Stream(timeout), nil
}

// Address returns the local source address
func (b *DriverBus) Address() uint8 {
	return b.address
}

// ConnectionSpeed returns the bitrate reported by the driver
func (b *DriverBus) ConnectionSpeed() (int, error) {
	speed, err := b.driver.Bitrate()
	if err != nil {
		return 0, MapError(err)
	}
	return speed, nil
}

// Events returns non-fatal bus conditions. Events are dropped when nobody
// drains the channel. The channel is closed when polling stops.
func (b *DriverBus) Events() <-chan Event {
	return b.events
}

// Close stops polling, closes the driver and ends every outstanding stream
func (b *DriverBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.queue.Close()
		err = b.driver.Close()
		b.wg.Wait()
		b.log.Debug("adapter closed")
	})
	if err != nil && !errors.Is(MapError(err), j1939.ErrBusClosed) {
		return MapError(err)
	}
	return nil
}

// MapError converts a driver error into a *j1939.BusError. Errors that
// already are bus errors pass through.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var busErr *j1939.BusError
	if errors.As(err, &busErr) {
		return busErr
	}

	switch {
	case errors.Is(err, ErrNoFrame),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return j1939.NewBusError(j1939.CodeTimeout, "timed out", err)

	case errors.Is(err, ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed):
		return j1939.NewBusError(j1939.CodeClosed, "adapter closed", err)
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return mapPortError(*portErr, err)
	}
	var portErrValue serial.PortError
	if errors.As(err, &portErrValue) {
		return mapPortError(portErrValue, err)
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return j1939.NewBusError(j1939.CodeClosed, "remote closed the connection", err)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EBADF, syscall.ENODEV, syscall.ENETDOWN:
			return j1939.NewBusError(j1939.CodeClosed, errno.Error(), err)
		}
		return j1939.NewBusError(int(errno), errno.Error(), err)
	}

	return j1939.NewBusError(j1939.CodeDriver, "driver error", err)
}

func mapPortError(pe serial.PortError, err error) error {
	if pe.Code() == serial.PortClosed {
		return j1939.NewBusError(j1939.CodeClosed, pe.EncodedErrorString(), err)
	}
	return j1939.NewBusError(j1939.CodeDriver, pe.EncodedErrorString(), err)
}
