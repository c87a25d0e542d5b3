// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// forever is the lifetime of the pump stream on the wrapped bus
const forever = 100 * 365 * 24 * time.Hour

// CTSError is a transport protocol violation: an out-of-order data frame, a
// CTS naming segments outside the message, or an abort from the peer.
type CTSError struct {
	Reason      AbortReason
	Source      uint8
	Destination uint8
	PGN         uint32
	Message     string
}

func (e *CTSError) Error() string {
	return fmt.Sprintf("TP session %02X->%02X PGN 0x%05X aborted (%s): %s",
		e.Source, e.Destination, e.PGN, e.Reason, e.Message)
}

// Unwrap exposes the violation as a protocol bus fault
func (e *CTSError) Unwrap() error {
	return &BusError{Code: CodeProtocol, Message: e.Message}
}

// TPStats counts transport protocol sessions
type TPStats struct {
	Received uint64 // messages reassembled
	Sent     uint64 // messages fragmented and sent
	Dropped  uint64 // receive sessions dropped (timeout, BAM gaps, peer abort)
	Aborted  uint64 // sessions this node aborted for protocol violations
}

// TPOption configures a TPBus
type TPOption func(*TPBus)

// WithTPLogger sets the logger
func WithTPLogger(log logrus.FieldLogger) TPOption {
	return func(t *TPBus) {
		t.log = log
	}
}

// WithTPConfig replaces the default timers and flow control limits
func WithTPConfig(cfg TPConfig) TPOption {
	return func(t *TPBus) {
		t.config = cfg
	}
}

// WithTPAddress overrides the local address taken from the wrapped bus
func WithTPAddress(address uint8) TPOption {
	return func(t *TPBus) {
		t.address = address
	}
}

type sessionKey struct {
	source      uint8
	destination uint8
}

// TPBus wraps a raw Bus, reassembling incoming multi-packet messages and
// fragmenting outgoing ones. Single-frame traffic passes through unchanged.
type TPBus struct {
	bus     Bus
	config  TPConfig
	log     logrus.FieldLogger
	address uint8

	queue *Queue[Packet]
	errs  chan error
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	sessions map[sessionKey]*rxSession
	txLocks  map[uint8]*sync.Mutex

	closeOnce sync.Once

	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
	aborted  atomic.Uint64
}

// NewTPBus wraps bus and starts reading it
func NewTPBus(bus Bus, opts ...TPOption) (*TPBus, error) {
	t := &TPBus{
		bus:      bus,
		config:   DefaultTPConfig(),
		log:      DiscardLogger(),
		address:  bus.Address(),
		queue:    NewQueue[Packet](),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
		sessions: make(map[sessionKey]*rxSession),
		txLocks:  make(map[uint8]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid TP configuration")
	}

	stream, err := bus.Read(forever)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read wrapped bus")
	}

	t.log = t.log.WithField("address", fmt.Sprintf("0x%02X", t.address))
	t.wg.Add(1)
	go t.pump(stream)
	return t, nil
}

// pump routes every frame of the wrapped bus: TP frames to sessions, the
// rest straight to this bus's queue.
func (t *TPBus) pump(stream *Stream[Packet]) {
	defer t.wg.Done()
	for p := range stream.All() {
		switch {
		case p.MatchesPGN(PGNTPConnection):
			t.handleConnectionManagement(p)
		case p.MatchesPGN(PGNTPData):
			t.handleData(p)
		default:
			t.queue.Add(p)
		}
	}
	// The wrapped bus closed underneath us
	t.shutdown()
}

func (t *TPBus) handleConnectionManagement(p Packet) {
	if p.Source() == t.address {
		return
	}
	cm, ok := parseConnectionManagement(p)
	if !ok {
		t.log.WithField("frame", p.String()).Debug("ignoring malformed TP.CM frame")
		return
	}

	switch cm.control {
	case tpControlBAM:
		if p.Destination() != GlobalAddress {
			return
		}
		t.openSession(p, cm, sessionBAMReceive)

	case tpControlRTS:
		if p.Destination() != t.address {
			return
		}
		if cm.size <= MaxFrameData || cm.size > MaxMessageData || cm.packets != segmentCount(cm.size) {
			t.log.WithFields(logrus.Fields{
				"source": fmt.Sprintf("0x%02X", p.Source()),
				"size":   cm.size,
			}).Warn("rejecting RTS with invalid size")
			t.sendAbort(p.Source(), cm.pgn, AbortTooLarge, p.Priority())
			return
		}
		t.openSession(p, cm, sessionRTSReceive)

	case tpControlAbort:
		if p.Destination() != t.address {
			return
		}
		t.route(sessionKey{source: p.Source(), destination: t.address}, p)
	}
	// CTS and EOM are consumed by the sending side directly from the wrapped bus
}

func (t *TPBus) handleData(p Packet) {
	if p.Source() == t.address {
		return
	}
	t.route(sessionKey{source: p.Source(), destination: p.Destination()}, p)
}

func (t *TPBus) route(key sessionKey, p Packet) {
	t.mu.Lock()
	s := t.sessions[key]
	t.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.in <- p:
	default:
		t.log.WithField("session", s.name()).Warn("session inbox full, dropping frame")
	}
}

// openSession starts a receive session, replacing any session for the same
// peer pair.
func (t *TPBus) openSession(announce Packet, cm connectionManagement, kind sessionKind) {
	dest := announce.Destination()
	s := newRxSession(t, announce, cm, kind)

	t.mu.Lock()
	if old := t.sessions[s.key]; old != nil {
		close(old.cancel)
		t.log.WithField("session", old.name()).Debug("session replaced by new announcement")
	}
	t.sessions[s.key] = s
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"session": s.name(),
		"size":    cm.size,
		"packets": cm.packets,
		"dest":    fmt.Sprintf("0x%02X", dest),
	}).Debug("TP session announced")

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		s.run()
		t.closeSession(s)
	}()
}

func (t *TPBus) closeSession(s *rxSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[s.key] == s {
		delete(t.sessions, s.key)
	}
}

// deliver publishes a reassembled message
func (t *TPBus) deliver(p Packet) {
	t.received.Add(1)
	t.queue.Add(p)
}

// report publishes a receive-side failure without blocking
func (t *TPBus) report(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

func (t *TPBus) sendAbort(dest uint8, pgn uint32, reason AbortReason, priority int) {
	abort := NewPacket(priority, tpFrameID(PGNTPConnection, dest), t.address, abortData(reason, pgn)...)
	if err := t.bus.Send(abort); err != nil {
		t.log.WithError(err).Debug("failed to send connection abort")
	}
}

// Send transmits p, fragmenting payloads longer than 8 bytes. Global
// messages use BAM; directed messages use RTS/CTS and block until the peer
// acknowledges, aborts or times out.
func (t *TPBus) Send(p Packet) error {
	if t.isClosed() {
		return ErrBusClosed
	}
	if p.Len() <= MaxFrameData {
		return t.bus.Send(p)
	}
	if p.Len() > MaxMessageData {
		return NewBusError(CodeInvalid, fmt.Sprintf("message of %d bytes exceeds %d", p.Len(), MaxMessageData), nil)
	}

	lock := t.txLock(p.Destination())
	lock.Lock()
	defer lock.Unlock()

	var err error
	if p.Destination() == GlobalAddress {
		err = t.sendBAM(p)
	} else {
		err = t.sendRTS(p)
	}
	if err != nil {
		return err
	}

	t.sent.Add(1)
	t.queue.Add(p.WithTimestamp(time.Now()).AsTransmitted())
	return nil
}

// txLock serializes multi-packet sends per destination. J1939 allows one
// session per address pair, and one BAM per source.
func (t *TPBus) txLock(dest uint8) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.txLocks[dest]
	if !ok {
		l = &sync.Mutex{}
		t.txLocks[dest] = l
	}
	return l
}

func (t *TPBus) sendBAM(p Packet) error {
	data := p.Data()
	total := segmentCount(len(data))
	pgn := p.PGN()

	announce := NewPacket(p.Priority(), tpFrameID(PGNTPConnection, GlobalAddress), p.Source(), bamData(len(data), total, pgn)...)
	if err := t.bus.Send(announce); err != nil {
		return errors.Wrap(err, "failed to send BAM")
	}
	for seq := 1; seq <= total; seq++ {
		if t.config.BAMInterval > 0 {
			select {
			case <-time.After(t.config.BAMInterval):
			case <-t.done:
				return ErrBusClosed
			}
		}
		dt := NewPacket(p.Priority(), tpFrameID(PGNTPData, GlobalAddress), p.Source(), segment(data, seq, t.config.PadByte)...)
		if err := t.bus.Send(dt); err != nil {
			return errors.Wrapf(err, "failed to send BAM data frame %d/%d", seq, total)
		}
	}
	t.log.WithFields(logrus.Fields{
		"pgn":     fmt.Sprintf("0x%05X", pgn),
		"size":    len(data),
		"packets": total,
	}).Debug("BAM sent")
	return nil
}

func (t *TPBus) sendRTS(p Packet) error {
	data := p.Data()
	total := segmentCount(len(data))
	pgn := p.PGN()
	src := p.Source()
	dest := p.Destination()
	log := t.log.WithFields(logrus.Fields{
		"session": fmt.Sprintf("%02X->%02X", src, dest),
		"pgn":     fmt.Sprintf("0x%05X", pgn),
	})

	// Subscribe before the RTS goes out so the first CTS cannot be missed
	stream, err := t.bus.Read(t.config.T3)
	if err != nil {
		return err
	}

	abort := func(reason AbortReason) {
		frame := NewPacket(p.Priority(), tpFrameID(PGNTPConnection, dest), src, abortData(reason, pgn)...)
		if err := t.bus.Send(frame); err != nil {
			log.WithError(err).Debug("failed to send connection abort")
		}
	}
	violation := func(reason AbortReason, msg string) error {
		t.aborted.Add(1)
		return &CTSError{Reason: reason, Source: src, Destination: dest, PGN: pgn, Message: msg}
	}

	rts := NewPacket(p.Priority(), tpFrameID(PGNTPConnection, dest), src, rtsData(len(data), total, 0xFF, pgn)...)
	if err := t.bus.Send(rts); err != nil {
		return errors.Wrap(err, "failed to send RTS")
	}
	log.WithField("size", len(data)).Debug("RTS sent")

	for {
		cm, ok := nextConnectionManagement(stream, dest, src, pgn)
		if !ok {
			if t.isClosed() {
				return ErrBusClosed
			}
			abort(AbortTimeout)
			return NewBusError(CodeTimeout, fmt.Sprintf("timed out waiting for CTS from 0x%02X", dest), nil)
		}

		switch cm.control {
		case tpControlCTS:
			if cm.packets == 0 || cm.packets == 0xFF {
				// Hold: the receiver keeps the connection open without granting data
				stream.ResetTimeout(t.config.T4)
				log.Debug("CTS hold")
				continue
			}
			last := cm.next + cm.packets - 1
			if cm.next < 1 || last > total {
				abort(AbortOther)
				return violation(AbortOther, fmt.Sprintf("CTS requested segments %d-%d of %d", cm.next, last, total))
			}
			for seq := cm.next; seq <= last; seq++ {
				dt := NewPacket(p.Priority(), tpFrameID(PGNTPData, dest), src, segment(data, seq, t.config.PadByte)...)
				if err := t.bus.Send(dt); err != nil {
					abort(AbortOther)
					return errors.Wrapf(err, "failed to send data frame %d/%d", seq, total)
				}
			}
			stream.ResetTimeout(t.config.T3)

		case tpControlEOM:
			log.Debug("EOM acknowledged")
			return nil

		case tpControlAbort:
			return violation(cm.reason, "connection aborted by receiver")
		}
	}
}

// nextConnectionManagement returns the next CTS, EOM or Abort from peer to
// local for pgn.
func nextConnectionManagement(stream *Stream[Packet], peer, local uint8, pgn uint32) (connectionManagement, bool) {
	for p := range stream.All() {
		if !p.MatchesPGN(PGNTPConnection) || p.Source() != peer || p.Destination() != local {
			continue
		}
		cm, ok := parseConnectionManagement(p)
		if !ok {
			continue
		}
		switch cm.control {
		case tpControlCTS, tpControlEOM:
			if cm.pgn == pgn {
				return cm, true
			}
		case tpControlAbort:
			// Some stacks abort with an unknown PGN
			if cm.pgn == pgn || cm.pgn == 0xFFFFFF {
				return cm, true
			}
		}
	}
	return connectionManagement{}, false
}

// Read returns a stream of reassembled and pass-through packets
func (t *TPBus) Read(timeout time.Duration) (*Stream[Packet], error) {
	if t.isClosed() {
		return nil, ErrBusClosed
	}
	return t.queue.Stream(timeout), nil
}

// Address returns the local address
func (t *TPBus) Address() uint8 {
	return t.address
}

// ConnectionSpeed returns the wrapped bus speed
func (t *TPBus) ConnectionSpeed() (int, error) {
	return t.bus.ConnectionSpeed()
}

// Errors returns receive-side session failures. Reports are dropped when
// nobody drains the channel. The channel is closed once the bus has shut
// down and every session has ended.
func (t *TPBus) Errors() <-chan error {
	return t.errs
}

// Stats returns the session counters
func (t *TPBus) Stats() TPStats {
	return TPStats{
		Received: t.received.Load(),
		Sent:     t.sent.Load(),
		Dropped:  t.dropped.Load(),
		Aborted:  t.aborted.Load(),
	}
}

func (t *TPBus) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *TPBus) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.queue.Close()

		// Sessions are the only senders on errs
		go func() {
			t.wg.Wait()
			close(t.errs)
		}()
	})
}

// Close ends every session and stream, then closes the wrapped bus
func (t *TPBus) Close() error {
	t.shutdown()
	err := t.bus.Close()
	t.wg.Wait()
	return err
}
