// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type sessionKind int

const (
	sessionBAMReceive sessionKind = iota
	sessionRTSReceive
)

func (k sessionKind) String() string {
	if k == sessionBAMReceive {
		return "BAM"
	}
	return "RTS/CTS"
}

type sessionState int

const (
	stateAnnounced sessionState = iota
	stateReceiving
	stateComplete
	stateAborted
)

func (s sessionState) String() string {
	switch s {
	case stateAnnounced:
		return "ANNOUNCED"
	case stateReceiving:
		return "RECEIVING"
	case stateComplete:
		return "COMPLETE"
	default:
		return "ABORTED"
	}
}

// rxSession reassembles one incoming multi-packet message. All of its state
// is owned by the goroutine running run; the pump only writes to in.
type rxSession struct {
	tp        *TPBus
	key       sessionKey
	kind      sessionKind
	state     sessionState
	priority  int
	pgn       uint32
	size      int
	total     int
	maxPerCTS int
	started   time.Time

	segments [][]byte
	count    int
	last     Packet

	in     chan Packet
	cancel chan struct{}
	log    logrus.FieldLogger
}

func newRxSession(tp *TPBus, announce Packet, cm connectionManagement, kind sessionKind) *rxSession {
	s := &rxSession{
		tp:        tp,
		key:       sessionKey{source: announce.Source(), destination: announce.Destination()},
		kind:      kind,
		state:     stateAnnounced,
		priority:  announce.Priority(),
		pgn:       cm.pgn,
		size:      cm.size,
		total:     cm.packets,
		maxPerCTS: cm.maxPerCTS,
		started:   announce.Timestamp(),
		segments:  make([][]byte, cm.packets),
		in:        make(chan Packet, maxSegments+1),
		cancel:    make(chan struct{}),
	}
	s.log = tp.log.WithFields(logrus.Fields{
		"session": s.name(),
		"pgn":     fmt.Sprintf("0x%05X", s.pgn),
	})
	return s
}

func (s *rxSession) name() string {
	return fmt.Sprintf("%s %02X->%02X", s.kind, s.key.source, s.key.destination)
}

func (s *rxSession) run() {
	if s.total == 0 || s.size > MaxMessageData || s.total != segmentCount(s.size) {
		s.drop("announcement size and segment count disagree")
		return
	}
	if s.kind == sessionBAMReceive {
		s.runBAM()
		return
	}
	s.runRTS()
}

// wait returns the next frame for this session, or false after timeout or
// when the session is cancelled.
func (s *rxSession) wait(timeout time.Duration) (Packet, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-s.in:
		return p, true
	case <-timer.C:
		return Packet{}, false
	case <-s.cancel:
		return Packet{}, false
	case <-s.tp.done:
		return Packet{}, false
	}
}

func (s *rxSession) cancelled() bool {
	select {
	case <-s.cancel:
		return true
	case <-s.tp.done:
		return true
	default:
		return false
	}
}

// runBAM accepts data frames in any order. A frame outside the announced
// range, a data frame shorter than 8 bytes, a gap when the last frame
// arrives, or T1 of silence drops the message without reporting it.
func (s *rxSession) runBAM() {
	s.state = stateReceiving
	for {
		p, ok := s.wait(s.tp.config.T1)
		if !ok {
			if !s.cancelled() {
				s.drop("BAM timed out")
			}
			return
		}
		if !p.MatchesPGN(PGNTPData) {
			continue
		}
		if p.Len() != MaxFrameData {
			s.drop(fmt.Sprintf("BAM data frame of %d bytes", p.Len()))
			return
		}
		seq := int(p.Get(0))
		if seq == 0 || seq > s.total {
			s.drop(fmt.Sprintf("BAM data frame %d outside 1-%d", seq, s.total))
			return
		}
		s.store(seq, p)
		if seq == s.total {
			if s.count != s.total {
				s.drop(fmt.Sprintf("BAM ended with %d of %d segments", s.count, s.total))
				return
			}
			s.finish()
			return
		}
	}
}

// runRTS grants segments with CTS and requires them in ascending order
func (s *rxSession) runRTS() {
	cfg := s.tp.config
	limit := cfg.MaxPacketsPerCTS
	if s.maxPerCTS > 0 && s.maxPerCTS < limit {
		limit = s.maxPerCTS
	}

	next := 1
	liveness := time.Now().Add(cfg.T3)
	for next <= s.total {
		grant := min(s.total-next+1, limit)
		batchStart, batchEnd := next, next+grant-1
		s.sendCTS(grant, next)
		retries := 0
		s.state = stateReceiving

		for next <= batchEnd {
			timeout := cfg.T2
			if next == batchStart {
				timeout = cfg.T1
			}
			timeout = min(timeout, time.Until(liveness))
			if timeout <= 0 {
				s.abort(AbortTimeout, "session exceeded T3 without progress", false)
				return
			}

			p, ok := s.wait(timeout)
			if !ok {
				if s.cancelled() {
					return
				}
				if next == batchStart && retries < cfg.CTSRetries && time.Now().Before(liveness) {
					retries++
					s.log.WithField("retry", retries).Debug("no data after CTS, repeating CTS")
					s.sendCTS(grant, next)
					continue
				}
				s.abort(AbortTimeout, fmt.Sprintf("timed out waiting for segment %d", next), false)
				return
			}

			if p.MatchesPGN(PGNTPConnection) {
				// Only aborts are routed to a receive session
				cm, _ := parseConnectionManagement(p)
				s.drop(fmt.Sprintf("aborted by sender (%s)", cm.reason))
				return
			}

			if p.Len() != MaxFrameData {
				s.abort(AbortOther, fmt.Sprintf("data frame of %d bytes", p.Len()), true)
				return
			}
			seq := int(p.Get(0))
			if seq != next {
				reason := AbortBadSequence
				if seq < next && seq >= 1 {
					reason = AbortDuplicateSeq
				}
				s.abort(reason, fmt.Sprintf("expected segment %d, got %d", next, seq), true)
				return
			}
			s.store(seq, p)
			next++
			liveness = time.Now().Add(cfg.T3)
		}
	}

	data, ok := s.assemble()
	if !ok {
		s.abort(AbortOther, "reassembled message shorter than announced", true)
		return
	}
	s.send(eomData(s.size, s.total, s.pgn))
	s.complete(data)
}

func (s *rxSession) store(seq int, p Packet) {
	if s.segments[seq-1] == nil {
		s.count++
	}
	s.segments[seq-1] = p.Data()[1:]
	s.last = p
}

// assemble joins the stored segments and trims the padding. It fails when
// the segments hold fewer bytes than announced.
func (s *rxSession) assemble() ([]byte, bool) {
	data := make([]byte, 0, s.total*segmentSize)
	for _, seg := range s.segments {
		data = append(data, seg...)
	}
	if len(data) < s.size {
		return nil, false
	}
	return data[:s.size], true
}

func (s *rxSession) finish() {
	data, ok := s.assemble()
	if !ok {
		s.drop("reassembled message shorter than announced")
		return
	}
	s.complete(data)
}

func (s *rxSession) complete(data []byte) {
	s.state = stateComplete
	msg := NewPacketAt(s.last.Timestamp(), s.priority, messageID(s.pgn, s.key.destination), s.key.source, data...)
	s.log.WithFields(logrus.Fields{
		"size":    s.size,
		"elapsed": s.last.Timestamp().Sub(s.started).String(),
	}).Debug("TP session complete")
	s.tp.deliver(msg)
}

// drop ends the session silently
func (s *rxSession) drop(reason string) {
	s.log.WithFields(logrus.Fields{
		"reason": reason,
		"state":  s.state.String(),
		"have":   s.count,
	}).Debug("TP session dropped")
	s.state = stateAborted
	s.tp.dropped.Add(1)
}

// abort ends an RTS/CTS session with a Connection Abort to the sender and
// reports the failure on the error channel.
func (s *rxSession) abort(reason AbortReason, msg string, violation bool) {
	s.state = stateAborted
	s.send(abortData(reason, s.pgn))

	err := &CTSError{
		Reason:      reason,
		Source:      s.key.source,
		Destination: s.key.destination,
		PGN:         s.pgn,
		Message:     msg,
	}
	if violation {
		s.tp.aborted.Add(1)
	} else {
		s.tp.dropped.Add(1)
	}
	s.log.WithError(err).Warn("TP session aborted")
	s.tp.report(err)
}

func (s *rxSession) sendCTS(count, next int) {
	s.send(ctsData(count, next, s.pgn))
}

func (s *rxSession) send(data []byte) {
	frame := NewPacket(s.priority, tpFrameID(PGNTPConnection, s.key.source), s.tp.address, data...)
	if err := s.tp.bus.Send(frame); err != nil {
		s.log.WithError(err).Debug("failed to send TP control frame")
	}
}
