// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Request defaults
const (
	DefaultMaxRetries      = 3
	DefaultGlobalTimeout   = 600 * time.Millisecond
	DefaultSpecificTimeout = 600 * time.Millisecond
)

// Option configures a J1939 client
type Option func(*J1939)

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(j *J1939) {
		j.log = log
	}
}

// WithRegistry sets the decoder registry
func WithRegistry(r *Registry) Option {
	return func(j *J1939) {
		j.registry = r
	}
}

// WithTimeouts sets the per-attempt response windows for global and
// destination-specific requests.
func WithTimeouts(global, specific time.Duration) Option {
	return func(j *J1939) {
		j.globalTimeout = global
		j.specificTimeout = specific
	}
}

// WithMaxRetries sets how many times a request is sent before giving up
func WithMaxRetries(n int) Option {
	return func(j *J1939) {
		if n > 0 {
			j.maxRetries = n
		}
	}
}

// J1939 sends requests and collects typed responses. Bus faults never
// escape: they are logged and the request returns what it collected.
type J1939 struct {
	bus             Bus
	registry        *Registry
	log             logrus.FieldLogger
	globalTimeout   time.Duration
	specificTimeout time.Duration
	maxRetries      int
}

// New creates a client on bus
func New(bus Bus, opts ...Option) *J1939 {
	j := &J1939{
		bus:             bus,
		registry:        DefaultRegistry(),
		log:             DiscardLogger(),
		globalTimeout:   DefaultGlobalTimeout,
		specificTimeout: DefaultSpecificTimeout,
		maxRetries:      DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Bus returns the underlying bus
func (j *J1939) Bus() Bus {
	return j.bus
}

// Registry returns the decoder registry
func (j *J1939) Registry() *Registry {
	return j.registry
}

// CreateRequestPacket builds a Request for pgn addressed to dest
func (j *J1939) CreateRequestPacket(pgn uint32, dest uint8) Packet {
	a, b, c := le24(pgn)
	return NewPacket(PriorityRequest, PGNRequest|uint32(dest), j.bus.Address(), a, b, c)
}

func (j *J1939) timeoutFor(dest uint8) time.Duration {
	if dest == GlobalAddress {
		return j.globalTimeout
	}
	return j.specificTimeout
}

// RequestMultiple sends request and collects every response to pgn, using
// the configured retry budget and response window.
func (j *J1939) RequestMultiple(pgn uint32, request Packet) RequestResult {
	return j.RequestMultipleWith(pgn, request, j.maxRetries, j.timeoutFor(request.Destination()))
}

// RequestMultipleWith sends request up to maxRetries times. Each attempt
// collects responses for perAttempt; an attempt that sees any matching
// message or acknowledgment ends the retries.
func (j *J1939) RequestMultipleWith(pgn uint32, request Packet, maxRetries int, perAttempt time.Duration) RequestResult {
	dest := request.Destination()
	log := j.requestLog(pgn, dest)
	result := RequestResult{}

	for attempt := 1; attempt <= max(maxRetries, 1); attempt++ {
		result.Attempts = attempt
		result.Retried = attempt > 1

		stream, ok := j.send(request, perAttempt, log)
		if !ok {
			return result
		}

		found := false
		for p := range stream.All() {
			if resp, ok := j.classify(p, pgn, dest); ok {
				result.Responses = append(result.Responses, resp)
				found = true
			}
		}
		if found {
			break
		}
		log.WithField("attempt", attempt).Debug("no response")
	}

	log.WithFields(logrus.Fields{
		"responses": len(result.Responses),
		"attempts":  result.Attempts,
	}).Debug("request complete")
	return result
}

// RequestPacket requests pgn from dest and returns the first response
func (j *J1939) RequestPacket(pgn uint32, dest uint8) (Response, bool) {
	return j.RequestPacketWith(pgn, j.CreateRequestPacket(pgn, dest), j.maxRetries, j.timeoutFor(dest))
}

// RequestPacketWith sends request up to maxRetries times and returns the
// first matching message or acknowledgment.
func (j *J1939) RequestPacketWith(pgn uint32, request Packet, maxRetries int, perAttempt time.Duration) (Response, bool) {
	dest := request.Destination()
	log := j.requestLog(pgn, dest)

	for attempt := 1; attempt <= max(maxRetries, 1); attempt++ {
		stream, ok := j.send(request, perAttempt, log)
		if !ok {
			return Response{}, false
		}

		var first Response
		found := false
		matching := Filter(stream.All(), func(p Packet) bool {
			resp, ok := j.classify(p, pgn, dest)
			if ok {
				first = resp
			}
			return ok
		})
		for range Until(matching, func(Packet) bool { return true }) {
			found = true
		}
		if found {
			return first, true
		}
		log.WithField("attempt", attempt).Debug("no response")
	}
	return Response{}, false
}

// Read passively collects decoded broadcasts of pgn for timeout
func (j *J1939) Read(pgn uint32, timeout time.Duration) ([]Message, error) {
	stream, err := j.bus.Read(timeout)
	if err != nil {
		return nil, err
	}
	var out []Message
	for p := range Filter(stream.All(), func(p Packet) bool { return p.MatchesPGN(pgn) }) {
		msg, err := j.registry.Decode(p)
		if err != nil {
			j.log.WithError(err).Debug("skipping undecodable packet")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// send subscribes to the bus and transmits request. The stream is opened
// first so that fast responders are not missed.
func (j *J1939) send(request Packet, window time.Duration, log logrus.FieldLogger) (*Stream[Packet], bool) {
	stream, err := j.bus.Read(window)
	if err != nil {
		log.WithError(err).Warn("failed to read bus")
		return nil, false
	}
	if err := j.bus.Send(request); err != nil {
		log.WithError(err).Warn("failed to send request")
		return nil, false
	}
	return stream, true
}

// classify turns p into a response to a request for pgn sent to dest.
// Frames from other sources than a specific destination are noise.
func (j *J1939) classify(p Packet, pgn uint32, dest uint8) (Response, bool) {
	if p.Transmitted() {
		return Response{}, false
	}
	if dest != GlobalAddress && p.Source() != dest {
		return Response{}, false
	}

	if pgn&0x3FF00 != PGNAcknowledgment && IsAcknowledgment(p) {
		ack, err := ParseAcknowledgment(p)
		if err != nil || ack.PGN != pgn&0x3FFFF {
			return Response{}, false
		}
		return AckResponse(ack), true
	}

	if !p.MatchesPGN(pgn) {
		return Response{}, false
	}
	// Destination-specific responses addressed to another node are not ours
	if p.IsPDU1() && p.Destination() != GlobalAddress && p.Destination() != j.bus.Address() {
		return Response{}, false
	}

	msg, err := j.registry.Decode(p)
	if err != nil {
		j.log.WithError(err).WithField("frame", p.String()).Debug("dropping undecodable response")
		return Response{}, false
	}
	return MessageResponse(msg), true
}

func (j *J1939) requestLog(pgn uint32, dest uint8) logrus.FieldLogger {
	return j.log.WithFields(logrus.Fields{
		"pgn":  fmt.Sprintf("0x%05X", pgn),
		"name": j.registry.Name(pgn),
		"dest": fmt.Sprintf("0x%02X", dest),
	})
}
