// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"fmt"
	"sort"
	"time"
)

// SourceStats tracks traffic from one source address
type SourceStats struct {
	Address  uint8
	Packets  uint64
	Bytes    uint64
	LastPGN  uint32
	LastSeen time.Time
	PGNs     map[uint32]uint64
}

// Statistics tracks bus traffic and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPackets     uint64
	ReceivedPackets  uint64
	TransmittedPkts  uint64
	MultiPacket      uint64
	Requests         uint64
	Acks             uint64
	Nacks            uint64
	AddressConflicts uint64
	BusErrors        uint64
	TPAborts         uint64

	Sources map[uint8]*SourceStats

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
	BusLoad    float64 // percent of nominal bitrate
	bitrate    int
	bits       uint64
}

// NewStatistics creates a new statistics tracker. bitrate is used for the
// bus load estimate; zero disables it.
func NewStatistics(bitrate int) *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
		Sources:        make(map[uint8]*SourceStats),
		bitrate:        bitrate,
	}
}

// Update counts one packet
func (s *Statistics) Update(p Packet) {
	s.TotalPackets++
	if p.Transmitted() {
		s.TransmittedPkts++
	} else {
		s.ReceivedPackets++
	}
	if p.Len() > MaxFrameData {
		s.MultiPacket++
	}
	s.bits += frameBits(p.Len())

	switch {
	case p.MatchesPGN(PGNRequest):
		s.Requests++
	case IsAcknowledgment(p):
		switch AckControl(p.Get(0)) {
		case AckPositive:
			s.Acks++
		default:
			s.Nacks++
		}
	}

	src, ok := s.Sources[p.Source()]
	if !ok {
		src = &SourceStats{Address: p.Source(), PGNs: make(map[uint32]uint64)}
		s.Sources[p.Source()] = src
	}
	src.Packets++
	src.Bytes += uint64(p.Len())
	src.LastPGN = p.PGN()
	src.LastSeen = p.Timestamp()
	src.PGNs[p.PGN()]++

	s.LastUpdateTime = time.Now()
}

// frameBits approximates the wire size of a payload: an extended frame
// carries 67 bits of overhead plus 8 per data byte, before stuffing.
// Multi-packet messages count their data frames.
func frameBits(n int) uint64 {
	if n <= MaxFrameData {
		return uint64(67 + 8*n)
	}
	frames := segmentCount(n) + 1
	return uint64(frames * (67 + 64))
}

// RecordBusError counts a bus fault
func (s *Statistics) RecordBusError() {
	s.BusErrors++
}

// RecordTPAbort counts a transport protocol session failure
func (s *Statistics) RecordTPAbort() {
	s.TPAborts++
}

// RecordAddressConflict counts another node using our address
func (s *Statistics) RecordAddressConflict() {
	s.AddressConflicts++
}

// CalculateRates calculates packet and error rates and bus load
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalPackets) / elapsed
		errorCount := s.BusErrors + s.TPAborts + s.AddressConflicts
		s.ErrorRate = float64(errorCount) / elapsed
		if s.bitrate > 0 {
			s.BusLoad = float64(s.bits) * 100.0 / (elapsed * float64(s.bitrate))
		}
	}
}

// SortedSources returns per-source statistics ordered by address
func (s *Statistics) SortedSources() []*SourceStats {
	out := make([]*SourceStats, 0, len(s.Sources))
	for _, src := range s.Sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Packets:   %8d\n", s.TotalPackets)
	result += fmt.Sprintf("Received:        %8d\n", s.ReceivedPackets)
	result += fmt.Sprintf("Transmitted:     %8d\n", s.TransmittedPkts)
	if s.MultiPacket > 0 {
		result += fmt.Sprintf("Multi-Packet:    %8d\n", s.MultiPacket)
	}
	if s.Requests > 0 {
		result += fmt.Sprintf("Requests:        %8d\n", s.Requests)
	}
	if s.Acks+s.Nacks > 0 {
		result += fmt.Sprintf("ACK / NACK:      %8d / %d\n", s.Acks, s.Nacks)
	}
	if s.BusErrors > 0 {
		result += fmt.Sprintf("Bus Errors:      %8d\n", s.BusErrors)
	}
	if s.TPAborts > 0 {
		result += fmt.Sprintf("TP Aborts:       %8d\n", s.TPAborts)
	}
	if s.AddressConflicts > 0 {
		result += fmt.Sprintf("Addr Conflicts:  %8d\n", s.AddressConflicts)
	}
	result += fmt.Sprintf("Sources:         %8d\n", len(s.Sources))
	result += fmt.Sprintf("Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	if s.bitrate > 0 {
		result += fmt.Sprintf("Bus Load:        %8.1f%%\n", s.BusLoad)
	}
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	bitrate := s.bitrate
	*s = *NewStatistics(bitrate)
}
