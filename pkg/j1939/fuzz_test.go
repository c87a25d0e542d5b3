// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// checkPacketRoundTrip parses s and, when it is accepted, checks that the
// canonical form parses back to the same packet and is stable.
func checkPacketRoundTrip(t *testing.T, s string) {
	t.Helper()
	p, err := ParsePacket(s)
	if err != nil {
		return
	}
	text := p.String()
	again, err := ParsePacket(text)
	if err != nil {
		t.Fatalf("%q: canonical form %q does not parse: %v", s, text, err)
	}
	if !again.Equal(p) {
		t.Fatalf("%q: round trip gave %q, expected %q", s, again, p)
	}
	if again.String() != text {
		t.Fatalf("%q: canonical form not stable: %q then %q", s, text, again.String())
	}
}

// ============================================================
// Packet Text Fuzz Tests
// ============================================================

func FuzzParsePacket(f *testing.F) {
	seeds := []string{
		"18EA00F9 00 EE 00 (TX)",
		"18FECA00 FF FF 00 00",
		"0CF00400 F0 FF 7D 00 00 FF FF FF",
		"1CECFF17 20 29 00 06 FF CA FE 00",
		"1FFFFFFF",
		"18EA00F9 (TX)",
		"(TX)",
		"FFFFFFFF 00",
		"18ea00f9 0 e 00",
		"",
	}
	for _, seed := range seeds {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, s string) {
		checkPacketRoundTrip(t, s)
	})
}

func TestFuzzPacket_RandomRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		data := make([]byte, rng.Intn(20))
		rng.Read(data)
		p := NewPacket(rng.Intn(8), uint32(rng.Intn(1<<18)), uint8(rng.Intn(256)), data...)
		if rng.Intn(2) == 1 {
			p = p.AsTransmitted()
		}

		again, err := ParsePacket(p.String())
		if err != nil {
			t.Fatalf("round %d: %q does not parse: %v", i, p, err)
		}
		if !again.Equal(p) {
			t.Fatalf("round %d: round trip gave %q, expected %q", i, again, p)
		}
	}
}

func TestFuzzPacket_RandomText(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()
	alphabet := "0123456789ABCDEFabcdefxX+-_ ()TX\t"

	for i := 0; i < rounds; i++ {
		var sb strings.Builder
		for n := rng.Intn(40); n > 0; n-- {
			sb.WriteByte(alphabet[rng.Intn(len(alphabet))])
		}
		// should not panic
		checkPacketRoundTrip(t, sb.String())
	}
}

// ============================================================
// TP Session Fuzz Tests
// ============================================================

// runDataFrames feeds frames to a freshly announced receive session and
// checks that whatever it delivers carries exactly the announced size.
func runDataFrames(t *testing.T, kind sessionKind, size int, frames [][]byte) {
	t.Helper()
	cfg := DefaultTPConfig()
	cfg.T1, cfg.T2, cfg.T3, cfg.T4 = time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond
	cfg.CTSRetries = 0

	raw := NewEchoBus(0x00)
	tp, err := NewTPBus(raw, WithTPConfig(cfg))
	if err != nil {
		t.Fatalf("NewTPBus failed: %v", err)
	}
	defer tp.Close()

	dest := uint8(GlobalAddress)
	announce := cmFrame(peer, dest, bamData(size, segmentCount(size), 0xFECA))
	if kind == sessionRTSReceive {
		dest = 0x00
		announce = cmFrame(peer, dest, rtsData(size, segmentCount(size), 0xFF, 0xFECA))
	}
	cm, ok := parseConnectionManagement(announce)
	if !ok {
		t.Fatalf("announcement %q does not parse", announce)
	}

	received := mustRead(t, tp, time.Millisecond)
	s := newRxSession(tp, announce, cm, kind)
	for _, data := range frames {
		if len(s.in) == cap(s.in) {
			break
		}
		s.in <- NewPacket(7, tpFrameID(PGNTPData, dest), peer, data...)
	}
	s.run()

	for p := range received.All() {
		if p.MatchesPGN(0xFECA) && p.Len() != size {
			t.Fatalf("%s session of %d bytes delivered %d bytes", kind, size, p.Len())
		}
	}
}

// splitFrames cuts raw bytes into data frames of 0-8 bytes, each prefixed
// by a length byte.
func splitFrames(raw []byte) [][]byte {
	var frames [][]byte
	for len(raw) > 0 && len(frames) <= maxSegments {
		n := min(int(raw[0])%(MaxFrameData+1), len(raw)-1)
		frames = append(frames, raw[1:1+n])
		raw = raw[1+n:]
	}
	return frames
}

func FuzzTPDataFrames(f *testing.F) {
	valid := []byte{}
	for seq := 1; seq <= 3; seq++ {
		valid = append(valid, MaxFrameData)
		valid = append(valid, segment(payload(20), seq, 0xFF)...)
	}
	f.Add(false, uint16(20), valid)
	f.Add(true, uint16(20), valid)
	f.Add(false, uint16(10), []byte{0, 3, 1, 0xAA, 0xBB})
	f.Add(true, uint16(20), []byte{7, 1, 1, 2, 3, 4, 5, 6, 8, 2, 1, 2, 3, 4, 5, 6, 7})
	f.Add(true, uint16(MaxMessageData), []byte{0})

	f.Fuzz(func(t *testing.T, rts bool, size uint16, raw []byte) {
		kind := sessionBAMReceive
		if rts {
			kind = sessionRTSReceive
		}
		runDataFrames(t, kind, int(size)%MaxMessageData+1, splitFrames(raw))
	})
}

func TestFuzzTP_RandomDataFrames(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds() / 10

	for i := 0; i < rounds; i++ {
		size := rng.Intn(64) + 1
		total := segmentCount(size)
		data := payload(size)

		var frames [][]byte
		for n := rng.Intn(total + 3); n >= 0; n-- {
			seq := rng.Intn(total+2) + 1
			frame := segment(data, min(seq, total), 0xFF)
			frame[0] = byte(seq)
			if rng.Intn(4) == 0 {
				frame = frame[:rng.Intn(MaxFrameData)]
			}
			frames = append(frames, frame)
		}

		kind := sessionBAMReceive
		if rng.Intn(2) == 1 {
			kind = sessionRTSReceive
		}
		// should not panic
		runDataFrames(t, kind, size, frames)
	}
}
