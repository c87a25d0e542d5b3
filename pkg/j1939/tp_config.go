// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"time"

	"github.com/pkg/errors"
)

// TPConfig configures the transport protocol timers and flow control
type TPConfig struct {
	T1 time.Duration // Receiver: CTS to first DT, and between BAM DTs
	T2 time.Duration // Receiver: between DTs of one CTS batch
	T3 time.Duration // Sender: RTS or last DT to CTS; receiver: session liveness
	T4 time.Duration // Sender: hold CTS to next CTS

	// MaxPacketsPerCTS caps the segments granted by one CTS
	MaxPacketsPerCTS int

	// CTSRetries is how many times a CTS is repeated when no DT follows within T1
	CTSRetries int

	// BAMInterval is the delay between BAM data frames. Zero sends back-to-back.
	BAMInterval time.Duration

	// PadByte fills the unused tail of the last DT frame
	PadByte byte
}

// DefaultTPConfig returns the J1939-21 timer values
func DefaultTPConfig() TPConfig {
	return TPConfig{
		T1:               DefaultT1,
		T2:               DefaultT2,
		T3:               DefaultT3,
		T4:               DefaultT4,
		MaxPacketsPerCTS: 16,
		CTSRetries:       2,
		BAMInterval:      0,
		PadByte:          0x00,
	}
}

// Validate checks the timers and limits
func (c TPConfig) Validate() error {
	timers := map[string]time.Duration{"T1": c.T1, "T2": c.T2, "T3": c.T3, "T4": c.T4}
	for name, d := range timers {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxPacketsPerCTS < 1 || c.MaxPacketsPerCTS > maxSegments {
		return errors.Errorf("max packets per CTS must be 1-%d, got %d", maxSegments, c.MaxPacketsPerCTS)
	}
	if c.CTSRetries < 0 {
		return errors.Errorf("CTS retries must not be negative, got %d", c.CTSRetries)
	}
	if c.BAMInterval < 0 {
		return errors.Errorf("BAM interval must not be negative, got %s", c.BAMInterval)
	}
	return nil
}
