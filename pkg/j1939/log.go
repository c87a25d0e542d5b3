// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package j1939

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a text logger writing to out at the given level.
// A nil out writes to stderr.
func NewLogger(level logrus.Level, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}
	return &logrus.Logger{
		Formatter: &logrus.TextFormatter{DisableTimestamp: false, FullTimestamp: true},
		Level:     level,
		Out:       out,
		Hooks:     make(logrus.LevelHooks),
	}
}

// DiscardLogger returns a logger that drops everything. Components use it
// when no logger is supplied.
func DiscardLogger() logrus.FieldLogger {
	return NewLogger(logrus.PanicLevel, io.Discard)
}
