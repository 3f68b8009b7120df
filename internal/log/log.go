// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package log exports kodiak's leveled logging interface. The default
// implementation is backed by zerolog; callers may plug in their own Logger
// so long as it implements the five methods below.
package log

import (
	"os"

	"github.com/rs/zerolog"
)

// Level mirrors the severities a Base implementation must support.
type Level int8

const (
	DebugLevel Level = iota - 1
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// Base is the logging interface kodiak depends on. A caller-supplied Logger
// need only satisfy this shape; Logger wraps it with level gating.
type Base interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// Logger wraps a Base implementation with a minimum-level filter.
type Logger struct {
	base  Base
	level Level
}

// NewLogger returns a Logger wrapping base. If base is nil, a zerolog-backed
// default writing to stderr is used.
func NewLogger(base Base) *Logger {
	if base == nil {
		base = newZerologBase(os.Stderr)
	}
	return &Logger{base: base, level: InfoLevel}
}

// SetLevel sets the minimum level that will reach the underlying Base.
func (l *Logger) SetLevel(level Level) {
	l.level = level
}

func (l *Logger) Debug(args ...interface{}) {
	if l.level <= DebugLevel {
		l.base.Debug(args...)
	}
}

func (l *Logger) Info(args ...interface{}) {
	if l.level <= InfoLevel {
		l.base.Info(args...)
	}
}

func (l *Logger) Warn(args ...interface{}) {
	if l.level <= WarnLevel {
		l.base.Warn(args...)
	}
}

func (l *Logger) Error(args ...interface{}) {
	if l.level <= ErrorLevel {
		l.base.Error(args...)
	}
}

func (l *Logger) Fatal(args ...interface{}) {
	l.base.Fatal(args...)
	os.Exit(1)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.level <= DebugLevel {
		l.base.Debug(sprintf(format, args...))
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l.level <= InfoLevel {
		l.base.Info(sprintf(format, args...))
	}
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.level <= WarnLevel {
		l.base.Warn(sprintf(format, args...))
	}
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.level <= ErrorLevel {
		l.base.Error(sprintf(format, args...))
	}
}

// zerologBase adapts zerolog.Logger to the Base interface.
type zerologBase struct {
	z zerolog.Logger
}

func newZerologBase(w *os.File) *zerologBase {
	return &zerologBase{z: zerolog.New(w).With().Timestamp().Logger()}
}

func (b *zerologBase) Debug(args ...interface{}) { b.z.Debug().Msg(sprint(args...)) }
func (b *zerologBase) Info(args ...interface{})  { b.z.Info().Msg(sprint(args...)) }
func (b *zerologBase) Warn(args ...interface{})  { b.z.Warn().Msg(sprint(args...)) }
func (b *zerologBase) Error(args ...interface{}) { b.z.Error().Msg(sprint(args...)) }
func (b *zerologBase) Fatal(args ...interface{}) { b.z.Fatal().Msg(sprint(args...)) }
