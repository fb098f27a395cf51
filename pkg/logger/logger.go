// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides a centralized structured logging facility.
//
// The package exposes a process-wide sugared logger with the usual
// Debug/Info/Warn/Error families. Output defaults to human-readable console
// logs; setting UNSTRUCTURED_LOGS=false switches to JSON for log
// aggregation. All output goes to stderr so transports that own stdout
// (notably STDIO) are never corrupted.
package logger

import (
	"io"
	"os"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// singleton holds the current process logger. Tests may swap it.
var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	// A usable logger must exist before Initialize is called so that
	// package-level log calls during early startup do not panic.
	singleton.Store(newLogger(os.Stderr, zapcore.InfoLevel, true))
}

// unstructuredLogs reports whether human-readable console output should be
// used. Defaults to true; only an explicit "false" selects JSON.
func unstructuredLogs() bool {
	value, found := os.LookupEnv("UNSTRUCTURED_LOGS")
	if !found {
		return true
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return true
	}
	return parsed
}

func newLogger(w io.Writer, level zapcore.Level, unstructured bool) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if unstructured {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), level)
	return zap.New(core, zap.AddCallerSkip(1)).Sugar()
}

// Initialize sets up the process logger from the environment. Debug level is
// enabled when MCPGW_DEBUG is truthy.
func Initialize() {
	level := zapcore.InfoLevel
	if debug, err := strconv.ParseBool(os.Getenv("MCPGW_DEBUG")); err == nil && debug {
		level = zapcore.DebugLevel
	}
	singleton.Store(newLogger(os.Stderr, level, unstructuredLogs()))
}

// Get returns the current process logger.
func Get() *zap.SugaredLogger {
	return singleton.Load()
}

// Named returns a child logger scoped to the given component name.
func Named(name string) *zap.SugaredLogger {
	return singleton.Load().Named(name)
}

// Debug logs a message at debug level.
func Debug(args ...any) { singleton.Load().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { singleton.Load().Debugf(format, args...) }

// Debugw logs a message with key-value pairs at debug level.
func Debugw(msg string, keysAndValues ...any) { singleton.Load().Debugw(msg, keysAndValues...) }

// Info logs a message at info level.
func Info(args ...any) { singleton.Load().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { singleton.Load().Infof(format, args...) }

// Infow logs a message with key-value pairs at info level.
func Infow(msg string, keysAndValues ...any) { singleton.Load().Infow(msg, keysAndValues...) }

// Warn logs a message at warn level.
func Warn(args ...any) { singleton.Load().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { singleton.Load().Warnf(format, args...) }

// Warnw logs a message with key-value pairs at warn level.
func Warnw(msg string, keysAndValues ...any) { singleton.Load().Warnw(msg, keysAndValues...) }

// Error logs a message at error level.
func Error(args ...any) { singleton.Load().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { singleton.Load().Errorf(format, args...) }

// Errorw logs a message with key-value pairs at error level.
func Errorw(msg string, keysAndValues ...any) { singleton.Load().Errorw(msg, keysAndValues...) }

// Panic logs a message at panic level, then panics.
func Panic(args ...any) { singleton.Load().Panic(args...) }

// Panicf logs a formatted message at panic level, then panics.
func Panicf(format string, args ...any) { singleton.Load().Panicf(format, args...) }

// Panicw logs a message with key-value pairs at panic level, then panics.
func Panicw(msg string, keysAndValues ...any) { singleton.Load().Panicw(msg, keysAndValues...) }
