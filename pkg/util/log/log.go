// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package log provides structured logging for the delta engine.
//
// The package exposes the printf-style, context-aware API the rest of the
// repository logs through (Infof, Warningf, Errorf, Fatalf, VEventf). Context
// tags attached via logtags.AddTag are rendered as a bracketed prefix on
// every entry, so a message logged with a context carrying {collection=bank}
// comes out as "[collection=bank] ...". The backing logger is go.uber.org/zap
// writing a console encoding to stderr; tests swap it for a test logger via
// Scope.
package log

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLog atomic.Pointer[zap.Logger]
	// level gates the stderr sink. Verbosity (see V) gates VEventf
	// independently, so debug events can be enabled without reconfiguring
	// the sink.
	level     zap.AtomicLevel
	verbosity atomic.Int32
)

func init() {
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	globalLog.Store(newStderrLogger())
}

func newStderrLogger() *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// SetLevel adjusts the minimum severity emitted by the stderr sink. Accepted
// values are zap's level names ("debug", "info", "warn", "error").
func SetLevel(name string) error {
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// SetVerbosity sets the verbosity threshold consulted by V and VEventf and
// returns the previous value.
func SetVerbosity(v int32) int32 {
	return verbosity.Swap(v)
}

// V returns whether verbose events at the given level are currently enabled.
func V(level int32) bool {
	return verbosity.Load() >= level
}

// makeMessage renders the context's log tags, if any, in front of the
// formatted message.
func makeMessage(ctx context.Context, format string, args []interface{}) string {
	var sb strings.Builder
	if tags := logtags.FromContext(ctx); tags != nil {
		sb.WriteByte('[')
		sb.WriteString(tags.String())
		sb.WriteString("] ")
	}
	if len(args) == 0 {
		sb.WriteString(format)
	} else {
		fmt.Fprintf(&sb, format, args...)
	}
	return sb.String()
}

// Infof logs to the INFO level.
func Infof(ctx context.Context, format string, args ...interface{}) {
	globalLog.Load().Info(makeMessage(ctx, format, args))
}

// Warningf logs to the WARN level.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	globalLog.Load().Warn(makeMessage(ctx, format, args))
}

// Errorf logs to the ERROR level.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	globalLog.Load().Error(makeMessage(ctx, format, args))
}

// Fatalf logs to the ERROR level and terminates the process.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	globalLog.Load().Fatal(makeMessage(ctx, format, args))
}

// VEventf logs a verbose event at the given verbosity level. The event is
// dropped unless V(level) is true.
func VEventf(ctx context.Context, lvl int32, format string, args ...interface{}) {
	if !V(lvl) {
		return
	}
	globalLog.Load().Debug(makeMessage(ctx, format, args))
}
