// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// TestLogScope redirects the package's output to the test's log for the
// duration of a test, so that log output is attributed to the test that
// produced it and suppressed for passing tests run without -v.
type TestLogScope struct {
	prev *zap.Logger
}

// Scope starts a test log scope. The caller is responsible for calling Close
// on the returned scope before the test returns, conventionally via
//
//	defer log.Scope(t).Close(t)
func Scope(t testing.TB) *TestLogScope {
	tl := zaptest.NewLogger(t,
		zaptest.Level(zapcore.DebugLevel),
	).WithOptions(zap.AddCallerSkip(1))
	prev := globalLog.Swap(tl)
	return &TestLogScope{prev: prev}
}

// Close restores the logger that was active before Scope was called. Log
// calls issued by stray goroutines after Close revert to the stderr sink
// rather than the (now invalid) test logger.
func (s *TestLogScope) Close(t testing.TB) {
	globalLog.Swap(s.prev)
}
