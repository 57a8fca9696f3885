// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerFires(t *testing.T) {
	var timer Timer
	defer timer.Stop()

	timer.Reset(time.Millisecond)
	<-timer.C
	timer.Read = true

	// The timer is reusable after it fires.
	timer.Reset(time.Millisecond)
	<-timer.C
}

func TestTimerStop(t *testing.T) {
	var timer Timer
	// Stop before the first Reset reports that nothing was stopped.
	require.False(t, timer.Stop())

	timer.Reset(time.Hour)
	require.True(t, timer.Stop())

	// Stop returns the timer to its zero state; a fresh Reset arms it again.
	timer.Reset(time.Millisecond)
	defer timer.Stop()
	<-timer.C
}
