// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package leaktest provides a goroutine leak detector for tests. It takes a
// snapshot of the running goroutines when a test starts and verifies, with a
// grace period for shutdown races, that no unexpected goroutines remain when
// the test ends.
package leaktest

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/delta/pkg/util/timeutil"
)

// interestingGoroutines returns all goroutines we care about for the purpose
// of leak checking. It excludes testing and runtime bookkeeping goroutines
// and anything created by the leak checker itself.
func interestingGoroutines() map[int64]string {
	buf := make([]byte, 2<<20)
	buf = buf[:runtime.Stack(buf, true)]
	gs := make(map[int64]string)
	for _, g := range strings.Split(string(buf), "\n\n") {
		sl := strings.SplitN(g, "\n", 2)
		if len(sl) != 2 {
			continue
		}
		stack := strings.TrimSpace(sl[1])
		if stack == "" ||
			strings.Contains(stack, "created by runtime.gc") ||
			strings.Contains(stack, "interestingGoroutines") ||
			strings.Contains(stack, "runtime.MHeap_Scavenger") ||
			strings.Contains(stack, "signal.signal_recv") ||
			strings.Contains(stack, "sigterm.handler") ||
			strings.Contains(stack, "runtime_mcall") ||
			strings.Contains(stack, "goroutine in C code") ||
			strings.Contains(stack, "testing.Main(") ||
			strings.Contains(stack, "testing.tRunner(") ||
			strings.Contains(stack, "testing.(*M).") ||
			strings.Contains(stack, "runtime.goexit") {
			continue
		}
		var id int64
		if _, err := fmt.Sscanf(sl[0], "goroutine %d ", &id); err != nil {
			continue
		}
		gs[id] = g
	}
	return gs
}

var leaked atomic.Bool

// AfterTest snapshots the currently running goroutines and returns a function
// to be run at the end of tests (via defer) to check for leaked goroutines.
func AfterTest(t testing.TB) func() {
	if leaked.Load() {
		t.Skip("prior leak detected, skipping leaktest")
	}
	orig := interestingGoroutines()
	return func() {
		if t.Failed() {
			return
		}
		if r := recover(); r != nil {
			panic(r)
		}
		// Loop, waiting for goroutines to shut down.
		// Wait up to 5 seconds, but finish as quickly as possible.
		deadline := timeutil.Now().Add(5 * time.Second)
		for {
			var leakedGs []string
			for id, stack := range interestingGoroutines() {
				if _, ok := orig[id]; ok {
					continue
				}
				leakedGs = append(leakedGs, stack)
			}
			if len(leakedGs) == 0 {
				return
			}
			if timeutil.Now().Before(deadline) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			sort.Strings(leakedGs)
			leaked.Store(true)
			for _, g := range leakedGs {
				t.Errorf("leaked goroutine: %v", g)
			}
			return
		}
	}
}
