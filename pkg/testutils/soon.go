// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package testutils provides helpers shared by the repository's tests.
package testutils

import (
	"testing"
	"time"

	"github.com/cockroachdb/delta/pkg/util/timeutil"
	"github.com/cockroachdb/errors"
)

// DefaultSucceedsSoonDuration is the maximum amount of time unittests will
// wait for a condition to become true.
const DefaultSucceedsSoonDuration = 45 * time.Second

// SucceedsSoon fails the test (with a Fatal) unless the supplied function
// runs without error within DefaultSucceedsSoonDuration. The function is
// invoked immediately at first and then with exponential backoff.
func SucceedsSoon(t testing.TB, fn func() error) {
	t.Helper()
	if err := SucceedsSoonError(fn); err != nil {
		t.Fatalf("condition failed to evaluate within %s: %v",
			DefaultSucceedsSoonDuration, err)
	}
}

// SucceedsSoonError returns an error unless the supplied function runs
// without error within DefaultSucceedsSoonDuration.
func SucceedsSoonError(fn func() error) error {
	deadline := timeutil.Now().Add(DefaultSucceedsSoonDuration)
	wait := time.Millisecond
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if timeutil.Now().After(deadline) {
			return errors.Wrap(err, "condition not met before deadline")
		}
		time.Sleep(wait)
		if wait < 500*time.Millisecond {
			wait *= 2
		}
	}
}
