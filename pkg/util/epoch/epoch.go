// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package epoch defines the logical timestamps that order committed
// transactions. Timestamps are opaque to callers except for comparison:
// all of the engine's consistency guarantees are phrased in terms of the
// total order defined here.
package epoch

import (
	"strconv"

	"github.com/cockroachdb/delta/pkg/util/syncutil"
	"github.com/cockroachdb/redact"
)

// Timestamp is a discrete logical commit timestamp. Timestamps are assigned
// to transactions in strictly increasing order; a larger timestamp means a
// later transaction.
//
// The zero value, MinTimestamp, precedes every assigned timestamp and is the
// initial value of every frontier: an empty collection has watermark and
// since both at MinTimestamp, and the first committed transaction is stamped
// MinTimestamp.Next().
type Timestamp int64

// MinTimestamp is the lowest timestamp. No transaction is ever stamped with
// it.
const MinTimestamp Timestamp = 0

// Less returns whether the receiver is ordered before the argument.
func (t Timestamp) Less(s Timestamp) bool {
	return t < s
}

// LessEq returns whether the receiver is ordered at or before the argument.
func (t Timestamp) LessEq(s Timestamp) bool {
	return t <= s
}

// IsEmpty returns whether t is the zero timestamp.
func (t Timestamp) IsEmpty() bool {
	return t == MinTimestamp
}

// Next returns the timestamp immediately following t.
func (t Timestamp) Next() Timestamp {
	return t + 1
}

// Forward updates t to the larger of itself and s, returning whether t
// changed.
func (t *Timestamp) Forward(s Timestamp) bool {
	if t.Less(s) {
		*t = s
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (t Timestamp) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// SafeValue implements the redact.SafeValue interface.
func (t Timestamp) SafeValue() {}

var _ redact.SafeValue = MinTimestamp

// Clock hands out logical timestamps in strictly increasing order. It is
// safe for concurrent use.
type Clock struct {
	mu struct {
		syncutil.Mutex
		current Timestamp
	}
}

// NewClock returns a Clock whose next timestamp follows initial.
func NewClock(initial Timestamp) *Clock {
	c := &Clock{}
	c.mu.current = initial
	return c
}

// Next advances the clock and returns the new timestamp. Successive calls
// return strictly increasing values, including across goroutines.
func (c *Clock) Next() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.current = c.mu.current.Next()
	return c.mu.current
}

// Current returns the most recently issued timestamp, or the initial value
// if Next has never been called.
func (c *Clock) Current() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.current
}
