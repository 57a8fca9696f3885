// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package arrange

import (
	"math"
	"strconv"

	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/redact"
)

// Window is a compaction window, measured in timestamp units. An arrangement
// with window w keeps at least the most recent w readable timestamps: its
// since frontier is only advanced to watermark+1-w. A window of 1 keeps only
// the watermark itself readable.
type Window int64

// DefaultWindow is the compaction window arrangements start with unless
// configured otherwise.
const DefaultWindow Window = 60

// WindowOff disables compaction entirely: the full history back to the
// initial frontier stays readable. It behaves as an infinite window.
const WindowOff Window = math.MaxInt64

// IsOff returns whether the window disables compaction.
func (w Window) IsOff() bool {
	return w == WindowOff
}

// IsValid returns whether the window is usable: at least one timestamp wide,
// or off.
func (w Window) IsValid() bool {
	return w >= 1
}

// floor returns the earliest since frontier the window permits for the given
// watermark. The result never exceeds the watermark, so a fully compacted
// arrangement always remains readable at the watermark itself.
func (w Window) floor(watermark epoch.Timestamp) epoch.Timestamp {
	if w.IsOff() {
		return epoch.MinTimestamp
	}
	f := int64(watermark) + 1 - int64(w)
	if f < 0 {
		return epoch.MinTimestamp
	}
	return epoch.Timestamp(f)
}

// String implements fmt.Stringer.
func (w Window) String() string {
	if w.IsOff() {
		return "off"
	}
	return strconv.FormatInt(int64(w), 10)
}

// SafeValue implements the redact.SafeValue interface.
func (w Window) SafeValue() {}

var _ redact.SafeValue = DefaultWindow
