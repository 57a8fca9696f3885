// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package arrange maintains arrangements: the indexed, compactable update
// logs that answer the engine's reads.
//
// An arrangement stores differential updates keyed by row, partitioned into
// per-timestamp entries, and tracks two frontiers. The watermark is the
// timestamp of the latest committed transaction applied to the arrangement;
// reads beyond it are refused because later commits could still change the
// answer. The since frontier is the earliest readable timestamp; compaction
// advances it by folding all entries at or before the new frontier into a
// single consolidated entry, after which reads below the frontier are
// refused forever.
//
// Compaction is invisible at readable timestamps: for every t with
// since <= t <= watermark, the multiset returned by ReadAsOf(t) is the same
// before and after any number of compactions.
package arrange

import (
	"bytes"
	"context"
	"sort"

	"github.com/cockroachdb/delta/pkg/deltabase"
	"github.com/cockroachdb/delta/pkg/metrics"
	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/delta/pkg/util/log"
	"github.com/cockroachdb/delta/pkg/util/syncutil"
	"github.com/cockroachdb/delta/pkg/zset"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// ErrClosed is returned by operations on a closed arrangement. Waiters
// blocked in WaitForWatermark are unblocked with it when the arrangement
// closes.
var ErrClosed = errors.New("arrangement closed")

const btreeDegree = 16

// Config configures an Arrangement.
type Config struct {
	// Name labels the arrangement in logs and metrics. By convention a
	// collection's primary arrangement is named after the collection and
	// secondary indexes as "collection@index".
	Name string
	// Window is the initial compaction window. Zero means DefaultWindow.
	Window Window
	// Metrics, if non-nil, receives the arrangement's instrumentation.
	Metrics *metrics.ArrangementMetrics
}

// entry is one consolidated update: at ts, the row's multiplicity changed by
// diff. A row's entries are strictly ascending in ts and diff is never zero.
type entry struct {
	ts   epoch.Timestamp
	diff zset.Diff
}

// rowState is the per-row update history, and the btree item ordered by the
// row's canonical key encoding.
type rowState struct {
	key     []byte
	row     zset.Row
	entries []entry
}

var _ btree.Item = (*rowState)(nil)

// Less implements btree.Item.
func (rs *rowState) Less(than btree.Item) bool {
	return bytes.Compare(rs.key, than.(*rowState).key) < 0
}

type waiter struct {
	ts epoch.Timestamp
	ch chan struct{}
}

// An Arrangement is a single collection's (or index's) update log. All
// methods are safe for concurrent use.
type Arrangement struct {
	name    string
	metrics *metrics.ArrangementMetrics

	mu struct {
		syncutil.RWMutex
		index     *btree.BTree // *rowState items
		since     epoch.Timestamp
		watermark epoch.Timestamp
		window    Window
		waiters   []waiter
		closed    bool
	}
}

// New returns an empty Arrangement with both frontiers at MinTimestamp.
func New(cfg Config) *Arrangement {
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	a := &Arrangement{name: cfg.Name, metrics: cfg.Metrics}
	a.mu.index = btree.New(btreeDegree)
	a.mu.window = cfg.Window
	return a
}

// Name returns the arrangement's label.
func (a *Arrangement) Name() string {
	return a.name
}

// Since returns the current since frontier.
func (a *Arrangement) Since() epoch.Timestamp {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mu.since
}

// Watermark returns the current committed watermark.
func (a *Arrangement) Watermark() epoch.Timestamp {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mu.watermark
}

// Frontiers returns both frontiers, read atomically.
func (a *Arrangement) Frontiers() (since, watermark epoch.Timestamp) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mu.since, a.mu.watermark
}

// Window returns the current compaction window.
func (a *Arrangement) Window() Window {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mu.window
}

// SetWindow replaces the compaction window. Widening the window does not
// regress the since frontier: timestamps already compacted away stay
// unreadable.
func (a *Arrangement) SetWindow(w Window) error {
	if !w.IsValid() {
		return errors.Newf("invalid compaction window %d", int64(w))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mu.window = w
	return nil
}

// RowCount returns the number of distinct rows with a nonempty history.
func (a *Arrangement) RowCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mu.index.Len()
}

// EntryCount returns the total number of update-log entries across rows.
func (a *Arrangement) EntryCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var n int
	a.mu.index.Ascend(func(item btree.Item) bool {
		n += len(item.(*rowState).entries)
		return true
	})
	return n
}

// ApplyBatch applies one committed transaction's updates at timestamp ts and
// advances the watermark to ts, atomically: no read observes a prefix of the
// batch. The updates must all carry timestamp ts, and ts must be beyond the
// current watermark; the timestamp assigner guarantees both, so violations
// are assertion failures. An empty batch is a committed empty transaction
// and still advances the watermark.
func (a *Arrangement) ApplyBatch(
	ctx context.Context, ts epoch.Timestamp, updates []zset.Update,
) error {
	consolidated := zset.Consolidate(updates)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mu.closed {
		return ErrClosed
	}
	if ts.LessEq(a.mu.watermark) {
		return errors.AssertionFailedf(
			"batch timestamp %s is not beyond the watermark %s", ts, a.mu.watermark)
	}
	for _, u := range consolidated {
		if u.Timestamp != ts {
			return errors.AssertionFailedf(
				"update %s does not belong to the batch at %s", u, ts)
		}
	}

	for _, u := range consolidated {
		key := u.Row.EncodeKey(nil)
		var rs *rowState
		if item := a.mu.index.Get(&rowState{key: key}); item != nil {
			rs = item.(*rowState)
		} else {
			rs = &rowState{key: key, row: u.Row}
			a.mu.index.ReplaceOrInsert(rs)
		}
		rs.entries = append(rs.entries, entry{ts: ts, diff: u.Diff})
	}
	a.mu.watermark = ts

	if m := a.metrics; m != nil {
		m.BatchesApplied.Inc()
		m.UpdatesApplied.Add(float64(len(consolidated)))
		m.Watermark.Set(float64(ts))
	}
	a.notifyLocked()
	log.VEventf(ctx, 2, "%s: applied batch at %s (%d updates)",
		a.name, ts, len(consolidated))
	return nil
}

// checkReadableRLocked validates that ts lies within [since, watermark].
func (a *Arrangement) checkReadableRLocked(ts epoch.Timestamp) error {
	if ts.Less(a.mu.since) {
		return deltabase.NewStaleTimestampError(ts, a.mu.since)
	}
	if a.mu.watermark.Less(ts) {
		return deltabase.NewFutureTimestampError(ts, a.mu.watermark)
	}
	return nil
}

// ReadAsOf returns the consolidated contents of the collection as of ts:
// one update per row whose summed multiplicity at or before ts is nonzero,
// stamped with ts and ordered by row key. ts must lie within
// [since, watermark]; reads below the since frontier fail with
// StaleTimestampError, reads beyond the watermark with
// FutureTimestampError.
func (a *Arrangement) ReadAsOf(
	ctx context.Context, ts epoch.Timestamp,
) ([]zset.Update, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.mu.closed {
		return nil, ErrClosed
	}
	if err := a.checkReadableRLocked(ts); err != nil {
		return nil, err
	}
	var res []zset.Update
	a.mu.index.Ascend(func(item btree.Item) bool {
		rs := item.(*rowState)
		var sum zset.Diff
		for _, e := range rs.entries {
			if !e.ts.LessEq(ts) {
				break
			}
			sum += e.diff
		}
		if sum != 0 {
			res = append(res, zset.Update{Row: rs.row, Timestamp: ts, Diff: sum})
		}
		return true
	})
	return res, nil
}

// MultiplicityAsOf returns row's multiplicity as of ts (zero if the row has
// never been seen). The same readability bounds as ReadAsOf apply.
func (a *Arrangement) MultiplicityAsOf(
	ctx context.Context, row zset.Row, ts epoch.Timestamp,
) (zset.Diff, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.mu.closed {
		return 0, ErrClosed
	}
	if err := a.checkReadableRLocked(ts); err != nil {
		return 0, err
	}
	item := a.mu.index.Get(&rowState{key: row.EncodeKey(nil)})
	if item == nil {
		return 0, nil
	}
	var sum zset.Diff
	for _, e := range item.(*rowState).entries {
		if !e.ts.LessEq(ts) {
			break
		}
		sum += e.diff
	}
	return sum, nil
}

// Deltas returns the updates with timestamps in (after, through], in
// consolidated form, ordered by timestamp and then row key. These are pure
// deltas only if no entry at or before after has been folded forward, so
// after must be at or beyond the since frontier; otherwise Deltas fails with
// StaleTimestampError. through must not exceed the watermark.
func (a *Arrangement) Deltas(
	ctx context.Context, after, through epoch.Timestamp,
) ([]zset.Update, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.mu.closed {
		return nil, ErrClosed
	}
	if after.Less(a.mu.since) {
		return nil, deltabase.NewStaleTimestampError(after, a.mu.since)
	}
	if a.mu.watermark.Less(through) {
		return nil, deltabase.NewFutureTimestampError(through, a.mu.watermark)
	}

	type keyed struct {
		upd zset.Update
		key []byte
	}
	var res []keyed
	a.mu.index.Ascend(func(item btree.Item) bool {
		rs := item.(*rowState)
		for _, e := range rs.entries {
			if e.ts.LessEq(after) {
				continue
			}
			if !e.ts.LessEq(through) {
				break
			}
			res = append(res, keyed{
				upd: zset.Update{Row: rs.row, Timestamp: e.ts, Diff: e.diff},
				key: rs.key,
			})
		}
		return true
	})
	sort.Slice(res, func(i, j int) bool {
		if res[i].upd.Timestamp != res[j].upd.Timestamp {
			return res[i].upd.Timestamp.Less(res[j].upd.Timestamp)
		}
		return bytes.Compare(res[i].key, res[j].key) < 0
	})
	out := make([]zset.Update, len(res))
	for i, k := range res {
		out[i] = k.upd
	}
	return out, nil
}

// AdvanceSince advances the since frontier to at most `to`, compacting the
// update log: every row's entries at or before the new frontier are folded
// into a single consolidated entry stamped with the frontier, and rows whose
// folded multiplicity is zero with no later entries are dropped entirely.
// The frontier never regresses and never passes the watermark; `to` is
// clamped accordingly. Returns the effective since frontier.
func (a *Arrangement) AdvanceSince(
	ctx context.Context, to epoch.Timestamp,
) (epoch.Timestamp, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mu.closed {
		return a.mu.since, ErrClosed
	}
	if a.mu.watermark.Less(to) {
		to = a.mu.watermark
	}
	if !a.mu.since.Less(to) {
		return a.mu.since, nil
	}

	var folded int
	var emptied []*rowState
	a.mu.index.Ascend(func(item btree.Item) bool {
		rs := item.(*rowState)
		i := 0
		var sum zset.Diff
		for i < len(rs.entries) && rs.entries[i].ts.LessEq(to) {
			sum += rs.entries[i].diff
			i++
		}
		if i == 0 {
			return true
		}
		if sum != 0 {
			merged := make([]entry, 0, len(rs.entries)-i+1)
			merged = append(merged, entry{ts: to, diff: sum})
			merged = append(merged, rs.entries[i:]...)
			folded += i - 1
			rs.entries = merged
		} else {
			folded += i
			rs.entries = rs.entries[i:]
			if len(rs.entries) == 0 {
				emptied = append(emptied, rs)
			}
		}
		return true
	})
	for _, rs := range emptied {
		a.mu.index.Delete(rs)
	}
	a.mu.since = to

	if m := a.metrics; m != nil {
		m.SinceAdvances.Inc()
		m.SinceFrontier.Set(float64(to))
		m.EntriesCompacted.Add(float64(folded))
	}
	log.VEventf(ctx, 1, "%s: advanced since to %s (%d entries folded, %d rows dropped)",
		a.name, to, folded, len(emptied))
	return to, nil
}

// WaitForWatermark blocks until the watermark reaches ts, the context is
// canceled, or the arrangement closes.
func (a *Arrangement) WaitForWatermark(ctx context.Context, ts epoch.Timestamp) error {
	a.mu.Lock()
	if a.mu.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if ts.LessEq(a.mu.watermark) {
		a.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	a.mu.waiters = append(a.mu.waiters, waiter{ts: ts, ch: ch})
	a.mu.Unlock()

	select {
	case <-ch:
		a.mu.RLock()
		defer a.mu.RUnlock()
		if ts.LessEq(a.mu.watermark) {
			return nil
		}
		return ErrClosed
	case <-ctx.Done():
		// The waiter entry is left behind; it holds no resources and is
		// discarded on the next notification.
		return ctx.Err()
	}
}

// notifyLocked fires every waiter whose target watermark has been reached.
func (a *Arrangement) notifyLocked() {
	if len(a.mu.waiters) == 0 {
		return
	}
	remaining := a.mu.waiters[:0]
	for _, w := range a.mu.waiters {
		if w.ts.LessEq(a.mu.watermark) || a.mu.closed {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	a.mu.waiters = remaining
}

// Clone returns a new arrangement with a copy of the receiver's state:
// same rows, entries, and frontiers, under the given configuration. It is
// how a new index is seeded from an existing arrangement without replaying
// the source stream.
func (a *Arrangement) Clone(cfg Config) *Arrangement {
	clone := New(cfg)

	a.mu.RLock()
	defer a.mu.RUnlock()
	clone.mu.since = a.mu.since
	clone.mu.watermark = a.mu.watermark
	a.mu.index.Ascend(func(item btree.Item) bool {
		rs := item.(*rowState)
		cp := &rowState{
			key:     rs.key,
			row:     rs.row,
			entries: append([]entry(nil), rs.entries...),
		}
		clone.mu.index.ReplaceOrInsert(cp)
		return true
	})
	if m := clone.metrics; m != nil {
		m.Watermark.Set(float64(clone.mu.watermark))
		m.SinceFrontier.Set(float64(clone.mu.since))
	}
	return clone
}

// Close marks the arrangement closed and unblocks all waiters with
// ErrClosed. Subsequent operations fail with ErrClosed. Close is idempotent.
func (a *Arrangement) Close(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mu.closed {
		return
	}
	a.mu.closed = true
	a.notifyLocked()
	log.VEventf(ctx, 1, "%s: closed", a.name)
}
