// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package arrange

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/delta/pkg/deltabase"
	"github.com/cockroachdb/delta/pkg/util/ctxgroup"
	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/delta/pkg/util/leaktest"
	"github.com/cockroachdb/delta/pkg/util/log"
	"github.com/cockroachdb/delta/pkg/zset"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func row(datums ...zset.Datum) zset.Row {
	return zset.NewRow(datums...)
}

func mustApply(
	t *testing.T, a *Arrangement, ts epoch.Timestamp, updates ...zset.Update,
) {
	t.Helper()
	require.NoError(t, a.ApplyBatch(context.Background(), ts, updates))
}

func upd(r zset.Row, ts epoch.Timestamp, diff zset.Diff) zset.Update {
	return zset.Update{Row: r, Timestamp: ts, Diff: diff}
}

// multOf returns the multiplicity of r in a consolidated snapshot, zero if
// absent.
func multOf(snap []zset.Update, r zset.Row) zset.Diff {
	for _, u := range snap {
		if u.Row.Equal(r) {
			return u.Diff
		}
	}
	return 0
}

func TestApplyBatchAndReadAsOf(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "bank", Window: WindowOff})
	alice := row(zset.String("alice"), zset.Int(100))
	bob := row(zset.String("bob"), zset.Int(50))
	aliceAfter := row(zset.String("alice"), zset.Int(90))

	mustApply(t, a, 1, upd(alice, 1, 1), upd(bob, 1, 1))
	mustApply(t, a, 2, upd(alice, 2, -1), upd(aliceAfter, 2, 1))
	mustApply(t, a, 3, upd(bob, 3, -1))

	// The empty timestamp is readable and empty.
	snap, err := a.ReadAsOf(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, snap)

	snap, err = a.ReadAsOf(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, zset.Diff(1), multOf(snap, alice))
	require.Equal(t, zset.Diff(1), multOf(snap, bob))
	require.Len(t, snap, 2)

	snap, err = a.ReadAsOf(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, multOf(snap, alice))
	require.Equal(t, zset.Diff(1), multOf(snap, aliceAfter))
	require.Equal(t, zset.Diff(1), multOf(snap, bob))

	snap, err = a.ReadAsOf(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, zset.Diff(1), multOf(snap, aliceAfter))
	require.Len(t, snap, 1)

	// Reads beyond the watermark are refused rather than guessed.
	_, err = a.ReadAsOf(ctx, 4)
	require.True(t, deltabase.IsFutureTimestamp(err), "got %v", err)
}

func TestApplyBatchEmptyTransactionAdvancesWatermark(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "empty"})
	mustApply(t, a, 1)
	require.Equal(t, epoch.Timestamp(1), a.Watermark())

	snap, err := a.ReadAsOf(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, snap)
}

func TestApplyBatchConsolidatesWithinBatch(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "dups"})
	r := row(zset.Int(1))
	// Three inserts and one delete of the same row in one transaction.
	mustApply(t, a, 1, upd(r, 1, 1), upd(r, 1, 1), upd(r, 1, 1), upd(r, 1, -1))

	snap, err := a.ReadAsOf(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []zset.Update{upd(r, 1, 2)}, snap)
	require.Equal(t, 1, a.EntryCount())

	// A transaction whose updates cancel entirely still commits.
	mustApply(t, a, 2, upd(r, 2, -2), upd(r, 2, 2))
	require.Equal(t, epoch.Timestamp(2), a.Watermark())
	require.Equal(t, 1, a.EntryCount())
}

func TestApplyBatchRejectsNonMonotonicTimestamps(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "mono"})
	mustApply(t, a, 2)

	err := a.ApplyBatch(ctx, 2, nil)
	require.Error(t, err)
	require.True(t, errors.HasAssertionFailure(err), "got %v", err)
	err = a.ApplyBatch(ctx, 1, nil)
	require.True(t, errors.HasAssertionFailure(err), "got %v", err)

	// A mistimed update inside the batch is also a caller bug.
	r := row(zset.Int(9))
	err = a.ApplyBatch(ctx, 5, []zset.Update{upd(r, 4, 1)})
	require.True(t, errors.HasAssertionFailure(err), "got %v", err)
}

func TestApplyBatchAtomicity(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "atomic", Window: WindowOff})
	x := row(zset.String("x"))
	y := row(zset.String("y"))

	const batches = 50
	done := make(chan struct{})
	g := ctxgroup.WithContext(ctx)
	g.GoCtx(func(ctx context.Context) error {
		defer close(done)
		for i := 1; i <= batches; i++ {
			ts := epoch.Timestamp(i)
			if err := a.ApplyBatch(ctx, ts, []zset.Update{
				upd(x, ts, 1), upd(y, ts, 1),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.GoCtx(func(ctx context.Context) error {
			for {
				select {
				case <-done:
					return nil
				default:
				}
				wm := a.Watermark()
				if wm.IsEmpty() {
					continue
				}
				snap, err := a.ReadAsOf(ctx, wm)
				if err != nil {
					return err
				}
				// Both updates of each transaction become visible
				// together, so the two rows never diverge.
				if mx, my := multOf(snap, x), multOf(snap, y); mx != my {
					return errors.Newf(
						"read at %s saw a partial batch: x=%d y=%d", wm, mx, my)
				}
			}
		})
	}
	require.NoError(t, g.Wait())

	snap, err := a.ReadAsOf(ctx, epoch.Timestamp(batches))
	require.NoError(t, err)
	require.Equal(t, zset.Diff(batches), multOf(snap, x))
	require.Equal(t, zset.Diff(batches), multOf(snap, y))
}

func TestAdvanceSinceCompactsInvisibly(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "compact", Window: WindowOff})
	r1, r2, r3 := row(zset.Int(1)), row(zset.Int(2)), row(zset.Int(3))
	mustApply(t, a, 1, upd(r1, 1, 1), upd(r2, 1, 1))
	mustApply(t, a, 2, upd(r1, 2, -1), upd(r3, 2, 1))
	mustApply(t, a, 3, upd(r2, 3, 2))
	mustApply(t, a, 4, upd(r3, 4, -1))

	// Record the answers at every readable timestamp.
	before := make(map[epoch.Timestamp][]zset.Update)
	for ts := epoch.Timestamp(2); ts <= 4; ts++ {
		snap, err := a.ReadAsOf(ctx, ts)
		require.NoError(t, err)
		before[ts] = snap
	}
	entriesBefore := a.EntryCount()

	since, err := a.AdvanceSince(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, epoch.Timestamp(2), since)
	require.Equal(t, epoch.Timestamp(2), a.Since())

	// Compaction is invisible at readable timestamps.
	for ts := epoch.Timestamp(2); ts <= 4; ts++ {
		snap, err := a.ReadAsOf(ctx, ts)
		require.NoError(t, err)
		require.Equal(t, before[ts], snap, "read at %s changed after compaction", ts)
	}
	// And it did fold history away: r1's +1/-1 entries cancelled.
	require.Less(t, a.EntryCount(), entriesBefore)

	// Timestamps below the frontier are gone for good.
	_, err = a.ReadAsOf(ctx, 1)
	require.True(t, deltabase.IsStaleTimestamp(err), "got %v", err)
	var stale *deltabase.StaleTimestampError
	require.True(t, errors.As(err, &stale))
	require.Equal(t, epoch.Timestamp(1), stale.Requested)
	require.Equal(t, epoch.Timestamp(2), stale.Since)
}

func TestAdvanceSinceClampsAndNeverRegresses(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "clamp"})
	mustApply(t, a, 1)
	mustApply(t, a, 2)

	// Requests beyond the watermark are clamped to it.
	since, err := a.AdvanceSince(ctx, 99)
	require.NoError(t, err)
	require.Equal(t, epoch.Timestamp(2), since)

	// Requests at or below the current frontier are no-ops.
	since, err = a.AdvanceSince(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, epoch.Timestamp(2), since)
	require.Equal(t, epoch.Timestamp(2), a.Since())
}

func TestStaleTimestampsStayStale(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "stale"})
	r := row(zset.Int(1))
	mustApply(t, a, 1, upd(r, 1, 1))
	mustApply(t, a, 2, upd(r, 2, 1))
	_, err := a.AdvanceSince(ctx, 2)
	require.NoError(t, err)

	_, err = a.ReadAsOf(ctx, 1)
	require.True(t, deltabase.IsStaleTimestamp(err))

	// More commits do not resurrect compacted timestamps.
	mustApply(t, a, 3, upd(r, 3, 1))
	_, err = a.ReadAsOf(ctx, 1)
	require.True(t, deltabase.IsStaleTimestamp(err))
}

func TestDeltas(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "deltas", Window: WindowOff})
	r1, r2 := row(zset.Int(1)), row(zset.Int(2))
	mustApply(t, a, 1, upd(r1, 1, 1))
	mustApply(t, a, 2, upd(r2, 2, 1), upd(r1, 2, 1))
	mustApply(t, a, 3, upd(r2, 3, -1))

	got, err := a.Deltas(ctx, 1, 3)
	require.NoError(t, err)
	require.Equal(t, []zset.Update{
		upd(r1, 2, 1), upd(r2, 2, 1), upd(r2, 3, -1),
	}, got)

	// The empty range yields no deltas.
	got, err = a.Deltas(ctx, 3, 3)
	require.NoError(t, err)
	require.Empty(t, got)

	// Bounds are validated against both frontiers.
	_, err = a.Deltas(ctx, 1, 4)
	require.True(t, deltabase.IsFutureTimestamp(err), "got %v", err)
	_, err = a.AdvanceSince(ctx, 2)
	require.NoError(t, err)
	_, err = a.Deltas(ctx, 1, 3)
	require.True(t, deltabase.IsStaleTimestamp(err), "got %v", err)

	// Reading deltas from exactly the since frontier is still sound: the
	// folded entry at the frontier is excluded and everything after it is
	// a pure delta.
	got, err = a.Deltas(ctx, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []zset.Update{upd(r2, 3, -1)}, got)
}

func TestMultiplicityAsOf(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "mult"})
	r := row(zset.String("r"))
	other := row(zset.String("other"))
	mustApply(t, a, 1, upd(r, 1, 1))
	mustApply(t, a, 2, upd(r, 2, 2))

	m, err := a.MultiplicityAsOf(ctx, r, 1)
	require.NoError(t, err)
	require.Equal(t, zset.Diff(1), m)
	m, err = a.MultiplicityAsOf(ctx, r, 2)
	require.NoError(t, err)
	require.Equal(t, zset.Diff(3), m)
	m, err = a.MultiplicityAsOf(ctx, other, 2)
	require.NoError(t, err)
	require.Zero(t, m)

	_, err = a.MultiplicityAsOf(ctx, r, 3)
	require.True(t, deltabase.IsFutureTimestamp(err))
}

func TestWaitForWatermark(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "wait"})

	// Already satisfied waits return immediately.
	require.NoError(t, a.WaitForWatermark(ctx, 0))

	g := ctxgroup.WithContext(ctx)
	g.GoCtx(func(ctx context.Context) error {
		return a.WaitForWatermark(ctx, 2)
	})
	time.Sleep(5 * time.Millisecond)
	mustApply(t, a, 1)
	mustApply(t, a, 2)
	require.NoError(t, g.Wait())

	// Cancellation unblocks the wait.
	cctx, cancel := context.WithCancel(ctx)
	g = ctxgroup.WithContext(ctx)
	g.GoCtx(func(context.Context) error {
		err := a.WaitForWatermark(cctx, 100)
		if !errors.Is(err, context.Canceled) {
			return errors.Newf("expected context.Canceled, got %v", err)
		}
		return nil
	})
	time.Sleep(5 * time.Millisecond)
	cancel()
	require.NoError(t, g.Wait())
}

func TestCloseUnblocksWaiters(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "close"})
	g := ctxgroup.WithContext(ctx)
	g.GoCtx(func(ctx context.Context) error {
		err := a.WaitForWatermark(ctx, 5)
		if !errors.Is(err, ErrClosed) {
			return errors.Newf("expected ErrClosed, got %v", err)
		}
		return nil
	})
	time.Sleep(5 * time.Millisecond)
	a.Close(ctx)
	require.NoError(t, g.Wait())

	// Everything fails fast after close, and close is idempotent.
	require.ErrorIs(t, a.ApplyBatch(ctx, 1, nil), ErrClosed)
	_, err := a.ReadAsOf(ctx, 0)
	require.ErrorIs(t, err, ErrClosed)
	_, err = a.AdvanceSince(ctx, 1)
	require.ErrorIs(t, err, ErrClosed)
	a.Close(ctx)
}

func TestCloneIsIndependent(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	a := New(Config{Name: "orders", Window: WindowOff})
	r := row(zset.Int(1))
	mustApply(t, a, 1, upd(r, 1, 1))
	mustApply(t, a, 2, upd(r, 2, 1))

	clone := a.Clone(Config{Name: "orders@recent", Window: 1})
	require.Equal(t, a.Watermark(), clone.Watermark())
	require.Equal(t, a.Since(), clone.Since())

	snap, err := clone.ReadAsOf(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []zset.Update{upd(r, 2, 2)}, snap)

	// Compacting the clone leaves the original readable.
	_, err = clone.AdvanceSince(ctx, 2)
	require.NoError(t, err)
	_, err = clone.ReadAsOf(ctx, 1)
	require.True(t, deltabase.IsStaleTimestamp(err))
	snap, err = a.ReadAsOf(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []zset.Update{upd(r, 1, 1)}, snap)

	// And new batches on the original do not reach the clone.
	mustApply(t, a, 3, upd(r, 3, 1))
	require.Equal(t, epoch.Timestamp(2), clone.Watermark())
}
