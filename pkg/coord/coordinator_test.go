// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package coord

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/delta/pkg/arrange"
	"github.com/cockroachdb/delta/pkg/deltabase"
	"github.com/cockroachdb/delta/pkg/ingest"
	"github.com/cockroachdb/delta/pkg/sink"
	"github.com/cockroachdb/delta/pkg/testutils"
	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/delta/pkg/util/leaktest"
	"github.com/cockroachdb/delta/pkg/util/log"
	"github.com/cockroachdb/delta/pkg/util/syncutil"
	"github.com/cockroachdb/delta/pkg/zset"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func acct(name string, balance int64) zset.Row {
	return zset.NewRow(zset.String(name), zset.Int(balance))
}

// commitTxn pushes one well-formed transaction through an assigner.
func commitTxn(t *testing.T, a *ingest.Assigner, id string, events ...ingest.Message) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.Ingest(ctx, ingest.Begin(id)))
	counts := make(map[string]int64)
	for _, e := range events {
		require.NoError(t, a.Ingest(ctx, e))
		counts[e.Event.SubCollection]++
	}
	require.NoError(t, a.Ingest(ctx, ingest.End(id, int64(len(events)), counts)))
}

func startCoordinator(t *testing.T) (*Coordinator, context.Context) {
	ctx := context.Background()
	c := New(Config{
		CompactionInterval: time.Millisecond,
		Registry:           prometheus.NewRegistry(),
	})
	c.Start(ctx)
	return c, ctx
}

// peekBalances reads a collection as of ts into a name->balance map,
// requiring every multiplicity to be 1.
func peekBalances(
	t *testing.T, c *Coordinator, collection, index string, ts epoch.Timestamp,
) map[string]int64 {
	t.Helper()
	rows, err := c.Peek(context.Background(), collection, index, ts)
	require.NoError(t, err)
	out := make(map[string]int64, len(rows))
	for _, u := range rows {
		require.Equal(t, zset.Diff(1), u.Diff)
		out[u.Row.Datum(0).StringValue()] = u.Row.Datum(1).IntValue()
	}
	return out
}

// TestCoordinatorEndToEnd drives five row changes through three
// transactions and checks that each transaction became exactly one readable
// timestamp.
func TestCoordinatorEndToEnd(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	c, ctx := startCoordinator(t)
	defer c.Stop(ctx)

	_, err := c.CreateCollection(ctx, "bank", arrange.WindowOff)
	require.NoError(t, err)
	src, err := c.AttachSource(ctx, "bank", "src-bank")
	require.NoError(t, err)

	commitTxn(t, src, "t1",
		ingest.Insert("t1", "accounts", acct("alice", 100)),
		ingest.Insert("t1", "accounts", acct("bob", 50)),
		ingest.Insert("t1", "accounts", acct("carol", 20)),
	)
	commitTxn(t, src, "t2",
		ingest.Update("t2", "accounts", acct("alice", 100), acct("alice", 90)),
	)
	commitTxn(t, src, "t3",
		ingest.Delete("t3", "accounts", acct("carol", 20)),
	)

	_, watermark, err := c.Frontiers("bank", "")
	require.NoError(t, err)
	require.Equal(t, epoch.Timestamp(3), watermark)

	require.Equal(t, map[string]int64{"alice": 100, "bob": 50, "carol": 20},
		peekBalances(t, c, "bank", "", 1))
	require.Equal(t, map[string]int64{"alice": 90, "bob": 50, "carol": 20},
		peekBalances(t, c, "bank", "", 2))
	require.Equal(t, map[string]int64{"alice": 90, "bob": 50},
		peekBalances(t, c, "bank", "", 3))

	// Uncommitted timestamps are not readable.
	_, err = c.Peek(ctx, "bank", "", 4)
	require.True(t, deltabase.IsFutureTimestamp(err), "got %v", err)

	// Unknown names resolve to typed errors.
	_, err = c.Peek(ctx, "treasury", "", 1)
	require.True(t, deltabase.IsUnknownCollection(err), "got %v", err)
	_, err = c.Peek(ctx, "bank", "by_balance", 1)
	require.True(t, deltabase.IsUnknownIndex(err), "got %v", err)
}

// TestCoordinatorWindowLifecycle walks the compaction window through
// minimal, and back to default, checking which timestamps stay readable.
func TestCoordinatorWindowLifecycle(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	c, ctx := startCoordinator(t)
	defer c.Stop(ctx)

	_, err := c.CreateCollection(ctx, "bank", 0) // default window
	require.NoError(t, err)
	src, err := c.AttachSource(ctx, "bank", "src-bank")
	require.NoError(t, err)

	for i, balance := range []int64{100, 90, 80, 70} {
		id := string(rune('a' + i))
		var ev ingest.Message
		if i == 0 {
			ev = ingest.Insert(id, "accounts", acct("alice", balance))
		} else {
			ev = ingest.Update(id, "accounts", acct("alice", balance+10), acct("alice", balance))
		}
		commitTxn(t, src, id, ev)
	}

	// The default window comfortably covers four commits: all readable.
	for ts := epoch.Timestamp(1); ts <= 4; ts++ {
		_, err := c.Peek(ctx, "bank", "", ts)
		require.NoError(t, err)
	}

	// A minimal window keeps only the watermark readable.
	require.NoError(t, c.SetIndexWindow(ctx, "bank", "", 1))
	testutils.SucceedsSoon(t, func() error {
		if _, err := c.Peek(ctx, "bank", "", 3); !deltabase.IsStaleTimestamp(err) {
			return errors.Newf("timestamp 3 still readable (err %v)", err)
		}
		return nil
	})
	_, err = c.Peek(ctx, "bank", "", 2)
	require.True(t, deltabase.IsStaleTimestamp(err), "got %v", err)
	require.Equal(t, map[string]int64{"alice": 70}, peekBalances(t, c, "bank", "", 4))

	// Widening the window back to the default admits new history but never
	// brings compacted history back.
	require.NoError(t, c.ResetIndexWindow(ctx, "bank", ""))
	commitTxn(t, src, "e",
		ingest.Update("e", "accounts", acct("alice", 70), acct("alice", 60)))
	commitTxn(t, src, "f",
		ingest.Update("f", "accounts", acct("alice", 60), acct("alice", 50)))

	for ts := epoch.Timestamp(4); ts <= 6; ts++ {
		_, err := c.Peek(ctx, "bank", "", ts)
		require.NoError(t, err)
	}
	_, err = c.Peek(ctx, "bank", "", 3)
	require.True(t, deltabase.IsStaleTimestamp(err), "got %v", err)
}

// TestCoordinatorIndexCompactsIndependently pairs an aggressively compacted
// primary with a full-history index: the index keeps answering reads the
// primary has forgotten.
func TestCoordinatorIndexCompactsIndependently(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	c, ctx := startCoordinator(t)
	defer c.Stop(ctx)

	_, err := c.CreateCollection(ctx, "bank", 1)
	require.NoError(t, err)
	require.NoError(t, c.CreateIndex(ctx, "bank", "history", arrange.WindowOff))
	src, err := c.AttachSource(ctx, "bank", "src-bank")
	require.NoError(t, err)

	commitTxn(t, src, "t1", ingest.Insert("t1", "accounts", acct("alice", 100)))
	commitTxn(t, src, "t2",
		ingest.Update("t2", "accounts", acct("alice", 100), acct("alice", 90)))
	commitTxn(t, src, "t3",
		ingest.Update("t3", "accounts", acct("alice", 90), acct("alice", 80)))

	testutils.SucceedsSoon(t, func() error {
		if _, err := c.Peek(ctx, "bank", "", 1); !deltabase.IsStaleTimestamp(err) {
			return errors.Newf("primary timestamp 1 still readable (err %v)", err)
		}
		return nil
	})

	// The index still answers the full history.
	require.Equal(t, map[string]int64{"alice": 100},
		peekBalances(t, c, "bank", "history", 1))
	require.Equal(t, map[string]int64{"alice": 90},
		peekBalances(t, c, "bank", "history", 2))
	require.Equal(t, map[string]int64{"alice": 80},
		peekBalances(t, c, "bank", "history", 3))

	since, _, err := c.Frontiers("bank", "history")
	require.NoError(t, err)
	require.Equal(t, epoch.Timestamp(0), since)
}

// TestCoordinatorIndexSeededMidStream creates an index after some commits
// and checks the seed plus fan-out hand off without a gap or overlap.
func TestCoordinatorIndexSeededMidStream(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	c, ctx := startCoordinator(t)
	defer c.Stop(ctx)

	_, err := c.CreateCollection(ctx, "bank", arrange.WindowOff)
	require.NoError(t, err)
	src, err := c.AttachSource(ctx, "bank", "src-bank")
	require.NoError(t, err)

	commitTxn(t, src, "t1", ingest.Insert("t1", "accounts", acct("alice", 100)))
	commitTxn(t, src, "t2", ingest.Insert("t2", "accounts", acct("bob", 50)))

	require.NoError(t, c.CreateIndex(ctx, "bank", "late", arrange.WindowOff))
	commitTxn(t, src, "t3",
		ingest.Update("t3", "accounts", acct("alice", 100), acct("alice", 90)))

	for ts := epoch.Timestamp(1); ts <= 3; ts++ {
		require.Equal(t,
			peekBalances(t, c, "bank", "", ts),
			peekBalances(t, c, "bank", "late", ts),
			"timestamp %s", ts)
	}
	require.Equal(t, []string{"late"}, func() []string {
		col, err := c.Collection("bank")
		require.NoError(t, err)
		return col.Indexes()
	}())
}

// TestCoordinatorTailSinkCrossCheck runs a tail, a one-shot sink, and a
// continuous sink against the same workload and cross-checks them with
// point reads.
func TestCoordinatorTailSinkCrossCheck(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	c, ctx := startCoordinator(t)
	defer c.Stop(ctx)

	_, err := c.CreateCollection(ctx, "bank", arrange.WindowOff)
	require.NoError(t, err)
	src, err := c.AttachSource(ctx, "bank", "src-bank")
	require.NoError(t, err)

	commitTxn(t, src, "t1",
		ingest.Insert("t1", "accounts", acct("alice", 100)),
		ingest.Insert("t1", "accounts", acct("bob", 50)),
	)
	commitTxn(t, src, "t2",
		ingest.Update("t2", "accounts", acct("alice", 100), acct("alice", 90)),
	)

	// Tail from 1: snapshot then deltas, accumulating to the watermark state.
	cur, err := c.OpenTail(ctx, "bank", "", 1)
	require.NoError(t, err)
	defer cur.Close(ctx)

	state := make(map[string]zset.Diff)
	for progress := epoch.Timestamp(0); progress.Less(2); {
		b, err := cur.Fetch(ctx, 0)
		require.NoError(t, err)
		for _, u := range b.Updates {
			k := u.Row.Key()
			if state[k] += u.Diff; state[k] == 0 {
				delete(state, k)
			}
		}
		progress = b.Progress
	}
	peek, err := c.Peek(ctx, "bank", "", 2)
	require.NoError(t, err)
	require.Len(t, peek, len(state))
	for _, u := range peek {
		require.Equal(t, u.Diff, state[u.Row.Key()])
	}

	// One-shot sink at 2 agrees with the point read.
	oneShot := &collectingClient{}
	asOf := epoch.Timestamp(2)
	f, err := c.CreateSink(ctx, "bank", "", oneShot, &asOf)
	require.NoError(t, err)
	<-f.Done()
	require.NoError(t, f.Err())
	require.Equal(t, len(peek), len(oneShot.rows()))
	for _, rec := range oneShot.rows() {
		require.Equal(t, rec.After, state[rec.Row.Key()])
	}

	// A continuous sink sees exactly the changes committed after it started.
	// Wait for the initial resolved marker so the next commit is a delta the
	// feed observes rather than part of its starting watermark.
	cont := &collectingClient{}
	fc, err := c.CreateSink(ctx, "bank", "", cont, nil)
	require.NoError(t, err)
	testutils.SucceedsSoon(t, func() error {
		if fc.Resolved().Less(2) {
			return errors.Newf("initial resolved %s", fc.Resolved())
		}
		return nil
	})
	commitTxn(t, src, "t3", ingest.Delete("t3", "accounts", acct("bob", 50)))
	testutils.SucceedsSoon(t, func() error {
		if fc.Resolved().Less(3) {
			return errors.Newf("resolved %s", fc.Resolved())
		}
		return nil
	})
	recs := cont.rows()
	require.Len(t, recs, 1)
	require.Equal(t, sink.ChangeRecord{
		Row: acct("bob", 50), Before: 1, After: 0, Timestamp: 3,
	}, recs[0])
	fc.Close(ctx)
}

// collectingClient is a minimal sink client collecting records.
type collectingClient struct {
	mu struct {
		syncutil.Mutex
		recs []sink.ChangeRecord
	}
}

func (c *collectingClient) EmitRow(_ context.Context, rec sink.ChangeRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.recs = append(c.mu.recs, rec)
	return nil
}

func (c *collectingClient) EmitResolved(context.Context, epoch.Timestamp) error { return nil }
func (c *collectingClient) Flush(context.Context) error                         { return nil }
func (c *collectingClient) Close() error                                        { return nil }

func (c *collectingClient) rows() []sink.ChangeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sink.ChangeRecord(nil), c.mu.recs...)
}

func TestCoordinatorDropCollection(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	c, ctx := startCoordinator(t)
	defer c.Stop(ctx)

	_, err := c.CreateCollection(ctx, "bank", arrange.WindowOff)
	require.NoError(t, err)
	src, err := c.AttachSource(ctx, "bank", "src-bank")
	require.NoError(t, err)
	commitTxn(t, src, "t1", ingest.Insert("t1", "accounts", acct("alice", 100)))

	// A tail and a continuous feed are live at drop time.
	cur, err := c.OpenTail(ctx, "bank", "", 1)
	require.NoError(t, err)
	client := &collectingClient{}
	f, err := c.CreateSink(ctx, "bank", "", client, nil)
	require.NoError(t, err)

	require.NoError(t, c.DropCollection(ctx, "bank"))
	require.Empty(t, c.Collections())

	_, err = c.Collection("bank")
	require.True(t, deltabase.IsUnknownCollection(err), "got %v", err)
	err = c.DropCollection(ctx, "bank")
	require.True(t, deltabase.IsUnknownCollection(err), "got %v", err)

	// The feed has ended, the cursor fails, and the source latches on its
	// next commit.
	<-f.Done()
	require.ErrorIs(t, f.Err(), arrange.ErrClosed)
	_, err = cur.Fetch(ctx, 0)
	require.ErrorIs(t, err, arrange.ErrClosed)

	require.NoError(t, src.Ingest(ctx, ingest.Begin("t2")))
	err = src.Ingest(ctx, ingest.End("t2", 0, nil))
	require.True(t, deltabase.IsUnknownCollection(err), "got %v", err)
	require.Equal(t, ingest.StateFailed, src.State())
}

func TestCoordinatorCatalogValidation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	c, ctx := startCoordinator(t)
	defer c.Stop(ctx)

	_, err := c.CreateCollection(ctx, "bank", 0)
	require.NoError(t, err)
	_, err = c.CreateCollection(ctx, "bank", 0)
	require.ErrorContains(t, err, `collection "bank" already exists`)
	_, err = c.CreateCollection(ctx, "", 0)
	require.Error(t, err)
	_, err = c.CreateCollection(ctx, "ledger", -1)
	require.Error(t, err)

	require.NoError(t, c.CreateIndex(ctx, "bank", "by_balance", 0))
	err = c.CreateIndex(ctx, "bank", "by_balance", 0)
	require.ErrorContains(t, err, `collection "bank" already has an index "by_balance"`)
	require.Error(t, c.CreateIndex(ctx, "bank", "", 0))
	require.True(t, deltabase.IsUnknownCollection(c.CreateIndex(ctx, "nope", "i", 0)))

	_, err = c.AttachSource(ctx, "bank", "src-1")
	require.NoError(t, err)
	_, err = c.AttachSource(ctx, "bank", "src-2")
	require.ErrorContains(t, err, `collection "bank" already has source "src-1" attached`)
	_, err = c.AttachSource(ctx, "bank", "")
	require.Error(t, err)

	require.Equal(t, []string{"bank"}, c.Collections())
}

func TestCoordinatorStop(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	c := New(Config{CompactionInterval: time.Millisecond})
	c.Start(ctx)

	_, err := c.CreateCollection(ctx, "bank", 0)
	require.NoError(t, err)
	src, err := c.AttachSource(ctx, "bank", "src-bank")
	require.NoError(t, err)
	commitTxn(t, src, "t1", ingest.Insert("t1", "accounts", acct("alice", 100)))

	client := &collectingClient{}
	f, err := c.CreateSink(ctx, "bank", "", client, nil)
	require.NoError(t, err)

	c.Stop(ctx)
	<-f.Done()

	_, err = c.CreateCollection(ctx, "ledger", 0)
	require.ErrorContains(t, err, "coordinator is stopped")
	require.Empty(t, c.Collections())
}
