// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package tail implements cursors over a collection's committed history: a
// consolidated snapshot at a chosen timestamp followed by the complete
// sequence of update deltas beyond it. A cursor never skips, duplicates, or
// reorders a timestamp; the price is that a cursor which falls behind the
// collection's compaction frontier fails rather than resuming with a gap.
package tail

import (
	"context"

	"github.com/cockroachdb/delta/pkg/arrange"
	"github.com/cockroachdb/delta/pkg/deltabase"
	"github.com/cockroachdb/delta/pkg/metrics"
	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/delta/pkg/util/log"
	"github.com/cockroachdb/delta/pkg/util/syncutil"
	"github.com/cockroachdb/delta/pkg/zset"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrClosed is returned by Fetch once the cursor has been closed by its
// consumer. An arrangement shutting down underneath a cursor surfaces as
// arrange.ErrClosed instead.
var ErrClosed = errors.New("tail cursor closed")

// Batch is one Fetch result. Updates holds zero or more consolidated
// updates, ordered by timestamp and then row key. Progress is the batch's
// progress frontier: every update at or before Progress has been delivered,
// and all future batches carry strictly later timestamps. A Batch with no
// updates is pure progress.
type Batch struct {
	Updates  []zset.Update
	Progress epoch.Timestamp
}

// Cursor is a tailing read of a single arrangement. The first Fetch blocks
// until the arrangement's watermark reaches the cursor's starting timestamp
// and returns the consolidated snapshot as of that timestamp; every
// subsequent Fetch blocks until the watermark moves and returns the deltas
// since the previous batch's Progress.
//
// A Cursor is a single-consumer object: a Fetch while another is in flight
// is rejected. Close may be called from any goroutine and wakes a blocked
// Fetch.
type Cursor struct {
	id        uuid.UUID
	arr       *arrange.Arrangement
	asOf      epoch.Timestamp
	m         *metrics.Metrics
	closedCtx context.Context
	cancel    context.CancelFunc

	mu struct {
		syncutil.Mutex
		fetching     bool
		snapshotSent bool
		pos          epoch.Timestamp
		err          error
	}
}

// Open creates a cursor over arr starting at asOf. asOf must be at or beyond
// the arrangement's since frontier; it may be beyond the watermark, in which
// case the first Fetch blocks until the watermark catches up.
func Open(
	ctx context.Context, arr *arrange.Arrangement, asOf epoch.Timestamp, m *metrics.Metrics,
) (*Cursor, error) {
	if since := arr.Since(); asOf.Less(since) {
		return nil, deltabase.NewStaleTimestampError(asOf, since)
	}
	c := &Cursor{id: uuid.New(), arr: arr, asOf: asOf, m: m}
	c.closedCtx, c.cancel = context.WithCancel(context.Background())
	if m != nil {
		m.ActiveTails.Inc()
	}
	log.VEventf(ctx, 1, "tail %s: opened on %s as of %s", c.id, arr.Name(), asOf)
	return c, nil
}

// ID returns the cursor's unique identifier.
func (c *Cursor) ID() uuid.UUID {
	return c.id
}

// AsOf returns the cursor's starting timestamp.
func (c *Cursor) AsOf() epoch.Timestamp {
	return c.asOf
}

// Progress returns the cursor's progress frontier: the timestamp through
// which updates have been delivered. Before the first Fetch it is empty.
func (c *Cursor) Progress() epoch.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.pos
}

// Fetch blocks until the cursor has something to deliver and returns the
// next batch. maxRows bounds the batch size softly: timestamps are never
// split across batches, so a batch holds whole timestamp groups up to the
// budget, and always at least one group. maxRows <= 0 means no bound.
//
// Context cancellation is retryable; any other error is terminal and is
// returned by every subsequent Fetch. A concurrent Fetch is rejected.
func (c *Cursor) Fetch(ctx context.Context, maxRows int) (Batch, error) {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return Batch{}, ErrClosed
	}
	if err := c.mu.err; err != nil {
		c.mu.Unlock()
		return Batch{}, err
	}
	if c.mu.fetching {
		c.mu.Unlock()
		return Batch{}, errors.AssertionFailedf("concurrent Fetch on tail cursor %s", c.id)
	}
	c.mu.fetching = true
	snapshotSent, pos := c.mu.snapshotSent, c.mu.pos
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.mu.fetching = false
	}()

	// Close unblocks an in-flight Fetch by canceling its context.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.closedCtx, cancel)()

	var batch Batch
	var err error
	if !snapshotSent {
		batch, err = c.snapshot(ctx)
	} else {
		batch, err = c.deltas(ctx, pos, maxRows)
	}
	if err != nil {
		if c.isClosed() {
			return Batch{}, ErrClosed
		}
		if errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
			return Batch{}, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.mu.err == nil {
			c.mu.err = err
		}
		log.VEventf(ctx, 1, "tail %s: terminal: %v", c.id, err)
		return Batch{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return Batch{}, ErrClosed
	}
	c.mu.snapshotSent = true
	c.mu.pos = batch.Progress
	return batch, nil
}

// snapshot waits for the watermark to reach the starting timestamp and
// returns the consolidated contents as of it.
func (c *Cursor) snapshot(ctx context.Context) (Batch, error) {
	if err := c.arr.WaitForWatermark(ctx, c.asOf); err != nil {
		return Batch{}, err
	}
	updates, err := c.arr.ReadAsOf(ctx, c.asOf)
	if err != nil {
		return Batch{}, err
	}
	log.VEventf(ctx, 2, "tail %s: snapshot at %s (%d rows)", c.id, c.asOf, len(updates))
	return Batch{Updates: updates, Progress: c.asOf}, nil
}

// deltas waits for the watermark to pass pos and returns the updates in
// (pos, watermark], truncated to whole timestamp groups per the row budget.
func (c *Cursor) deltas(ctx context.Context, pos epoch.Timestamp, maxRows int) (Batch, error) {
	if err := c.arr.WaitForWatermark(ctx, pos.Next()); err != nil {
		return Batch{}, err
	}
	watermark := c.arr.Watermark()
	updates, err := c.arr.Deltas(ctx, pos, watermark)
	if err != nil {
		return Batch{}, err
	}

	progress := watermark
	if maxRows > 0 && len(updates) > maxRows {
		// Cut at a timestamp-group boundary. The first group is included
		// whole even when it alone exceeds the budget.
		end := 0
		for end < len(updates) {
			next := end + 1
			for next < len(updates) && updates[next].Timestamp == updates[end].Timestamp {
				next++
			}
			if end > 0 && next > maxRows {
				break
			}
			end = next
		}
		if end < len(updates) {
			updates = updates[:end]
			progress = updates[end-1].Timestamp
		}
	}
	return Batch{Updates: updates, Progress: progress}, nil
}

// isClosed reports whether Close has been called.
func (c *Cursor) isClosed() bool {
	return c.closedCtx.Err() != nil
}

// Close releases the cursor, waking a blocked Fetch with ErrClosed. Fetch
// calls after Close return ErrClosed. Close is idempotent.
func (c *Cursor) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return
	}
	c.cancel()
	if c.m != nil {
		c.m.ActiveTails.Dec()
	}
	log.VEventf(ctx, 1, "tail %s: closed at %s", c.id, c.mu.pos)
}
