// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sink

import (
	"context"

	"github.com/cockroachdb/delta/pkg/arrange"
	"github.com/cockroachdb/delta/pkg/deltabase"
	"github.com/cockroachdb/delta/pkg/metrics"
	"github.com/cockroachdb/delta/pkg/util/ctxgroup"
	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/delta/pkg/util/log"
	"github.com/cockroachdb/delta/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/google/uuid"
)

// Config configures a sink feed.
type Config struct {
	// Collection labels the feed in logs.
	Collection string
	// Arrangement is the collection's primary arrangement.
	Arrangement *arrange.Arrangement
	// Client receives the feed's output. The feed takes ownership and
	// closes it when the feed ends.
	Client Client
	// AsOf, when set, makes the feed one-shot: it emits the consolidated
	// snapshot as of this timestamp followed by a single resolved marker,
	// then ends. When nil the feed is continuous: it starts at the
	// arrangement's watermark at creation time and emits every later
	// change until it is closed or the collection goes away.
	AsOf *epoch.Timestamp
	// Metrics, if set, is updated with feed activity.
	Metrics *metrics.Metrics
}

// Feed pumps one collection's changes into one sink client. It runs on its
// own goroutine from Start until the snapshot completes (one-shot), Close
// is called, the collection's arrangement closes, or emission fails.
type Feed struct {
	id     uuid.UUID
	cfg    Config
	cancel context.CancelFunc
	g      ctxgroup.Group
	doneCh chan struct{}

	mu struct {
		syncutil.Mutex
		resolved epoch.Timestamp
		err      error
	}
}

// Start validates cfg and launches the feed.
func Start(ctx context.Context, cfg Config) (*Feed, error) {
	if cfg.Arrangement == nil || cfg.Client == nil {
		return nil, errors.AssertionFailedf("sink feed needs an arrangement and a client")
	}
	if cfg.AsOf != nil {
		if since := cfg.Arrangement.Since(); cfg.AsOf.Less(since) {
			return nil, deltabase.NewStaleTimestampError(*cfg.AsOf, since)
		}
	}

	f := &Feed{id: uuid.New(), cfg: cfg, doneCh: make(chan struct{})}

	// The feed outlives the caller's request; keep its log tags but not its
	// cancellation.
	runCtx := logtags.WithTags(context.Background(), logtags.FromContext(ctx))
	runCtx = logtags.AddTag(runCtx, "sink", f.id)
	runCtx, f.cancel = context.WithCancel(runCtx)

	if m := cfg.Metrics; m != nil {
		m.ActiveSinks.Inc()
	}
	f.g = ctxgroup.WithContext(runCtx)
	f.g.GoCtx(func(ctx context.Context) error {
		defer close(f.doneCh)
		defer func() {
			if err := f.cfg.Client.Close(); err != nil {
				log.Warningf(ctx, "closing sink client for %s: %v", f.cfg.Collection, err)
			}
			if m := f.cfg.Metrics; m != nil {
				m.ActiveSinks.Dec()
			}
		}()
		err := f.run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			f.mu.Lock()
			f.mu.err = err
			f.mu.Unlock()
			log.Errorf(ctx, "sink feed on %s failed: %v", f.cfg.Collection, err)
		}
		return err
	})
	log.VEventf(ctx, 1, "sink %s: started on %s", f.id, cfg.Collection)
	return f, nil
}

// ID returns the feed's unique identifier.
func (f *Feed) ID() uuid.UUID {
	return f.id
}

// Resolved returns the highest resolved timestamp the feed has emitted.
func (f *Feed) Resolved() epoch.Timestamp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.resolved
}

// Done returns a channel closed when the feed has ended.
func (f *Feed) Done() <-chan struct{} {
	return f.doneCh
}

// Err returns the error that ended the feed, nil while it is still running
// and after a clean end (one-shot completion or Close).
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mu.err
}

// Close stops the feed and waits for its goroutine to exit. It is
// idempotent and safe to call on an already-ended feed.
func (f *Feed) Close(ctx context.Context) {
	f.cancel()
	_ = f.g.Wait()
	log.VEventf(ctx, 1, "sink %s: closed at resolved %s", f.id, f.Resolved())
}

func (f *Feed) run(ctx context.Context) error {
	if f.cfg.AsOf != nil {
		return f.runSnapshot(ctx, *f.cfg.AsOf)
	}
	return f.runContinuous(ctx)
}

// runSnapshot emits the consolidated contents as of asOf and one resolved
// marker.
func (f *Feed) runSnapshot(ctx context.Context, asOf epoch.Timestamp) error {
	if err := f.cfg.Arrangement.WaitForWatermark(ctx, asOf); err != nil {
		return err
	}
	snap, err := f.cfg.Arrangement.ReadAsOf(ctx, asOf)
	if err != nil {
		return err
	}
	for _, u := range snap {
		if u.Diff < 0 {
			return errors.AssertionFailedf(
				"%s: negative multiplicity %d for row %s at %s (since %s)",
				f.cfg.Collection, u.Diff, u.Row, asOf, f.cfg.Arrangement.Since())
		}
		rec := ChangeRecord{Row: u.Row, Before: 0, After: u.Diff, Timestamp: asOf}
		if err := f.emitRow(ctx, rec); err != nil {
			return err
		}
	}
	if err := f.emitResolved(ctx, asOf); err != nil {
		return err
	}
	log.VEventf(ctx, 1, "sink %s: snapshot of %s at %s complete (%d rows)",
		f.id, f.cfg.Collection, asOf, len(snap))
	return nil
}

// runContinuous follows the watermark, emitting each newly committed
// timestamp's consolidated changes and a resolved marker per pass. It
// starts from the watermark at feed creation; the initial resolved marker
// tells the client nothing at or before it will be delivered.
func (f *Feed) runContinuous(ctx context.Context) error {
	pos := f.cfg.Arrangement.Watermark()
	if err := f.emitResolved(ctx, pos); err != nil {
		return err
	}
	for {
		if err := f.cfg.Arrangement.WaitForWatermark(ctx, pos.Next()); err != nil {
			return err
		}
		watermark := f.cfg.Arrangement.Watermark()
		updates, err := f.cfg.Arrangement.Deltas(ctx, pos, watermark)
		if err != nil {
			return err
		}
		for _, u := range updates {
			after, err := f.cfg.Arrangement.MultiplicityAsOf(ctx, u.Row, u.Timestamp)
			if err != nil {
				return err
			}
			if before := after - u.Diff; after < 0 || before < 0 {
				return errors.AssertionFailedf(
					"%s: negative multiplicity for row %s at %s: %d -> %d (since %s)",
					f.cfg.Collection, u.Row, u.Timestamp, before, after, f.cfg.Arrangement.Since())
			}
			rec := ChangeRecord{
				Row:       u.Row,
				Before:    after - u.Diff,
				After:     after,
				Timestamp: u.Timestamp,
			}
			if err := f.emitRow(ctx, rec); err != nil {
				return err
			}
		}
		if err := f.emitResolved(ctx, watermark); err != nil {
			return err
		}
		log.VEventf(ctx, 2, "sink %s: emitted (%s, %s] (%d records)",
			f.id, pos, watermark, len(updates))
		pos = watermark
	}
}

func (f *Feed) emitRow(ctx context.Context, rec ChangeRecord) error {
	if err := f.cfg.Client.EmitRow(ctx, rec); err != nil {
		return errors.Wrap(err, "emitting row")
	}
	if m := f.cfg.Metrics; m != nil {
		m.SinkRowsEmitted.Inc()
	}
	return nil
}

// emitResolved flushes buffered rows and emits a resolved marker, making
// everything at or before ts durable at the client before the marker is
// visible.
func (f *Feed) emitResolved(ctx context.Context, ts epoch.Timestamp) error {
	if err := f.cfg.Client.Flush(ctx); err != nil {
		return errors.Wrap(err, "flushing sink")
	}
	if err := f.cfg.Client.EmitResolved(ctx, ts); err != nil {
		return errors.Wrap(err, "emitting resolved timestamp")
	}
	if m := f.cfg.Metrics; m != nil {
		m.SinkResolved.Inc()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.resolved.Forward(ts)
	return nil
}
