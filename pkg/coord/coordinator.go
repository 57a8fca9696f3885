// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package coord ties the engine together. A Coordinator is a catalog of
// collections, each a primary arrangement plus secondary indexes fed by one
// transactional source; point queries, tails, and sink feeds all resolve
// through it. One background compactor advances every arrangement's since
// frontier per its compaction window.
package coord

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/delta/pkg/arrange"
	"github.com/cockroachdb/delta/pkg/deltabase"
	"github.com/cockroachdb/delta/pkg/ingest"
	"github.com/cockroachdb/delta/pkg/metrics"
	"github.com/cockroachdb/delta/pkg/sink"
	"github.com/cockroachdb/delta/pkg/tail"
	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/delta/pkg/util/log"
	"github.com/cockroachdb/delta/pkg/util/syncutil"
	"github.com/cockroachdb/delta/pkg/zset"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/prometheus/client_golang/prometheus"
)

// Config configures a Coordinator.
type Config struct {
	// CompactionInterval is the period of the background compaction pass.
	// Non-positive means arrange.DefaultCompactionInterval.
	CompactionInterval time.Duration
	// Registry, if non-nil, receives the engine's Prometheus metrics.
	Registry prometheus.Registerer
}

// Coordinator is the engine's control plane.
type Coordinator struct {
	metrics   *metrics.Metrics
	compactor *arrange.Compactor

	mu struct {
		syncutil.Mutex
		collections map[string]*Collection
		stopped     bool
	}
}

// New returns a Coordinator. Call Start to launch background compaction and
// Stop to shut everything down.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		metrics:   metrics.New(cfg.Registry),
		compactor: arrange.NewCompactor(cfg.CompactionInterval),
	}
	c.mu.collections = make(map[string]*Collection)
	return c
}

// Start launches the background compactor.
func (c *Coordinator) Start(ctx context.Context) {
	c.compactor.Start(ctx)
}

// Stop drops every collection and halts the compactor, waiting for all
// background work to finish.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	c.mu.stopped = true
	cols := make([]*Collection, 0, len(c.mu.collections))
	for _, col := range c.mu.collections {
		cols = append(cols, col)
	}
	c.mu.collections = make(map[string]*Collection)
	c.mu.Unlock()

	for _, col := range cols {
		col.drop(ctx)
	}
	c.compactor.Stop()
	log.Infof(ctx, "coordinator stopped (%d collections dropped)", len(cols))
}

// CreateCollection registers a new, empty collection. window is its primary
// arrangement's compaction window; zero means arrange.DefaultWindow.
func (c *Coordinator) CreateCollection(
	ctx context.Context, name string, window arrange.Window,
) (*Collection, error) {
	if name == "" {
		return nil, errors.New("collection name must not be empty")
	}
	if window != 0 && !window.IsValid() {
		return nil, errors.Newf("invalid compaction window %d", int64(window))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.stopped {
		return nil, errors.New("coordinator is stopped")
	}
	if _, ok := c.mu.collections[name]; ok {
		return nil, errors.Newf("collection %q already exists", name)
	}
	arr := arrange.New(arrange.Config{
		Name:    name,
		Window:  window,
		Metrics: c.metrics.Arrangement(name),
	})
	col := newCollection(name, c, arr)
	c.mu.collections[name] = col
	c.compactor.Register(arr)
	log.Infof(ctx, "created collection %q (window %s)", name, arr.Window())
	return col, nil
}

// Collection resolves a collection by name.
func (c *Coordinator) Collection(name string) (*Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.mu.collections[name]
	if !ok {
		return nil, deltabase.NewUnknownCollectionError(name)
	}
	return col, nil
}

// Collections returns the catalog's collection names, sorted.
func (c *Coordinator) Collections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.mu.collections))
	for name := range c.mu.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropCollection removes a collection from the catalog and shuts it down:
// arrangements close (waking blocked tails and feeds with closure errors),
// feeds are stopped and awaited, and the attached source fails on its next
// commit.
func (c *Coordinator) DropCollection(ctx context.Context, name string) error {
	c.mu.Lock()
	col, ok := c.mu.collections[name]
	if ok {
		delete(c.mu.collections, name)
	}
	c.mu.Unlock()
	if !ok {
		return deltabase.NewUnknownCollectionError(name)
	}
	col.drop(ctx)
	return nil
}

// AttachSource attaches a transactional source to a collection and returns
// its timestamp assigner. A collection accepts a single source; the source's
// sub-collections are the way to feed it multiple upstream tables.
func (c *Coordinator) AttachSource(
	ctx context.Context, collection, sourceID string,
) (*ingest.Assigner, error) {
	if sourceID == "" {
		return nil, errors.New("source ID must not be empty")
	}
	col, err := c.Collection(collection)
	if err != nil {
		return nil, err
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.mu.dropped {
		return nil, deltabase.NewUnknownCollectionError(collection)
	}
	if s := col.mu.source; s != nil {
		return nil, errors.Newf("collection %q already has source %q attached",
			collection, s.SourceID())
	}
	a := ingest.NewAssigner(sourceID, col.clock, col, c.metrics.Source(sourceID))
	col.mu.source = a
	log.Infof(ctx, "attached source %q to collection %q", sourceID, collection)
	return a, nil
}

// Peek is the point query engine: it reads a collection (or one of its
// indexes; the empty index name is the primary) as of ts and returns its
// consolidated rows in row order. Every returned multiplicity is positive; a
// negative one is a reported data-integrity defect.
func (c *Coordinator) Peek(
	ctx context.Context, collection, index string, ts epoch.Timestamp,
) ([]zset.Update, error) {
	arr, err := c.resolve(collection, index)
	if err != nil {
		return nil, err
	}
	rows, err := arr.ReadAsOf(ctx, ts)
	if err != nil {
		return nil, err
	}
	for _, u := range rows {
		if u.Diff < 0 {
			return nil, errors.AssertionFailedf(
				"%s: negative multiplicity %d for row %s at %s (since %s)",
				arr.Name(), u.Diff, u.Row, ts, arr.Since())
		}
	}
	return rows, nil
}

// OpenTail opens a tail cursor on a collection (or index) starting at asOf.
func (c *Coordinator) OpenTail(
	ctx context.Context, collection, index string, asOf epoch.Timestamp,
) (*tail.Cursor, error) {
	arr, err := c.resolve(collection, index)
	if err != nil {
		return nil, err
	}
	return tail.Open(ctx, arr, asOf, c.metrics)
}

// CreateSink starts a sink feed on a collection (or index). A nil asOf makes
// the feed continuous from the current watermark; otherwise it emits a
// one-shot snapshot as of *asOf. The feed takes ownership of client.
func (c *Coordinator) CreateSink(
	ctx context.Context, collection, index string, client sink.Client, asOf *epoch.Timestamp,
) (*sink.Feed, error) {
	col, err := c.Collection(collection)
	if err != nil {
		return nil, err
	}
	arr, err := col.arrangement(index)
	if err != nil {
		return nil, err
	}
	ctx = logtags.AddTag(ctx, "collection", collection)
	f, err := sink.Start(ctx, sink.Config{
		Collection:  arr.Name(),
		Arrangement: arr,
		Client:      client,
		AsOf:        asOf,
		Metrics:     c.metrics,
	})
	if err != nil {
		return nil, err
	}

	col.mu.Lock()
	dropped := col.mu.dropped
	if !dropped {
		col.mu.feeds[f.ID()] = f
	}
	col.mu.Unlock()
	if dropped {
		// Lost the race with DropCollection; don't leak the feed.
		f.Close(ctx)
		return nil, deltabase.NewUnknownCollectionError(collection)
	}
	return f, nil
}

// CreateIndex adds a secondary index arrangement to a collection, seeded
// from the primary's current state and fed every batch the primary receives
// from then on. Its compaction window is independent of the primary's; zero
// means arrange.DefaultWindow.
func (c *Coordinator) CreateIndex(
	ctx context.Context, collection, index string, window arrange.Window,
) error {
	if index == "" {
		return errors.New("index name must not be empty")
	}
	if window != 0 && !window.IsValid() {
		return errors.Newf("invalid compaction window %d", int64(window))
	}
	col, err := c.Collection(collection)
	if err != nil {
		return err
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.mu.dropped {
		return deltabase.NewUnknownCollectionError(collection)
	}
	if _, ok := col.mu.indexes[index]; ok {
		return errors.Newf("collection %q already has an index %q", collection, index)
	}
	name := collection + "@" + index
	arr := col.primary.Clone(arrange.Config{
		Name:    name,
		Window:  window,
		Metrics: c.metrics.Arrangement(name),
	})
	col.mu.indexes[index] = arr
	c.compactor.Register(arr)
	c.compactor.Kick()
	log.Infof(ctx, "created index %q (window %s)", name, arr.Window())
	return nil
}

// SetIndexWindow changes an arrangement's compaction window (the empty index
// name addresses the primary) and kicks the compactor so a tightened window
// takes effect promptly. Already-compacted history does not come back.
func (c *Coordinator) SetIndexWindow(
	ctx context.Context, collection, index string, window arrange.Window,
) error {
	arr, err := c.resolve(collection, index)
	if err != nil {
		return err
	}
	if err := arr.SetWindow(window); err != nil {
		return err
	}
	c.compactor.Kick()
	log.Infof(ctx, "set window of %s to %s", arr.Name(), window)
	return nil
}

// ResetIndexWindow restores an arrangement's compaction window to the
// default.
func (c *Coordinator) ResetIndexWindow(ctx context.Context, collection, index string) error {
	return c.SetIndexWindow(ctx, collection, index, arrange.DefaultWindow)
}

// Frontiers returns an arrangement's since and watermark frontiers.
func (c *Coordinator) Frontiers(
	collection, index string,
) (since, watermark epoch.Timestamp, _ error) {
	arr, err := c.resolve(collection, index)
	if err != nil {
		return 0, 0, err
	}
	since, watermark = arr.Frontiers()
	return since, watermark, nil
}

// resolve maps (collection, index) to an arrangement; the empty index name
// is the collection's primary.
func (c *Coordinator) resolve(collection, index string) (*arrange.Arrangement, error) {
	col, err := c.Collection(collection)
	if err != nil {
		return nil, err
	}
	return col.arrangement(index)
}
