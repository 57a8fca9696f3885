// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package coord

import (
	"context"

	"github.com/cockroachdb/delta/pkg/arrange"
	"github.com/cockroachdb/delta/pkg/deltabase"
	"github.com/cockroachdb/delta/pkg/ingest"
	"github.com/cockroachdb/delta/pkg/sink"
	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/delta/pkg/util/log"
	"github.com/cockroachdb/delta/pkg/util/syncutil"
	"github.com/cockroachdb/delta/pkg/zset"
	"github.com/google/uuid"
)

// Collection is one named, transactionally consistent materialized
// collection: a primary arrangement, secondary index arrangements fed the
// same committed batches, and at most one attached source. Collections are
// independent of each other; all synchronization is collection-scoped.
type Collection struct {
	name    string
	coord   *Coordinator
	clock   *epoch.Clock
	primary *arrange.Arrangement

	mu struct {
		syncutil.Mutex
		indexes map[string]*arrange.Arrangement
		source  *ingest.Assigner
		feeds   map[uuid.UUID]*sink.Feed
		dropped bool
	}
}

var _ ingest.BatchApplier = (*Collection)(nil)

func newCollection(name string, coord *Coordinator, primary *arrange.Arrangement) *Collection {
	col := &Collection{
		name:    name,
		coord:   coord,
		clock:   epoch.NewClock(epoch.MinTimestamp),
		primary: primary,
	}
	col.mu.indexes = make(map[string]*arrange.Arrangement)
	col.mu.feeds = make(map[uuid.UUID]*sink.Feed)
	return col
}

// Name returns the collection's name.
func (col *Collection) Name() string {
	return col.name
}

// Indexes returns the names of the collection's secondary indexes.
func (col *Collection) Indexes() []string {
	col.mu.Lock()
	defer col.mu.Unlock()
	names := make([]string, 0, len(col.mu.indexes))
	for name := range col.mu.indexes {
		names = append(names, name)
	}
	return names
}

// arrangement resolves an index name to its arrangement. The empty name is
// the primary.
func (col *Collection) arrangement(index string) (*arrange.Arrangement, error) {
	if index == "" {
		return col.primary, nil
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	arr, ok := col.mu.indexes[index]
	if !ok {
		return nil, deltabase.NewUnknownIndexError(col.name, index)
	}
	return arr, nil
}

// ApplyCommitted implements ingest.BatchApplier: it applies one committed
// transaction's batch to the primary and every secondary index arrangement.
// The collection lock is held across the fan-out, so an index created
// concurrently is either seeded with this batch via the primary's clone or
// receives it here, never neither and never both.
func (col *Collection) ApplyCommitted(
	ctx context.Context, ts epoch.Timestamp, updates []zset.Update,
) error {
	col.mu.Lock()
	defer col.mu.Unlock()
	if col.mu.dropped {
		return deltabase.NewUnknownCollectionError(col.name)
	}
	if err := col.primary.ApplyBatch(ctx, ts, updates); err != nil {
		return err
	}
	for _, arr := range col.mu.indexes {
		if err := arr.ApplyBatch(ctx, ts, updates); err != nil {
			return err
		}
	}
	col.coord.compactor.Kick()
	return nil
}

// drop closes the collection: its arrangements shut down (waking any
// blocked tails and feeds), its feeds are stopped and awaited, and its
// source fails on its next commit.
func (col *Collection) drop(ctx context.Context) {
	col.mu.Lock()
	if col.mu.dropped {
		col.mu.Unlock()
		return
	}
	col.mu.dropped = true
	indexes := make([]*arrange.Arrangement, 0, len(col.mu.indexes))
	for _, arr := range col.mu.indexes {
		indexes = append(indexes, arr)
	}
	feeds := make([]*sink.Feed, 0, len(col.mu.feeds))
	for _, f := range col.mu.feeds {
		feeds = append(feeds, f)
	}
	col.mu.Unlock()

	col.primary.Close(ctx)
	col.coord.compactor.Deregister(col.primary)
	for _, arr := range indexes {
		arr.Close(ctx)
		col.coord.compactor.Deregister(arr)
	}
	for _, f := range feeds {
		// The arrangements are closed, so the feed ends on its own and
		// reports the closure as its terminal error. Close afterwards only
		// releases its resources.
		<-f.Done()
		f.Close(ctx)
	}
	log.Infof(ctx, "dropped collection %q (%d indexes, %d feeds)",
		col.name, len(indexes), len(feeds))
}
