// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package ingest turns a source's transaction stream into timestamped update
// batches.
//
// A source delivers one totally ordered stream of messages: BEGIN and END
// consistency markers interleaved with row-change events. The Assigner
// buffers the events of the open transaction, validates them against the END
// marker's declared counts, and on a valid END assigns the transaction the
// next logical timestamp and hands the stamped batch to its destination in
// one atomic step. Timestamps are assigned in arrival order, so the order in
// which sources commit is the order in which their transactions become
// visible.
//
// Protocol violations are fail-stop: the first malformed or contradictory
// message permanently fails the source, the offending transaction's buffered
// events are discarded without consuming a timestamp, and every subsequent
// message is refused with the original error.
package ingest

import (
	"context"
	"time"

	"github.com/cockroachdb/delta/pkg/deltabase"
	"github.com/cockroachdb/delta/pkg/metrics"
	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/delta/pkg/util/log"
	"github.com/cockroachdb/delta/pkg/util/syncutil"
	"github.com/cockroachdb/delta/pkg/zset"
)

// State is an Assigner's lifecycle state.
type State int32

const (
	// StateIdle means no transaction is open.
	StateIdle State = iota
	// StateBuffering means a BEGIN has been seen and events are being
	// staged.
	StateBuffering
	// StateFailed means a protocol violation or destination failure has
	// permanently failed the source.
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BatchApplier receives committed, stamped batches. The engine's collections
// implement it.
type BatchApplier interface {
	// ApplyCommitted applies one transaction's updates, all stamped ts,
	// atomically. An empty updates slice is a committed empty transaction.
	ApplyCommitted(ctx context.Context, ts epoch.Timestamp, updates []zset.Update) error
}

// Assigner is a single source's timestamp assigner. It is safe for
// concurrent use, though a source's stream is inherently sequential: calls
// are serialized internally and timestamps follow arrival order.
type Assigner struct {
	sourceID string
	clock    *epoch.Clock
	dest     BatchApplier
	metrics  *metrics.SourceMetrics

	droppedLog log.EveryN

	mu struct {
		syncutil.Mutex
		state     State
		err       error
		txnID     string
		staged    []zset.Update
		events    int64
		subCounts map[string]int64
	}
}

// NewAssigner returns an Assigner for the given source, stamping batches
// from clock and delivering them to dest. m may be nil.
func NewAssigner(
	sourceID string, clock *epoch.Clock, dest BatchApplier, m *metrics.SourceMetrics,
) *Assigner {
	a := &Assigner{
		sourceID:   sourceID,
		clock:      clock,
		dest:       dest,
		metrics:    m,
		droppedLog: log.Every(5 * time.Second),
	}
	a.mu.state = StateIdle
	return a
}

// SourceID returns the source's identifier.
func (a *Assigner) SourceID() string {
	return a.sourceID
}

// State returns the assigner's current state.
func (a *Assigner) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mu.state
}

// Err returns the error that permanently failed the source, if any.
func (a *Assigner) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mu.err
}

// Ingest processes the next message of the source's stream. On a valid END
// marker the buffered transaction is stamped and applied before Ingest
// returns; the error, if any, is the destination's. Once the source has
// failed, Ingest returns the original failure for every subsequent message.
func (a *Assigner) Ingest(ctx context.Context, msg Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mu.err != nil {
		if a.droppedLog.ShouldLog() {
			log.Warningf(ctx, "source %s: dropping messages after failure: %v",
				a.sourceID, a.mu.err)
		}
		return a.mu.err
	}

	switch {
	case msg.Marker != nil && msg.Event != nil:
		return a.failLocked(ctx, deltabase.NewMalformedSequenceErrorf(a.sourceID,
			"message carries both a marker and an event"))
	case msg.Marker != nil:
		return a.ingestMarkerLocked(ctx, msg.Marker)
	case msg.Event != nil:
		return a.ingestEventLocked(ctx, msg.Event)
	default:
		return a.failLocked(ctx, deltabase.NewMalformedSequenceErrorf(a.sourceID,
			"message carries neither a marker nor an event"))
	}
}

func (a *Assigner) ingestMarkerLocked(ctx context.Context, m *Marker) error {
	switch m.Kind {
	case MarkerBegin:
		if m.TransactionID == "" {
			return a.failLocked(ctx, deltabase.NewMalformedSequenceErrorf(a.sourceID,
				"BEGIN marker without a transaction ID"))
		}
		if a.mu.state == StateBuffering {
			return a.failLocked(ctx, deltabase.NewMalformedSequenceErrorf(a.sourceID,
				"BEGIN %q while transaction %q is still open", m.TransactionID, a.mu.txnID))
		}
		a.mu.state = StateBuffering
		a.mu.txnID = m.TransactionID
		a.mu.staged = nil
		a.mu.events = 0
		a.mu.subCounts = make(map[string]int64)
		log.VEventf(ctx, 2, "source %s: transaction %q open", a.sourceID, m.TransactionID)
		return nil

	case MarkerEnd:
		if a.mu.state != StateBuffering {
			return a.failLocked(ctx, deltabase.NewMalformedSequenceErrorf(a.sourceID,
				"END %q without a matching BEGIN", m.TransactionID))
		}
		if m.TransactionID != a.mu.txnID {
			return a.failLocked(ctx, deltabase.NewMalformedSequenceErrorf(a.sourceID,
				"END %q does not match the open transaction %q", m.TransactionID, a.mu.txnID))
		}
		if m.EventCount != a.mu.events {
			return a.failLocked(ctx, deltabase.NewCountMismatchErrorf(a.sourceID,
				"transaction %q event count mismatch: marker declares %d, received %d",
				m.TransactionID, m.EventCount, a.mu.events))
		}
		if m.SubCounts != nil {
			for sub, want := range m.SubCounts {
				if got := a.mu.subCounts[sub]; got != want {
					return a.failLocked(ctx, deltabase.NewCountMismatchErrorf(a.sourceID,
						"transaction %q sub-collection %q count mismatch: marker declares %d, received %d",
						m.TransactionID, sub, want, got))
				}
			}
			for sub, got := range a.mu.subCounts {
				if _, ok := m.SubCounts[sub]; !ok {
					return a.failLocked(ctx, deltabase.NewCountMismatchErrorf(a.sourceID,
						"transaction %q received %d events for undeclared sub-collection %q",
						m.TransactionID, got, sub))
				}
			}
		}
		return a.commitLocked(ctx)

	default:
		return a.failLocked(ctx, deltabase.NewMalformedSequenceErrorf(a.sourceID,
			"unknown marker kind %q", string(m.Kind)))
	}
}

func (a *Assigner) ingestEventLocked(ctx context.Context, e *Event) error {
	if a.mu.state != StateBuffering {
		return a.failLocked(ctx, deltabase.NewMalformedSequenceErrorf(a.sourceID,
			"event outside a transaction"))
	}
	if e.TransactionID != "" && e.TransactionID != a.mu.txnID {
		return a.failLocked(ctx, deltabase.NewMalformedSequenceErrorf(a.sourceID,
			"event for transaction %q arrived inside transaction %q",
			e.TransactionID, a.mu.txnID))
	}
	if e.Before == nil && e.After == nil {
		return a.failLocked(ctx, deltabase.NewMalformedSequenceErrorf(a.sourceID,
			"event with neither a before nor an after row"))
	}
	if e.Before != nil {
		a.mu.staged = append(a.mu.staged, zset.Update{Row: *e.Before, Diff: -1})
	}
	if e.After != nil {
		a.mu.staged = append(a.mu.staged, zset.Update{Row: *e.After, Diff: 1})
	}
	a.mu.events++
	a.mu.subCounts[e.SubCollection]++
	return nil
}

// commitLocked stamps the staged transaction with the next timestamp and
// applies it. The lock is held throughout: the source's next message cannot
// be processed until the batch has landed, which is what makes "committed"
// and "readable" the same instant for this source.
func (a *Assigner) commitLocked(ctx context.Context) error {
	ts := a.clock.Next()
	updates := a.mu.staged
	for i := range updates {
		updates[i].Timestamp = ts
	}
	txnID := a.mu.txnID
	a.mu.state = StateIdle
	a.mu.txnID = ""
	a.mu.staged = nil
	a.mu.events = 0
	a.mu.subCounts = nil

	if err := a.dest.ApplyCommitted(ctx, ts, updates); err != nil {
		a.mu.state = StateFailed
		a.mu.err = err
		log.Errorf(ctx, "source %s: applying transaction %q at %s failed: %v",
			a.sourceID, txnID, ts, err)
		return err
	}
	if m := a.metrics; m != nil {
		m.TxnsCommitted.Inc()
	}
	log.VEventf(ctx, 1, "source %s: transaction %q committed at %s (%d updates)",
		a.sourceID, txnID, ts, len(updates))
	return nil
}

// failLocked permanently fails the source, discarding any buffered
// transaction without consuming a timestamp.
func (a *Assigner) failLocked(ctx context.Context, err error) error {
	a.mu.state = StateFailed
	a.mu.err = err
	a.mu.txnID = ""
	a.mu.staged = nil
	a.mu.events = 0
	a.mu.subCounts = nil
	if m := a.metrics; m != nil {
		m.TxnsFailed.Inc()
	}
	log.Errorf(ctx, "source %s: permanently failed: %v", a.sourceID, err)
	return err
}
