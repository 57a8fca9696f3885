// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package sink pushes a collection's committed changes to external
// consumers. A Feed reads from an arrangement and emits ChangeRecords to a
// Client, interleaved with resolved timestamps: once a client has seen
// resolved ts, it has seen every change at or before ts, exactly once, in
// timestamp order.
package sink

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/delta/pkg/util/syncutil"
	"github.com/cockroachdb/delta/pkg/zset"
	"github.com/cockroachdb/errors"
)

// ChangeRecord is one row change delivered to a sink client. Before and
// After are the row's multiplicities immediately before and at Timestamp;
// their difference is the consolidated diff the transaction applied. A
// freshly inserted row has Before == 0, a deleted one After == 0.
type ChangeRecord struct {
	Row       zset.Row
	Before    zset.Diff
	After     zset.Diff
	Timestamp epoch.Timestamp
}

// Created reports whether the record brings the row into existence.
func (r ChangeRecord) Created() bool {
	return r.Before == 0
}

// Deleted reports whether the record removes the row entirely.
func (r ChangeRecord) Deleted() bool {
	return r.After == 0
}

func (r ChangeRecord) String() string {
	return fmt.Sprintf("%s [%d->%d] @%s", r.Row, r.Before, r.After, r.Timestamp)
}

// Client is the destination of a sink feed. Implementations may buffer
// emitted rows; Flush forces them out. The feed guarantees it flushes
// before emitting a resolved timestamp, so a client that has observed
// resolved ts has durably received every record at or before ts.
//
// The feed owns its client: it calls Close when the feed ends and does not
// use the client afterwards. Clients need not be safe for concurrent use.
type Client interface {
	EmitRow(ctx context.Context, rec ChangeRecord) error
	EmitResolved(ctx context.Context, ts epoch.Timestamp) error
	Flush(ctx context.Context) error
	Close() error
}

// WriterClient is a Client that renders records as text lines on an
// io.Writer, one per row change, with resolved timestamps as "resolved @ts"
// lines. Rows are buffered until Flush so a partially emitted timestamp is
// never visible on the writer.
type WriterClient struct {
	w  io.Writer
	mu struct {
		syncutil.Mutex
		buf    []byte
		closed bool
	}
}

var _ Client = (*WriterClient)(nil)

// NewWriterClient returns a WriterClient writing to w.
func NewWriterClient(w io.Writer) *WriterClient {
	return &WriterClient{w: w}
}

// EmitRow buffers one record.
func (c *WriterClient) EmitRow(_ context.Context, rec ChangeRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.closed {
		return errors.New("writer client closed")
	}
	c.mu.buf = append(c.mu.buf, rec.String()...)
	c.mu.buf = append(c.mu.buf, '\n')
	return nil
}

// EmitResolved writes a resolved-timestamp line through to the writer.
func (c *WriterClient) EmitResolved(_ context.Context, ts epoch.Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.closed {
		return errors.New("writer client closed")
	}
	_, err := fmt.Fprintf(c.w, "resolved @%s\n", ts)
	return err
}

// Flush writes all buffered rows to the writer.
func (c *WriterClient) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *WriterClient) flushLocked() error {
	if len(c.mu.buf) == 0 {
		return nil
	}
	_, err := c.w.Write(c.mu.buf)
	c.mu.buf = c.mu.buf[:0]
	return err
}

// Close flushes any buffered rows and marks the client closed.
func (c *WriterClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.closed {
		return nil
	}
	c.mu.closed = true
	return c.flushLocked()
}
