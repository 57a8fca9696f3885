// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sink

import (
	"context"
	"encoding/json"
	"io"

	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/delta/pkg/util/syncutil"
	"github.com/cockroachdb/delta/pkg/zset"
	"github.com/cockroachdb/errors"
)

// jsonRow is the newline-delimited JSON envelope for one row change.
type jsonRow struct {
	Row    zset.Row        `json:"row"`
	Before zset.Diff       `json:"before"`
	After  zset.Diff       `json:"after"`
	Ts     epoch.Timestamp `json:"ts"`
}

// jsonResolved is the envelope for a resolved timestamp.
type jsonResolved struct {
	Resolved epoch.Timestamp `json:"resolved"`
}

// JSONClient is a Client that renders records as newline-delimited JSON on
// an io.Writer: one {"row": ..., "before": ..., "after": ..., "ts": ...}
// object per row change and one {"resolved": ...} object per resolved
// timestamp. Like WriterClient it buffers row envelopes until Flush, so a
// partially emitted timestamp is never visible on the writer.
type JSONClient struct {
	w  io.Writer
	mu struct {
		syncutil.Mutex
		buf    []byte
		closed bool
	}
}

var _ Client = (*JSONClient)(nil)

// NewJSONClient returns a JSONClient writing to w.
func NewJSONClient(w io.Writer) *JSONClient {
	return &JSONClient{w: w}
}

// EmitRow buffers one record's envelope.
func (c *JSONClient) EmitRow(_ context.Context, rec ChangeRecord) error {
	b, err := json.Marshal(jsonRow{
		Row:    rec.Row,
		Before: rec.Before,
		After:  rec.After,
		Ts:     rec.Timestamp,
	})
	if err != nil {
		return errors.Wrapf(err, "encoding row %s", rec.Row)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.closed {
		return errors.New("json client closed")
	}
	c.mu.buf = append(c.mu.buf, b...)
	c.mu.buf = append(c.mu.buf, '\n')
	return nil
}

// EmitResolved writes a resolved envelope through to the writer.
func (c *JSONClient) EmitResolved(_ context.Context, ts epoch.Timestamp) error {
	b, err := json.Marshal(jsonResolved{Resolved: ts})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.closed {
		return errors.New("json client closed")
	}
	_, err = c.w.Write(append(b, '\n'))
	return err
}

// Flush writes all buffered envelopes to the writer.
func (c *JSONClient) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *JSONClient) flushLocked() error {
	if len(c.mu.buf) == 0 {
		return nil
	}
	_, err := c.w.Write(c.mu.buf)
	c.mu.buf = c.mu.buf[:0]
	return err
}

// Close flushes any buffered envelopes and marks the client closed.
func (c *JSONClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.closed {
		return nil
	}
	c.mu.closed = true
	return c.flushLocked()
}
