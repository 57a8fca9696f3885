// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package deltabase holds the error types and shared vocabulary used across
// the delta engine's packages. It is imported by everything and imports
// almost nothing, so subsystem packages can classify each other's failures
// without depending on each other.
package deltabase

import (
	"fmt"

	"github.com/cockroachdb/delta/pkg/util/epoch"
	"github.com/cockroachdb/errors"
)

// StaleTimestampError is returned for reads at timestamps that compaction
// has already folded away. Once returned for a given timestamp it will be
// returned forever; the since frontier never regresses.
type StaleTimestampError struct {
	Requested epoch.Timestamp
	Since     epoch.Timestamp
}

// NewStaleTimestampError returns a StaleTimestampError for a read at
// requested against an arrangement whose since frontier is since.
func NewStaleTimestampError(requested, since epoch.Timestamp) error {
	return &StaleTimestampError{Requested: requested, Since: since}
}

// Error implements error.
func (e *StaleTimestampError) Error() string {
	return fmt.Sprintf("read timestamp %s must not precede the since frontier %s",
		e.Requested, e.Since)
}

// IsStaleTimestamp returns whether err is, or wraps, a StaleTimestampError.
func IsStaleTimestamp(err error) bool {
	return errors.HasType(err, (*StaleTimestampError)(nil))
}

// FutureTimestampError is returned for point reads at timestamps ahead of
// the committed watermark. Answering such a read would require predicting
// transactions that have not committed yet, so the caller must retry once
// the watermark has advanced (or use a tail or sink, which wait).
type FutureTimestampError struct {
	Requested epoch.Timestamp
	Watermark epoch.Timestamp
}

// NewFutureTimestampError returns a FutureTimestampError for a read at
// requested against an arrangement whose watermark is watermark.
func NewFutureTimestampError(requested, watermark epoch.Timestamp) error {
	return &FutureTimestampError{Requested: requested, Watermark: watermark}
}

// Error implements error.
func (e *FutureTimestampError) Error() string {
	return fmt.Sprintf("read timestamp %s is ahead of the committed watermark %s",
		e.Requested, e.Watermark)
}

// IsFutureTimestamp returns whether err is, or wraps, a
// FutureTimestampError.
func IsFutureTimestamp(err error) bool {
	return errors.HasType(err, (*FutureTimestampError)(nil))
}

// ProtocolError reports a malformed or contradictory message sequence on a
// source's transaction stream. A source that produces one is failed
// permanently: none of its subsequent messages are processed.
type ProtocolError struct {
	SourceID string
	Detail   string
}

// NewProtocolErrorf returns a ProtocolError for the given source.
func NewProtocolErrorf(sourceID string, format string, args ...interface{}) error {
	return &ProtocolError{SourceID: sourceID, Detail: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transaction protocol violation from source %q: %s",
		e.SourceID, e.Detail)
}

// IsProtocol returns whether err is, or wraps, a ProtocolError.
func IsProtocol(err error) bool {
	return errors.HasType(err, (*ProtocolError)(nil))
}

// Protocol violations come in two kinds with identical propagation but
// different diagnoses: a count mismatch means the source's declared END
// counts disagree with the events it delivered, while a malformed sequence
// means the marker/event stream itself is structurally invalid. The kind is
// carried as an error mark so callers can classify without parsing messages.
var (
	errCountMismatch     = errors.New("transaction count mismatch")
	errMalformedSequence = errors.New("malformed transaction sequence")
)

// NewCountMismatchErrorf returns a ProtocolError marked as a count mismatch.
func NewCountMismatchErrorf(sourceID string, format string, args ...interface{}) error {
	return errors.Mark(NewProtocolErrorf(sourceID, format, args...), errCountMismatch)
}

// IsCountMismatch returns whether err is a count-mismatch protocol error.
func IsCountMismatch(err error) bool {
	return errors.Is(err, errCountMismatch)
}

// NewMalformedSequenceErrorf returns a ProtocolError marked as a malformed
// transaction sequence.
func NewMalformedSequenceErrorf(sourceID string, format string, args ...interface{}) error {
	return errors.Mark(NewProtocolErrorf(sourceID, format, args...), errMalformedSequence)
}

// IsMalformedSequence returns whether err is a malformed-sequence protocol
// error.
func IsMalformedSequence(err error) bool {
	return errors.Is(err, errMalformedSequence)
}

// UnknownCollectionError is returned for operations naming a collection the
// catalog does not contain.
type UnknownCollectionError struct {
	Name string
}

// NewUnknownCollectionError returns an UnknownCollectionError for name.
func NewUnknownCollectionError(name string) error {
	return &UnknownCollectionError{Name: name}
}

// Error implements error.
func (e *UnknownCollectionError) Error() string {
	return fmt.Sprintf("unknown collection %q", e.Name)
}

// IsUnknownCollection returns whether err is, or wraps, an
// UnknownCollectionError.
func IsUnknownCollection(err error) bool {
	return errors.HasType(err, (*UnknownCollectionError)(nil))
}

// UnknownIndexError is returned for operations naming an index the
// collection does not have.
type UnknownIndexError struct {
	Collection string
	Index      string
}

// NewUnknownIndexError returns an UnknownIndexError.
func NewUnknownIndexError(collection, index string) error {
	return &UnknownIndexError{Collection: collection, Index: index}
}

// Error implements error.
func (e *UnknownIndexError) Error() string {
	return fmt.Sprintf("collection %q has no index %q", e.Collection, e.Index)
}

// IsUnknownIndex returns whether err is, or wraps, an UnknownIndexError.
func IsUnknownIndex(err error) bool {
	return errors.HasType(err, (*UnknownIndexError)(nil))
}
