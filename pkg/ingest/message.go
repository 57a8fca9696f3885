// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package ingest

import "github.com/cockroachdb/delta/pkg/zset"

// MarkerKind identifies a consistency marker.
type MarkerKind string

const (
	// MarkerBegin opens a source transaction.
	MarkerBegin MarkerKind = "BEGIN"
	// MarkerEnd closes a source transaction and declares how many events
	// it contained.
	MarkerEnd MarkerKind = "END"
)

// Marker is a consistency-stream message. BEGIN markers carry only the
// transaction ID; END markers additionally declare the event counts the
// assigner validates the buffered transaction against.
type Marker struct {
	Kind          MarkerKind
	TransactionID string
	// EventCount is the total number of events the transaction contained.
	// END only.
	EventCount int64
	// SubCounts breaks EventCount down per sub-collection. END only; nil
	// means the source provided no breakdown and only the total is
	// validated.
	SubCounts map[string]int64
}

// Event is a data-stream message: one upstream row change. Exactly the
// populated sides determine its meaning: an insert has only After, a delete
// only Before, and an update both.
type Event struct {
	// TransactionID, if set, must match the open transaction.
	TransactionID string
	// SubCollection names the upstream table the change came from; it is
	// validated against the END marker's per-sub-collection counts and does
	// not contribute to row identity.
	SubCollection string
	Before        *zset.Row
	After         *zset.Row
}

// Message is one message of a source's single, totally ordered stream.
// Exactly one of Marker and Event is set.
type Message struct {
	Marker *Marker
	Event  *Event
}

// Begin returns a BEGIN marker message.
func Begin(txnID string) Message {
	return Message{Marker: &Marker{Kind: MarkerBegin, TransactionID: txnID}}
}

// End returns an END marker message declaring the transaction's event
// counts.
func End(txnID string, eventCount int64, subCounts map[string]int64) Message {
	return Message{Marker: &Marker{
		Kind:          MarkerEnd,
		TransactionID: txnID,
		EventCount:    eventCount,
		SubCounts:     subCounts,
	}}
}

// Insert returns an event message recording that after came into existence.
func Insert(txnID, subCollection string, after zset.Row) Message {
	return Message{Event: &Event{
		TransactionID: txnID,
		SubCollection: subCollection,
		After:         &after,
	}}
}

// Delete returns an event message recording that before ceased to exist.
func Delete(txnID, subCollection string, before zset.Row) Message {
	return Message{Event: &Event{
		TransactionID: txnID,
		SubCollection: subCollection,
		Before:        &before,
	}}
}

// Update returns an event message recording that before became after.
func Update(txnID, subCollection string, before, after zset.Row) Message {
	return Message{Event: &Event{
		TransactionID: txnID,
		SubCollection: subCollection,
		Before:        &before,
		After:         &after,
	}}
}
