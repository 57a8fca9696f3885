// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package metrics defines the engine's Prometheus metrics. A single Metrics
// value is created per coordinator against a caller-supplied Registerer;
// per-arrangement and per-source handles are curried out of the labeled
// families so hot paths never format label values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "delta"

// Metrics holds every metric family exported by the engine.
type Metrics struct {
	BatchesApplied   *prometheus.CounterVec
	UpdatesApplied   *prometheus.CounterVec
	SinceAdvances    *prometheus.CounterVec
	EntriesCompacted *prometheus.CounterVec
	Watermark        *prometheus.GaugeVec
	SinceFrontier    *prometheus.GaugeVec

	TxnsCommitted *prometheus.CounterVec
	TxnsFailed    *prometheus.CounterVec

	ActiveTails     prometheus.Gauge
	ActiveSinks     prometheus.Gauge
	SinkRowsEmitted prometheus.Counter
	SinkResolved    prometheus.Counter
}

// New registers and returns the engine's metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BatchesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arrange",
			Name:      "batches_applied_total",
			Help:      "Committed transaction batches applied, per arrangement.",
		}, []string{"arrangement"}),
		UpdatesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arrange",
			Name:      "updates_applied_total",
			Help:      "Consolidated updates applied, per arrangement.",
		}, []string{"arrangement"}),
		SinceAdvances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arrange",
			Name:      "since_advances_total",
			Help:      "Times the since frontier advanced, per arrangement.",
		}, []string{"arrangement"}),
		EntriesCompacted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arrange",
			Name:      "entries_compacted_total",
			Help:      "Update-log entries folded away by compaction, per arrangement.",
		}, []string{"arrangement"}),
		Watermark: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arrange",
			Name:      "watermark",
			Help:      "Committed watermark, per arrangement.",
		}, []string{"arrangement"}),
		SinceFrontier: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arrange",
			Name:      "since",
			Help:      "Compaction (since) frontier, per arrangement.",
		}, []string{"arrangement"}),

		TxnsCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "txns_committed_total",
			Help:      "Transactions committed and assigned a timestamp, per source.",
		}, []string{"source"}),
		TxnsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "txns_failed_total",
			Help:      "Transactions aborted by protocol violations, per source.",
		}, []string{"source"}),

		ActiveTails: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tail",
			Name:      "active_cursors",
			Help:      "Open tail cursors.",
		}),
		ActiveSinks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "active_feeds",
			Help:      "Running sink feeds.",
		}),
		SinkRowsEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "rows_emitted_total",
			Help:      "Change records emitted to sink clients.",
		}),
		SinkResolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "resolved_emitted_total",
			Help:      "Resolved timestamps emitted to sink clients.",
		}),
	}
}

// ArrangementMetrics is the set of per-arrangement metric handles, curried
// to a single arrangement's label.
type ArrangementMetrics struct {
	BatchesApplied   prometheus.Counter
	UpdatesApplied   prometheus.Counter
	SinceAdvances    prometheus.Counter
	EntriesCompacted prometheus.Counter
	Watermark        prometheus.Gauge
	SinceFrontier    prometheus.Gauge
}

// Arrangement curries the per-arrangement families to the given arrangement
// name.
func (m *Metrics) Arrangement(name string) *ArrangementMetrics {
	return &ArrangementMetrics{
		BatchesApplied:   m.BatchesApplied.WithLabelValues(name),
		UpdatesApplied:   m.UpdatesApplied.WithLabelValues(name),
		SinceAdvances:    m.SinceAdvances.WithLabelValues(name),
		EntriesCompacted: m.EntriesCompacted.WithLabelValues(name),
		Watermark:        m.Watermark.WithLabelValues(name),
		SinceFrontier:    m.SinceFrontier.WithLabelValues(name),
	}
}

// SourceMetrics is the set of per-source metric handles.
type SourceMetrics struct {
	TxnsCommitted prometheus.Counter
	TxnsFailed    prometheus.Counter
}

// Source curries the per-source families to the given source ID.
func (m *Metrics) Source(id string) *SourceMetrics {
	return &SourceMetrics{
		TxnsCommitted: m.TxnsCommitted.WithLabelValues(id),
		TxnsFailed:    m.TxnsFailed.WithLabelValues(id),
	}
}
