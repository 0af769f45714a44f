// Package metrics exposes client-side Prometheus instrumentation for query
// execution. Collectors register on the default registry via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts executed queries by terminal status.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_queries_total",
			Help: "Total number of queries executed",
		},
		[]string{"status"},
	)
	// PagesTotal counts feed pages surfaced to consumers.
	PagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_query_pages_total",
			Help: "Total number of feed pages returned to consumers",
		},
	)
	// PartitionPagesTotal counts per-partition pages fetched by producers.
	PartitionPagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_query_partition_pages_total",
			Help: "Total number of per-partition pages fetched",
		},
	)
	// RequestChargeTotal accumulates server-reported request charge.
	RequestChargeTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_query_request_charge_total",
			Help: "Total request charge consumed by queries",
		},
	)
	// SplitsTotal counts partition splits observed mid-query.
	SplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_query_partition_splits_total",
			Help: "Total number of partition splits handled during queries",
		},
	)
	// RetriesTotal counts page-request retries by error kind.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_query_retries_total",
			Help: "Total number of page request retries",
		},
		[]string{"kind"},
	)
	// QueryDuration is the end-to-end latency of a query drain.
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_query_duration_seconds",
			Help:    "End-to-end query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
