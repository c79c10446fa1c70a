package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_execd_requests_total",
			Help: "Query requests served, labeled by outcome",
		},
		[]string{"status"},
	)

	queryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_execd_query_duration_seconds",
			Help:    "Wall time spent serving a query request",
			Buckets: prometheus.DefBuckets,
		},
	)

	rowsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_execd_rows_returned",
			Help:    "Rows returned per successful query",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	connectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_execd_connections_open",
			Help: "Currently open protocol connections",
		},
	)
)
