package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus collectors, following the same
// promauto-registers-to-the-default-registry idiom as broadcast.Hub's
// subscriber/lag metrics: no registry threading through constructors,
// a process that runs more than one Scheduler shares one set of series
// distinguished by their run_id/node_id labels.
var (
	inflightNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corewf_scheduler_inflight_nodes",
		Help: "Number of nodes currently dispatched for a run.",
	}, []string{"run_id"})

	nodeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corewf_scheduler_retries_total",
		Help: "Cumulative retry attempts per node, labeled by the error kind that triggered them.",
	}, []string{"run_id", "node_id", "kind"})

	nodeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corewf_scheduler_node_duration_ms",
		Help:    "Node execution duration in milliseconds, from dispatch to terminal outcome.",
		Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
	}, []string{"run_id", "node_id", "status"})
)
