package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BackwardLaunches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_backward_launches_total",
		Help: "The total number of backward kernel launches",
	})

	BackwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_backward_duration_seconds",
		Help:    "Histogram of backward kernel wall times",
		Buckets: prometheus.DefBuckets,
	})

	TilePasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_tile_passes_total",
		Help: "Total query/key tile pairs processed",
	})

	TilesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_tiles_skipped_total",
		Help: "Total tile pairs skipped by the causal block filter",
	})

	WorkspaceBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attention_workspace_bytes",
		Help: "Workspace bytes required by the most recent launch",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})
)
