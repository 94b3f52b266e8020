package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamdash_section_saves_total",
		Help: "Section writes by section and result",
	}, []string{"section", "result"})

	snapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamdash_snapshots_total",
		Help: "Poll replies by kind (full, partial, unchanged)",
	}, []string{"kind"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teamdash_http_request_duration_seconds",
		Help:    "API request latency by method and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)
