package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var logAppendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "teamdash_log_append_failures_total",
	Help: "Log entries that could not be appended, by log key",
}, []string{"log"})
