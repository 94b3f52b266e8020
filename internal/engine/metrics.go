package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pendingSaves = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teamdash_client_pending_saves",
		Help: "Section saves sent but not yet acknowledged",
	})

	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamdash_client_saves_total",
		Help: "Section saves by section and outcome",
	}, []string{"section", "outcome"})

	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamdash_client_polls_total",
		Help: "Poll ticks by outcome",
	}, []string{"outcome"})
)
