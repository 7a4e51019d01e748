package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tilesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videowall_tiles_active",
		Help: "Number of tiles on the wall",
	})

	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "videowall_sessions_active",
		Help: "Number of live streaming adapters by platform",
	}, []string{"platform"})

	startFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videowall_session_failures_total",
		Help: "Total number of failed tile session setups by error kind",
	}, []string{"kind"})

	statsTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videowall_stats_snapshots_total",
		Help: "Total number of session statistics snapshots delivered",
	})

	viewersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videowall_viewers_active",
		Help: "Number of viewer peer connections pulling tile media",
	})

	packetsRendered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videowall_packets_rendered_total",
		Help: "Total number of RTP packets rendered into tile surfaces",
	}, []string{"kind"})
)
