package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_matches_total",
		Help: "Matching attempts by final outcome (matched, no_driver_found, cancelled)",
	}, []string{"outcome"})

	roundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_match_rounds_total",
		Help: "Radius expansion rounds executed across all matchers",
	})

	claimAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_claim_attempts_total",
		Help: "Driver claim attempts by outcome",
	}, []string{"outcome"})

	matchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_match_duration_seconds",
		Help:    "Time from ride request to match resolution",
		Buckets: []float64{1, 5, 10, 30, 60, 90, 120, 180},
	})

	activeMatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_active_matchers",
		Help: "Matcher goroutines currently running",
	})
)
