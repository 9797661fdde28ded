package payments

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	capturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_payment_captures_total",
		Help: "Fare capture outcomes.",
	}, []string{"outcome"})

	captureAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_payment_capture_attempts_total",
		Help: "Individual gateway capture attempts, including retries.",
	})

	payoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_payouts_total",
		Help: "Driver payout settlement outcomes.",
	}, []string{"outcome"})

	captureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_payment_capture_duration_seconds",
		Help:    "Wall time from ride completion event to capture resolution.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40},
	})
)
