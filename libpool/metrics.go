package libpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rookery",
		Subsystem: "libpool",
		Name:      "requests_total",
		Help:      "Requests by queue and outcome of the scheduling loop.",
	}, []string{"queue", "outcome"})

	locksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rookery",
		Subsystem: "libpool",
		Name:      "locks_total",
		Help:      "Penalty locks applied to accounts, by queue and reason.",
	}, []string{"queue", "reason"})

	inactiveTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rookery",
		Subsystem: "libpool",
		Name:      "accounts_deactivated_total",
		Help:      "Accounts durably marked inactive.",
	})

	waitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rookery",
		Subsystem: "libpool",
		Name:      "account_wait_seconds",
		Help:      "Time spent waiting for an eligible account.",
		Buckets:   []float64{.01, .1, 1, 10, 60, 600, 3600},
	}, []string{"queue"})
)
