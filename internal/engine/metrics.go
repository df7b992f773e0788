package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	speculationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presage_speculations_total",
			Help: "Total number of finished speculative tasks by result.",
		},
		[]string{"result"},
	)

	speculationsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "presage_speculations_inflight",
			Help: "Number of speculative tasks currently running.",
		},
	)

	speculationWastedSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presage_speculation_wasted_seconds_total",
			Help: "Cumulative runtime of discarded speculative tasks.",
		},
	)

	commitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "presage_speculation_commit_latency_seconds",
			Help:    "Time from outcome report to speculative result adoption.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(speculationsTotal)
	prometheus.MustRegister(speculationsInflight)
	prometheus.MustRegister(speculationWastedSeconds)
	prometheus.MustRegister(commitLatency)
}
