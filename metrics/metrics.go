package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for general use across the client.
var (
	ActiveTests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ndt5_client_active_tests",
			Help: "A gauge of sessions currently running.",
		})
	TestRate = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ndt5_client_test_rate_mbps",
			Help: "A histogram of measured rates.",
			Buckets: []float64{
				.1, .15, .25, .4, .6,
				1, 1.5, 2.5, 4, 6,
				10, 15, 25, 40, 60,
				100, 150, 250, 400, 600,
				1000},
		},
		[]string{"direction", "measured_by"},
	)
	TestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_test_total",
			Help: "Number of measurement runs made by this client.",
		},
		[]string{"result"},
	)
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_errors_total",
			Help: "Number of errors outside of the sessions themselves.",
		},
		[]string{"stage"},
	)
	InterfaceBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ndt5_client_interface_bytes",
			Help:    "Bytes counted by the network interface during each session.",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10),
		},
		[]string{"direction"},
	)
)
