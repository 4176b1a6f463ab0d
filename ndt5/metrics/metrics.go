package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exported to prometheus to monitor a long running client.
var (
	ControlChannelDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ndt5_client_control_channel_duration",
			Help: "How long do sessions last.",
			Buckets: []float64{
				.1, .15, .25, .4, .6,
				1, 1.5, 2.5, 4, 6,
				10, 15, 25, 40, 60,
				100, 150},
		},
		[]string{"protocol"},
	)
	ControlCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_control_total",
			Help: "Number of sessions and how each one ended.",
		},
		[]string{"protocol", "result"},
	)
	QueueWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_queue_messages_total",
			Help: "Number of SrvQueue messages received, by kind.",
		},
		[]string{"protocol", "kind"},
	)
	EncodingDowngrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ndt5_client_encoding_downgrades_total",
			Help: "The number of times a server rejected the JSON login and the client fell back to TLV.",
		},
	)
	ServerRequestedTests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_server_requested_tests_total",
			Help: "The number of times the server asked for each test.",
		},
		[]string{"protocol", "direction"},
	)
	ClientTestResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_test_results_total",
			Help: "Number of sub-tests run by this client and their outcome.",
		},
		[]string{"protocol", "direction", "result"},
	)
	ClientTestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_test_errors_total",
			Help: "Number of test errors of each type for each test.",
		},
		[]string{"protocol", "direction", "error"},
	)
	FirewallVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_firewall_verdicts_total",
			Help: "Simple firewall test verdicts, by direction.",
		},
		[]string{"direction", "verdict"},
	)
	SentMetaValues = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "ndt5_client_sent_meta_values",
			Help: "The number of meta values sent to servers.",
			Buckets: []float64{
				0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
				11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		},
	)
)
