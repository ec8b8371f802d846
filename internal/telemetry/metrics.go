// Package telemetry exposes the console's prometheus collectors.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginAttempts counts login attempts by outcome: success, invalid,
	// locked, validation, network, server.
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_login_attempts_total",
			Help: "Login attempts by outcome",
		},
		[]string{"outcome"},
	)

	Lockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "console_lockouts_total",
			Help: "Times the login form locked after repeated credential failures",
		},
	)

	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_backend_request_duration_seconds",
			Help:    "Backend request latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)

	// FetchResults counts FetchRange outcomes per view: applied, failed,
	// superseded.
	FetchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_fetch_results_total",
			Help: "Alarm fetch outcomes per dashboard view",
		},
		[]string{"view", "result"},
	)

	Acknowledgements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_acknowledgements_total",
			Help: "Alarm acknowledgements by result",
		},
		[]string{"result"},
	)

	LoadedAlarms = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "console_loaded_alarms",
			Help: "Alarm records currently held per dashboard view",
		},
		[]string{"view"},
	)

	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "console_live_subscribers",
			Help: "Connected websocket subscribers",
		},
	)
)
