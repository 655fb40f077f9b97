// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import "github.com/prometheus/client_golang/prometheus"

// Package-level collectors let the engine record without holding a Server.
// NewServer registers them on its registry through registerEngineMetrics.
var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starry_manager_commands_total",
			Help: "Total number of manager commands by command and result",
		},
		[]string{"command", "result"},
	)

	reloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starry_reloads_total",
			Help: "Total number of hot reloads by result",
		},
		[]string{"result"},
	)

	liveExtensions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "starry_live_extensions",
			Help: "Number of extension instances currently registered",
		},
	)

	bridgeMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starry_bridge_messages_total",
			Help: "Total number of messages forwarded by the event bridge by loop and result",
		},
		[]string{"loop", "result"},
	)

	supersededSubscriptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "starry_superseded_subscriptions_total",
			Help: "Subscriptions replaced by a second subscribe to the same event",
		},
	)
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// RecordCommand counts one processed manager command.
func RecordCommand(command, result string) {
	commandsTotal.WithLabelValues(command, result).Inc()
}

// RecordReload counts one hot-reload attempt.
func RecordReload(result string) {
	reloadsTotal.WithLabelValues(result).Inc()
}

// SetLiveExtensions sets the live instance gauge.
func SetLiveExtensions(n int) {
	liveExtensions.Set(float64(n))
}

// RecordBridgeMessage counts one message handled by a bridge loop.
func RecordBridgeMessage(loop, result string) {
	bridgeMessagesTotal.WithLabelValues(loop, result).Inc()
}

// RecordSupersededSubscription counts a subscription dropped from tracking
// because the same event was subscribed again.
func RecordSupersededSubscription() {
	supersededSubscriptions.Inc()
}

func registerEngineMetrics(reg prometheus.Registerer) {
	reg.MustRegister(commandsTotal)
	reg.MustRegister(reloadsTotal)
	reg.MustRegister(liveExtensions)
	reg.MustRegister(bridgeMessagesTotal)
	reg.MustRegister(supersededSubscriptions)
}
