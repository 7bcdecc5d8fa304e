// Package metrics holds the prometheus collectors for deployments, control-plane calls and
// console relays.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	deploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cyberlab",
			Subsystem: "deploy",
			Name:      "deployments_total",
			Help:      "Total number of deployments by template and result",
		},
		[]string{"template", "result"},
	)

	deploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cyberlab",
			Subsystem: "deploy",
			Name:      "deployment_duration_seconds",
			Help:      "Duration of deployments from placement to final status",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4min
		},
		[]string{"node"},
	)

	handshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cyberlab",
			Subsystem: "pve",
			Name:      "handshakes_total",
			Help:      "Total number of control-plane authentication handshakes by node and result",
		},
		[]string{"node", "result"},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cyberlab",
			Subsystem: "pve",
			Name:      "commands_total",
			Help:      "Total number of control-plane commands by node, command and result",
		},
		[]string{"node", "command", "result"},
	)

	commandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cyberlab",
			Subsystem: "pve",
			Name:      "command_latency_seconds",
			Help:      "Latency of control-plane commands including retries",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"command"},
	)

	consoleSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cyberlab",
			Subsystem: "console",
			Name:      "sessions_active",
			Help:      "Number of console sessions currently relaying",
		},
	)

	consoleSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cyberlab",
			Subsystem: "console",
			Name:      "sessions_total",
			Help:      "Total number of console sessions by final state",
		},
		[]string{"state"},
	)

	consoleBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cyberlab",
			Subsystem: "console",
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed by console sessions by direction",
		},
		[]string{"direction"},
	)
)

// Register adds all collectors to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		deploymentsTotal,
		deploymentDuration,
		handshakesTotal,
		commandsTotal,
		commandLatency,
		consoleSessionsActive,
		consoleSessionsTotal,
		consoleBytesTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func RecordDeployment(template, node, result string, seconds float64) {
	deploymentsTotal.WithLabelValues(template, result).Inc()
	if node != "" {
		deploymentDuration.WithLabelValues(node).Observe(seconds)
	}
}

func RecordHandshake(node, result string) {
	handshakesTotal.WithLabelValues(node, result).Inc()
}

func RecordCommand(node, command, result string, seconds float64) {
	commandsTotal.WithLabelValues(node, command, result).Inc()
	commandLatency.WithLabelValues(command).Observe(seconds)
}

func ConsoleRelayStarted() {
	consoleSessionsActive.Inc()
}

func ConsoleRelayFinished() {
	consoleSessionsActive.Dec()
}

func RecordConsoleSession(state string, upstreamBytes, clientBytes int64) {
	consoleSessionsTotal.WithLabelValues(state).Inc()
	consoleBytesTotal.WithLabelValues("upstream").Add(float64(upstreamBytes))
	consoleBytesTotal.WithLabelValues("client").Add(float64(clientBytes))
}
