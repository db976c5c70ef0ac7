// Package metrics exposes sACN packet counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	receivedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sacn",
			Subsystem: "receiver",
			Name:      "packets_total",
			Help:      "Received sACN datagrams by packet kind and outcome.",
		},
		[]string{"kind", "result"},
	)
	availableUniverses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sacn",
			Subsystem: "receiver",
			Name:      "universes_available",
			Help:      "Universes currently receiving data.",
		},
	)
	sentPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sacn",
			Subsystem: "sender",
			Name:      "packets_total",
			Help:      "Sent sACN packets by packet kind and destination mode.",
		},
		[]string{"kind", "mode"},
	)
	sendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sacn",
			Subsystem: "sender",
			Name:      "errors_total",
			Help:      "Failed sACN sends by packet kind.",
		},
		[]string{"kind"},
	)
	activeOutputs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sacn",
			Subsystem: "sender",
			Name:      "outputs_active",
			Help:      "Universes currently activated for output.",
		},
	)
)

// Receive outcomes.
const (
	ResultAccepted   = "accepted"
	ResultMalformed  = "malformed"
	ResultPriority   = "priority"
	ResultSequence   = "sequence"
	ResultTerminated = "terminated"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(receivedPackets, availableUniverses, sentPackets, sendErrors, activeOutputs)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordReceived(kind, result string) {
	receivedPackets.WithLabelValues(kind, result).Inc()
}

func SetAvailableUniverses(n int) {
	availableUniverses.Set(float64(n))
}

func RecordSent(kind, mode string) {
	sentPackets.WithLabelValues(kind, mode).Inc()
}

func RecordSendError(kind string) {
	sendErrors.WithLabelValues(kind).Inc()
}

func SetActiveOutputs(n int) {
	activeOutputs.Set(float64(n))
}
