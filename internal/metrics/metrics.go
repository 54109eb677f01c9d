// Package metrics holds the Prometheus instruments shared by the radio
// dispatcher, the job worker and the HTTP façade. Everything registers on
// the default registry; the façade serves it at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts dispatched wire requests by root path and
	// response status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "packetserver",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Wire requests handled, by root path segment and response status.",
	}, []string{"root", "status"})

	// ActiveConnections gauges currently admitted radio connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "packetserver",
		Subsystem: "dispatch",
		Name:      "active_connections",
		Help:      "Radio connections currently in the CONNECTED state.",
	})

	// BadFrames counts inbound byte streams that failed to parse.
	BadFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "packetserver",
		Subsystem: "dispatch",
		Name:      "bad_frames_total",
		Help:      "Inbound frames that could not be parsed as wire messages.",
	})

	// JobsFinished counts jobs reaching a terminal status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "packetserver",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Jobs reconciled into a terminal status.",
	}, []string{"status"})

	// QueueDepth gauges the dispatch queue length after each consult.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "packetserver",
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Jobs waiting in the dispatch queue.",
	})
)
