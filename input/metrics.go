package input

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	ingestedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ecsyslog",
			Subsystem: "reassembly",
			Name:      "bytes_total",
			Help:      "Bytes handed to the reassembler.",
		},
	)
	decodedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecsyslog",
			Subsystem: "reassembly",
			Name:      "messages_total",
			Help:      "Messages decoded, by framing method.",
		},
		[]string{"framing"},
	)
	overflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ecsyslog",
			Subsystem: "reassembly",
			Name:      "overflows_total",
			Help:      "Sources reset because their pending buffer exceeded the ceiling.",
		},
	)
	evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecsyslog",
			Subsystem: "reassembly",
			Name:      "evictions_total",
			Help:      "Sources dropped from the reassembler, by reason.",
		},
		[]string{"reason"},
	)
	discardedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ecsyslog",
			Subsystem: "reassembly",
			Name:      "discarded_bytes_total",
			Help:      "Pending bytes dropped by eviction or overflow.",
		},
	)
	connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ecsyslog",
			Subsystem: "collector",
			Name:      "connections",
			Help:      "Open stream connections.",
		},
		[]string{"transport"},
	)
	readErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecsyslog",
			Subsystem: "collector",
			Name:      "read_errors_total",
			Help:      "Read errors, by transport.",
		},
		[]string{"transport"},
	)
	spoolFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecsyslog",
			Subsystem: "collector",
			Name:      "spool_files_total",
			Help:      "Spool files handled, by result.",
		},
		[]string{"result"},
	)
	events = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ecsyslog",
			Subsystem: "sink",
			Name:      "events_total",
			Help:      "Events forwarded downstream.",
		},
	)
	parseResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecsyslog",
			Subsystem: "parser",
			Name:      "results_total",
			Help:      "Header parse results, by format.",
		},
		[]string{"format"},
	)
)

// RegisterMetrics registers the package's collectors with the default
// Prometheus registry. It is safe to call repeatedly.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ingestedBytes, decodedMessages, overflows, evictions, discardedBytes,
			connections, readErrors, spoolFiles, events, parseResults,
		)
	})
}
