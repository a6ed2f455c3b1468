// Package metrics exposes Prometheus collectors for partition readers and
// the worker fetch service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shufflefetch"

// Reader collects client side fetch statistics.
type Reader struct {
	ReadsOpened   prometheus.Counter
	ChunksFetched prometheus.Counter
	BytesFetched  prometheus.Counter
	FetchFailures prometheus.Counter
	InFlight      prometheus.Gauge
}

// NewReader registers reader collectors with reg.
func NewReader(reg prometheus.Registerer) *Reader {
	f := promauto.With(reg)
	return &Reader{
		ReadsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "reads_total",
			Help:      "Total number of partition reads opened",
		}),
		ChunksFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "chunks_total",
			Help:      "Chunks handed to consumers",
		}),
		BytesFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "bytes_total",
			Help:      "Chunk bytes handed to consumers",
		}),
		FetchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "fetch_failures_total",
			Help:      "Chunk fetches that completed with an error",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "requests_in_flight",
			Help:      "Chunk requests dispatched but not yet handed to a consumer",
		}),
	}
}

// Worker collects server side statistics.
type Worker struct {
	StreamsOpened prometheus.Counter
	ActiveStreams prometheus.Gauge
	ChunksServed  prometheus.Counter
	BytesServed   prometheus.Counter
	RequestErrors *prometheus.CounterVec
}

// NewWorker registers worker collectors with reg.
func NewWorker(reg prometheus.Registerer) *Worker {
	f := promauto.With(reg)
	return &Worker{
		StreamsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "streams_opened_total",
			Help:      "Streams opened by clients",
		}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "streams_active",
			Help:      "Streams currently registered",
		}),
		ChunksServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "chunks_served_total",
			Help:      "Chunks written to clients",
		}),
		BytesServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "bytes_served_total",
			Help:      "Chunk bytes written to clients",
		}),
		RequestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "request_errors_total",
			Help:      "Requests answered with an error status",
		}, []string{"method"}),
	}
}

// DefaultReader is registered with the default Prometheus registry.
var DefaultReader = NewReader(prometheus.DefaultRegisterer)
