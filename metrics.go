package liveobjects

import (
	"github.com/prometheus/client_golang/prometheus"
)

var OperationsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "liveobjects",
	Subsystem: "engine",
	Name:      "operations_applied",
}, []string{"action", "source"})

var OperationsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "liveobjects",
	Subsystem: "engine",
	Name:      "operations_skipped",
}, []string{"action", "reason"})

var OperationsBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "liveobjects",
	Subsystem: "sync",
	Name:      "operations_buffered",
})

var SyncSequences = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "liveobjects",
	Subsystem: "sync",
	Name:      "sequences",
}, []string{"result"})

var SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "liveobjects",
	Subsystem: "sync",
	Name:      "duration",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
})

var GCPurged = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "liveobjects",
	Subsystem: "gc",
	Name:      "purged",
}, []string{"kind"})

var PublishBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "liveobjects",
	Subsystem: "publish",
	Name:      "bytes",
	Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
})

// Metrics lists the engine collectors for registration.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{
		OperationsApplied,
		OperationsSkipped,
		OperationsBuffered,
		SyncSequences,
		SyncDuration,
		GCPurged,
		PublishBytes,
	}
}
