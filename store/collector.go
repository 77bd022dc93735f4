package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

func newPebbleMetric(name, help string, kind prometheus.ValueType, value func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{
		desc:  prometheus.NewDesc(prometheus.BuildFQName("liveobjects", "store", name), help, nil, nil),
		kind:  kind,
		value: value,
	}
}

// PebbleCollector exports the pebble metrics of a snapshot store.
type PebbleCollector struct {
	store   *Store
	metrics []pebbleMetric
}

func NewPebbleCollector(store *Store) *PebbleCollector {
	return &PebbleCollector{
		store: store,
		metrics: []pebbleMetric{
			// Compaction metrics
			newPebbleMetric("compaction_count_total", "Total number of compactions performed",
				prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			newPebbleMetric("compaction_estimated_debt_bytes", "Estimated number of bytes that need to be compacted to reach a stable state",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			newPebbleMetric("compaction_in_progress_bytes", "Number of bytes being compacted currently",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),

			// Memtable metrics
			newPebbleMetric("memtable_size_bytes", "Current size of the memtable in bytes",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			newPebbleMetric("memtable_count", "Current count of memtables",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),

			// WAL metrics
			newPebbleMetric("wal_files", "Number of live WAL files",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			newPebbleMetric("wal_size_bytes", "Size of live WAL data in bytes",
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			newPebbleMetric("wal_bytes_written_total", "Total physical bytes written to the WAL",
				prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
		},
	}
}

func (c *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, pm := range c.metrics {
		ch <- pm.desc
	}
}

// Collect reports nothing once the store is closed.
func (c *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	c.store.lock.RLock()
	defer c.store.lock.RUnlock()
	if c.store.db == nil {
		return
	}
	metrics := c.store.db.Metrics()
	for _, pm := range c.metrics {
		ch <- prometheus.MustNewConstMetric(pm.desc, pm.kind, pm.value(metrics))
	}
}
