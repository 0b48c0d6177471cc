// Package metrics exposes the allocator's internal numeric state (the
// original C library's heap_state_dump, per SPEC_FULL.md §4) as Prometheus
// instrumentation instead of a print routine — the shape ClusterCockpit's
// pkg/metricstore uses for its own internal counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector bundles every gauge/counter the allocator publishes. It
// implements prometheus.Collector (Describe/Collect below) so a *Collector
// can be registered directly with a prometheus.Registerer.
type Collector struct {
	BytesInUse   prometheus.Gauge
	BytesMapped  prometheus.Gauge
	LiveBlocks   prometheus.Gauge
	BinOccupancy *prometheus.GaugeVec

	Allocs      prometheus.Counter
	Frees       prometheus.Counter
	HeapGrowths prometheus.Counter
	HeapShrinks prometheus.Counter

	GCCycles      prometheus.Counter
	GCReclaimed   prometheus.Counter
	GCCycleMillis prometheus.Histogram
}

// New builds a Collector under the given namespace (e.g. "libmemalloc").
// It does not register itself; callers decide whether/where to register,
// matching the "no implicit singleton" guidance in SPEC_FULL.md.
func New(namespace string) *Collector {
	c := &Collector{
		BytesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bytes_in_use",
			Help: "Total size of in-use heap blocks (map blocks are counted in bytes_mapped).",
		}),
		BytesMapped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bytes_mapped",
			Help: "Bytes currently held in large (>= M) anonymous mappings.",
		}),
		LiveBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "live_blocks",
			Help: "Number of in-use blocks across heap and map list.",
		}),
		BinOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bin_occupancy",
			Help: "Number of free blocks per size-class bin.",
		}, []string{"bin"}),
		Allocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "allocs_total",
			Help: "Total successful allocations (alloc+calloc).",
		}),
		Frees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frees_total",
			Help: "Total successful frees (explicit + GC-driven).",
		}),
		HeapGrowths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heap_growths_total",
			Help: "Total program-break growth events.",
		}),
		HeapShrinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heap_shrinks_total",
			Help: "Total successful lease-matching shrink events.",
		}),
		GCCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_cycles_total",
			Help: "Total mark+sweep cycles run.",
		}),
		GCReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_reclaimed_blocks_total",
			Help: "Total blocks reclaimed by the collector.",
		}),
		GCCycleMillis: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "gc_cycle_milliseconds",
			Help:    "Wall-clock duration of a mark+sweep cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.BytesInUse, c.BytesMapped, c.LiveBlocks, c.BinOccupancy,
		c.Allocs, c.Frees, c.HeapGrowths, c.HeapShrinks,
		c.GCCycles, c.GCReclaimed, c.GCCycleMillis,
	}
}
