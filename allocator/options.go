package allocator

import (
	"time"

	"github.com/rafaelvvolkmer/libmemalloc-go/internal/metrics"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/trace"
)

// config collects every constructor knob. There is no file-based
// configuration surface (spec.md §1 treats build configuration as an
// out-of-scope collaborator) — options are plain Go constructor arguments,
// per SPEC_FULL.md's "no implicit singleton, caller builds it" guidance.
type config struct {
	numBins       int
	mapThreshold  uintptr
	reserveBytes  uintptr
	gcInterval    time.Duration
	sink          trace.Sink
	metrics       *metrics.Collector
}

// Option configures a Facade at construction time.
type Option func(*config)

// WithBins overrides the number of size-class bins (default 10).
func WithBins(n int) Option { return func(c *config) { c.numBins = n } }

// WithMapThreshold overrides M, the large-object threshold (default 128 KiB).
func WithMapThreshold(bytes uintptr) Option {
	return func(c *config) { c.mapThreshold = bytes }
}

// WithReserve overrides the virtual-address reservation backing the
// simulated program break (default 1 GiB of address space, not committed
// memory).
func WithReserve(bytes uintptr) Option { return func(c *config) { c.reserveBytes = bytes } }

// WithGCInterval overrides the worker's periodic wakeup interval (default
// 500ms).
func WithGCInterval(d time.Duration) Option { return func(c *config) { c.gcInterval = d } }

// WithTraceSink wires a concrete trace.Sink (default trace.Nop{}).
func WithTraceSink(sink trace.Sink) Option { return func(c *config) { c.sink = sink } }

// WithMetrics wires a *metrics.Collector (default: an unregistered
// collector under the "libmemalloc" namespace).
func WithMetrics(m *metrics.Collector) Option { return func(c *config) { c.metrics = m } }

func defaultConfig() config {
	return config{
		numBins:      10,
		mapThreshold: 128 * 1024,
		reserveBytes: 1 << 30,
		gcInterval:   500 * time.Millisecond,
	}
}
