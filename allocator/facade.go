package allocator

import (
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rafaelvvolkmer/libmemalloc-go/internal/block"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/gc"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/metrics"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/placement"
)

// Facade is the exported surface of the allocator (spec.md §4.11/§6): one
// mutex, the unexported core it guards, and the background GC worker.
// Every exported method locks and delegates to core; the allocation entry
// points (Alloc*, Calloc, Realloc) also capture the caller's file/line via
// runtime.Caller.
type Facade struct {
	mu   sync.Mutex
	core *core

	worker *gc.Worker
}

// New builds a Facade and pins the calling goroutine to its OS thread
// (internal/gc's stack-scanning adaptation note: a goroutine's stack is not
// a fixed region the collector can safely snapshot unless the mutator
// never migrates threads).
func New(opts ...Option) (*Facade, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.New("libmemalloc")
	}

	c, err := newCore(cfg)
	if err != nil {
		return nil, err
	}

	runtime.LockOSThread()
	stack, err := gc.NewStackBounds()
	if err != nil {
		return nil, err
	}

	collector := gc.New(c, stack, cfg.sink)
	c.gc = collector

	f := &Facade{core: c}
	collector.OnSwept(func(reclaimed int) {
		if c.metrics != nil {
			c.metrics.GCCycles.Inc()
			c.metrics.GCReclaimed.Add(float64(reclaimed))
		}
	})
	collector.OnCycle(func(d time.Duration) {
		if c.metrics != nil {
			c.metrics.GCCycleMillis.Observe(float64(d.Milliseconds()))
		}
	})
	f.worker = gc.NewWorker(&f.mu, collector, cfg.gcInterval, cfg.sink)

	return f, nil
}

func callerInfo(skip int) (file string, line int) {
	_, file, line, _ = runtime.Caller(skip)
	return file, line
}

// Alloc allocates n bytes using strategy, returning the payload address.
func (f *Facade) Alloc(n uintptr, strategy placement.Strategy, label string) (uintptr, error) {
	file, line := callerInfo(2)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.core.alloc(n, strategy, file, line, label)
}

// AllocFirstFit allocates n bytes with the first-fit strategy.
func (f *Facade) AllocFirstFit(n uintptr, label string) (uintptr, error) {
	file, line := callerInfo(2)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.core.alloc(n, placement.FirstFit, file, line, label)
}

// AllocBestFit allocates n bytes with the best-fit strategy.
func (f *Facade) AllocBestFit(n uintptr, label string) (uintptr, error) {
	file, line := callerInfo(2)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.core.alloc(n, placement.BestFit, file, line, label)
}

// AllocNextFit allocates n bytes with the next-fit strategy.
func (f *Facade) AllocNextFit(n uintptr, label string) (uintptr, error) {
	file, line := callerInfo(2)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.core.alloc(n, placement.NextFit, file, line, label)
}

// Calloc allocates n bytes and zeroes them before returning.
func (f *Facade) Calloc(n uintptr, strategy placement.Strategy, label string) (uintptr, error) {
	file, line := callerInfo(2)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.core.calloc(n, strategy, file, line, label)
}

// Realloc resizes the block at ptr to at least n bytes, preserving its
// prefix, and returns the (possibly new) payload address.
func (f *Facade) Realloc(ptr uintptr, n uintptr, strategy placement.Strategy, label string) (uintptr, error) {
	file, line := callerInfo(2)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.core.realloc(ptr, n, strategy, file, line, label)
}

// Free releases the block at ptr.
func (f *Facade) Free(ptr uintptr, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.core.free(ptr, label)
}

// EnableGC starts the background collection worker (spec.md §4.10).
func (f *Facade) EnableGC() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worker.Enable()
}

// DisableGC stops the background worker, waits for it to exit, and then
// runs one final synchronous collection cycle (spec.md §4.10).
func (f *Facade) DisableGC() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worker.Disable()
}

// GCState reports the background worker's current state.
func (f *Facade) GCState() gc.WorkerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.worker.State()
}

// Collect runs one synchronous mark+sweep cycle outside the worker's
// periodic schedule (useful for deterministic tests and manual tuning).
func (f *Facade) Collect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.core.gc.Cycle()
}

// Stats is a point-in-time snapshot of allocator occupancy, for
// diagnostics in place of the original library's heap_state_dump.
type Stats struct {
	HeapBase  uintptr
	HeapEnd   uintptr
	BinCounts []int
}

// Stats reports the current heap extent and per-bin free-block counts.
func (f *Facade) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	counts := make([]int, f.core.arena.NumBins())
	for i := range counts {
		occ := f.core.arena.Occupancy(i)
		counts[i] = occ
		if f.core.metrics != nil {
			f.core.metrics.BinOccupancy.WithLabelValues(strconv.Itoa(i)).Set(float64(occ))
		}
	}
	return Stats{
		HeapBase:  f.core.heap.Base(),
		HeapEnd:   f.core.heap.End(),
		BinCounts: counts,
	}
}

// BlockInfo describes one in-use block for Walk.
type BlockInfo struct {
	PayloadAddr uintptr
	PayloadSize uintptr
	File        string
	Line        int
	Label       string
	IsMap       bool
}

// Walk visits every currently in-use block (heap and map list), most
// useful for tests and leak-diagnostic tooling.
func (f *Facade) Walk(fn func(BlockInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for cur := f.core.firstUserBlock(); !cur.IsZero(); cur = cur.Next() {
		if !cur.Free() {
			file, line, label := cur.Diagnostics()
			fn(BlockInfo{PayloadAddr: cur.PayloadAddr(), PayloadSize: cur.PayloadSize(), File: file, Line: line, Label: label})
		}
	}
	f.core.mapb.Each(func(base, _ uintptr) {
		h := block.At(base)
		if !h.Free() {
			file, line, label := h.Diagnostics()
			fn(BlockInfo{PayloadAddr: h.PayloadAddr(), PayloadSize: h.PayloadSize(), File: file, Line: line, Label: label, IsMap: true})
		}
	})
}

// Close tears down the allocator: stops the GC worker and releases every
// OS mapping it owns. The Facade must not be used afterward.
func (f *Facade) Close() error {
	f.mu.Lock()
	if f.worker.State() != gc.NotStarted {
		f.worker.Disable()
	}
	f.mu.Unlock()

	defer runtime.UnlockOSThread()

	var bases []uintptr
	f.core.mapb.Each(func(base, _ uintptr) {
		bases = append(bases, base)
	})

	var firstErr error
	for _, base := range bases {
		if err := f.core.mapb.Release(base); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := f.core.heap.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
