package gc

import (
	"runtime/debug"
	"time"
	"unsafe"

	"github.com/rafaelvvolkmer/libmemalloc-go/internal/block"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/trace"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/word"
)

// Heap is the seam the collector uses to reach the allocator's heap run
// and map list without internal/gc importing the allocator package (which
// imports internal/gc to drive the worker) — dependency inversion instead
// of a cycle.
type Heap interface {
	// FirstUserBlock is the first block in neighbor order, or the zero
	// Header if the heap hasn't grown yet.
	FirstUserBlock() block.Header
	// HeapEnd is the current program-break end.
	HeapEnd() uintptr
	// ClassifyHeapCandidate reports whether addr could be the payload of a
	// valid, non-free heap block, returning that block's header if so.
	ClassifyHeapCandidate(payloadAddr uintptr) (block.Header, bool)
	// EachMapBlock visits every mapped block's header (not its list node).
	EachMapBlock(fn func(block.Header))
	// PinMapListNodes re-marks every live map-list bookkeeping node's own
	// heap block so it survives the heap clear pass.
	PinMapListNodes()
	// ClassifyMapCandidate mirrors ClassifyHeapCandidate for the map list.
	ClassifyMapCandidate(payloadAddr uintptr) (block.Header, bool)
	// FreeHeap frees a heap block found garbage during sweep.
	FreeHeap(h block.Header)
	// FreeMap frees a map block found garbage during sweep.
	FreeMap(h block.Header)
}

// Collector runs the clear/mark/sweep cycle of spec.md §4.9 under a lock
// the caller already holds (§4.9 "Triggering discipline").
type Collector struct {
	heap    Heap
	stack   *StackBounds
	sink    trace.Sink
	onSwept func(reclaimed int)
	onCycle func(d time.Duration)
}

// New builds a Collector over the given Heap seam.
func New(heap Heap, stack *StackBounds, sink trace.Sink) *Collector {
	if sink == nil {
		sink = trace.Nop{}
	}
	return &Collector{heap: heap, stack: stack, sink: sink}
}

// OnSwept registers a callback invoked with the number of blocks reclaimed
// by the most recent Cycle, for metrics wiring.
func (c *Collector) OnSwept(fn func(reclaimed int)) { c.onSwept = fn }

// OnCycle registers a callback invoked with the wall-clock duration of the
// most recent Cycle, for metrics wiring.
func (c *Collector) OnCycle(fn func(d time.Duration)) { c.onCycle = fn }

// Cycle runs one full clear -> mark -> sweep pass. The caller must already
// hold the allocator lock.
func (c *Collector) Cycle() {
	start := time.Now()

	var anchor byte
	c.stack.Refresh(uintptr(unsafe.Pointer(&anchor)))

	c.clear()
	c.mark()
	reclaimed := c.sweep()

	if c.onSwept != nil {
		c.onSwept(reclaimed)
	}
	if c.onCycle != nil {
		c.onCycle(time.Since(start))
	}
}

// clear walks the heap run and the map list, resetting mark bits, then
// re-pins every map-list bookkeeping node's own heap block back to
// marked = 1 so it survives sweep (spec.md §4.9 "Clear phase").
func (c *Collector) clear() {
	for cur := c.heap.FirstUserBlock(); !cur.IsZero(); cur = advance(cur, c.heap.HeapEnd()) {
		cur.SetMarked(false)
	}
	c.heap.EachMapBlock(func(h block.Header) {
		h.SetMarked(false)
	})
	c.heap.PinMapListNodes()
}

// advance steps to the next block in neighbor order, tolerating a
// malformed header by stepping exactly one header's worth instead of
// looping forever (spec.md §4.9 "Malformed headers are skipped by
// advancing one header's worth").
func advance(cur block.Header, heapEnd uintptr) block.Header {
	next := cur.Next()
	if !next.IsZero() {
		return next
	}
	if cur.Addr()+cur.Size() >= heapEnd {
		return block.Header{}
	}
	// cur.Next was null but the heap run has more bytes: the link is
	// malformed. Step by one header's worth instead of trusting Size, so
	// a single corrupted header cannot wedge the clear pass.
	return block.At(cur.Addr() + block.HeaderSize)
}

// mark scans the mutator's stack window word by word. Any aligned word
// whose value matches a valid, non-free, in-range block payload address is
// treated as a live reference (spec.md §4.9).
func (c *Collector) mark() {
	bottom, top := c.stack.Bottom(), c.stack.Top()
	if bottom >= top {
		return
	}

	marked := 0
	for addr := word.Up(bottom, word.Size); addr+word.Size <= top; addr += word.Size {
		v := readWordSafely(addr)
		if v == 0 {
			continue
		}
		if h, ok := c.heap.ClassifyHeapCandidate(v); ok {
			if !h.Marked() {
				h.SetMarked(true)
				marked++
			}
			continue
		}
		if h, ok := c.heap.ClassifyMapCandidate(v); ok {
			if !h.Marked() {
				h.SetMarked(true)
				marked++
			}
		}
	}
	c.sink.Trace("gc.mark.done", trace.F("marked", marked))
}

// readWordSafely reads one word from addr, treating any fault as "not a
// root" rather than crashing — the stack window is conservative and may
// briefly contain addresses this process cannot dereference (spec.md §9:
// "must not be interpreted as typed references").
func readWordSafely(addr uintptr) (v uintptr) {
	defer func() {
		if recover() != nil {
			v = 0
		}
	}()
	// Without this, a fault on an unmapped address is a fatal runtime
	// error that recover cannot catch.
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	return *(*uintptr)(unsafe.Pointer(addr))
}

// sweep frees every unmarked, non-free block in the heap and map list,
// returning the count reclaimed (spec.md §4.9).
func (c *Collector) sweep() int {
	reclaimed := 0

	cur := c.heap.FirstUserBlock()
	for !cur.IsZero() {
		next := cur.Next()
		if !cur.Free() && !cur.Marked() {
			c.heap.FreeHeap(cur)
			reclaimed++
		} else {
			cur.SetMarked(false)
		}
		cur = next
	}

	var toFree []block.Header
	c.heap.EachMapBlock(func(h block.Header) {
		if !h.Free() && !h.Marked() {
			toFree = append(toFree, h)
		} else {
			h.SetMarked(false)
		}
	})
	for _, h := range toFree {
		c.heap.FreeMap(h)
		reclaimed++
	}

	c.sink.Trace("gc.sweep.done", trace.F("reclaimed", reclaimed))
	return reclaimed
}
