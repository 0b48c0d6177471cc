// Package allocator implements the Allocator Front of spec.md §4.7: malloc
// / calloc / realloc / free orchestration, heap growth, and the garbage
// collector wiring, behind a single-mutex facade (spec.md §4.11/§6).
//
// Two layers live here, matching SPEC_FULL.md §0's module layout and
// spec.md §9's "Facade lock wrappers" re-architecture note:
//
//   - core (this file, alloc.go, split.go, free.go): unexported methods that assume
//     the allocator's mutex is already held. They are not re-entrant from
//     the outside and never lock anything themselves.
//   - Facade (facade.go): the exported surface. Every exported method
//     acquires the mutex and delegates to core; the allocation entry points
//     (Alloc*, Calloc, Realloc) also capture the caller's file/line.
package allocator

import (
	"github.com/rafaelvvolkmer/libmemalloc-go/allocerr"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/backing"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/block"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/freelist"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/gc"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/metrics"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/placement"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/trace"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/word"
)

// core holds every piece of allocator state spec.md §3 names under "Heap
// extent", "Arena", "Mapping list" and "GC state". It is embedded in
// Facade; nothing outside this package ever sees *core directly.
type core struct {
	heap *backing.Heap
	mapb *backing.Map

	arena        *freelist.Arena
	mapThreshold uintptr

	lastAllocated block.Header

	sink    trace.Sink
	metrics *metrics.Collector

	gc *gc.Collector
}

func newCore(cfg config) (*core, error) {
	heap, err := backing.NewHeap(cfg.reserveBytes)
	if err != nil {
		return nil, err
	}

	c := &core{
		heap:         heap,
		arena:        freelist.NewArena(cfg.numBins),
		mapThreshold: cfg.mapThreshold,
		sink:         cfg.sink,
		metrics:      cfg.metrics,
	}
	if c.sink == nil {
		c.sink = trace.Nop{}
	}
	c.mapb = backing.NewMap(c)

	return c, nil
}

// firstUserBlock is the first block in neighbor order, or the zero Header
// if the heap hasn't grown yet. Unlike the original's program-break layout,
// this port keeps the arena and bin bookkeeping as ordinary Go structures
// off the heap reservation, so no guard region needs to be carved out of
// the break before the first lease: block 0 starts at heap.Base() itself.
func (c *core) firstUserBlock() block.Header {
	if c.heap.End() <= c.heap.Base() {
		return block.Header{}
	}
	return block.At(c.heap.Base())
}

// lastHeapBlock walks neighbor order to the tail block. O(n) in the
// number of heap blocks; only called on heap growth.
func (c *core) lastHeapBlock() block.Header {
	cur := c.firstUserBlock()
	if cur.IsZero() {
		return block.Header{}
	}
	for !cur.Next().IsZero() {
		cur = cur.Next()
	}
	return cur
}

func (c *core) heapRegion() block.Region {
	return block.Region{Start: c.heap.Base(), End: c.heap.End()}
}

func (c *core) validateHeap(h block.Header) bool {
	if err := block.ValidateStructure(h, c.heapRegion()); err != nil {
		c.sink.Trace("block.invalid.heap", trace.F("addr", h.Addr()), trace.F("err", err.Error()))
		return false
	}
	return true
}

// growHeap extends the program break by exactly `need` bytes, seeds one
// fresh free block spanning the new lease, links it as the new tail, and
// inserts it into the arena (spec.md §4.1/§4.7 step 4).
func (c *core) growHeap(need uintptr) (block.Header, error) {
	// Find the current tail before the break moves: afterwards the walk
	// would start at the fresh block itself on the very first growth.
	last := c.lastHeapBlock()
	prevEnd, err := c.heap.Grow(need)
	if err != nil {
		return block.Header{}, err
	}
	fresh := block.Init(prevEnd, need)

	if !last.IsZero() {
		last.SetNext(fresh)
		fresh.SetPrev(last)
	}
	c.arena.Insert(fresh)

	if c.metrics != nil {
		c.metrics.HeapGrowths.Inc()
	}
	c.sink.Trace("heap.grow", trace.F("bytes", need), trace.F("new_end", c.heap.End()))
	return fresh, nil
}

// totalBlockSize computes T = align_up(n, A) + sizeof(header) + word, the
// total on-heap footprint of a payloadBytes request (spec.md §4.7 step 2),
// rounded up to A so every block size stays a multiple of the alignment
// quantum (the word-sized tail canary alone would leave it 8 bytes short).
func totalBlockSize(payloadBytes uintptr) uintptr {
	return word.AlignedSize(word.AlignedSize(payloadBytes) + block.HeaderSize + block.WordSize)
}

// classifyPayload runs spec.md §4.3's classify on the header implied by a
// payload address, reporting whether it belongs to the map list.
func (c *core) classifyPayload(payloadAddr uintptr) (h block.Header, isMap bool, err error) {
	const op = "allocator.classify"
	if payloadAddr < block.HeaderSize {
		return block.Header{}, false, allocerr.New(allocerr.NotOurBlock, op)
	}
	hdrAddr := payloadAddr - block.HeaderSize
	if !block.IsAligned(hdrAddr) {
		return block.Header{}, false, allocerr.New(allocerr.NotOurBlock, op)
	}

	if region := c.heapRegion(); region.Contains(hdrAddr) {
		h := block.At(hdrAddr)
		if err := block.ValidateStructure(h, region); err != nil {
			return block.Header{}, false, err
		}
		return h, false, nil
	}

	if mr, ok := c.mapb.Contains(hdrAddr); ok {
		h := block.At(hdrAddr)
		region := block.Region{Start: mr.Start, End: mr.End}
		if err := block.ValidateStructure(h, region); err != nil {
			return block.Header{}, true, err
		}
		return h, true, nil
	}

	return block.Header{}, false, allocerr.New(allocerr.NotOurBlock, op)
}

// --- backing.NodeAllocator: map-list bookkeeping borrows heap storage ---

// AllocNode allocates storage for a map-list bookkeeping node through the
// ordinary heap path, then pins its mark bit so the collector's clear
// phase never subjects it to sweep (spec.md §3/§4.9: "leave the metadata
// node's own block marked = 1 so it survives").
func (c *core) AllocNode() (uintptr, error) {
	addr, err := c.allocHeap(backing.MapNodeSize, placement.FirstFit, "internal/backing", 0, "map-node")
	if err != nil {
		return 0, err
	}
	block.FromPayload(addr).SetMarked(true)
	return addr, nil
}

func (c *core) FreeNode(addr uintptr) {
	_ = c.free(addr, "map-node")
}

// --- gc.Heap seam ---

func (c *core) FirstUserBlock() block.Header { return c.firstUserBlock() }
func (c *core) HeapEnd() uintptr             { return c.heap.End() }

func (c *core) EachMapBlock(fn func(block.Header)) {
	c.mapb.Each(func(base, _ uintptr) { fn(block.At(base)) })
}

func (c *core) PinMapListNodes() {
	c.mapb.EachNode(func(nodeAddr uintptr) {
		block.FromPayload(nodeAddr).SetMarked(true)
	})
}

func (c *core) ClassifyHeapCandidate(payloadAddr uintptr) (block.Header, bool) {
	h, isMap, err := c.classifyPayload(payloadAddr)
	if err != nil || isMap || h.Free() {
		return block.Header{}, false
	}
	if !h.ContainsPayloadAddr(payloadAddr) {
		return block.Header{}, false
	}
	return h, true
}

func (c *core) ClassifyMapCandidate(payloadAddr uintptr) (block.Header, bool) {
	h, isMap, err := c.classifyPayload(payloadAddr)
	if err != nil || !isMap || h.Free() {
		return block.Header{}, false
	}
	if !h.ContainsPayloadAddr(payloadAddr) {
		return block.Header{}, false
	}
	return h, true
}

func (c *core) FreeHeap(h block.Header) { _ = c.free(h.PayloadAddr(), "gc") }
func (c *core) FreeMap(h block.Header)  { _ = c.free(h.PayloadAddr(), "gc") }
