package allocator

import (
	"github.com/rafaelvvolkmer/libmemalloc-go/allocerr"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/block"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/trace"
)

// free implements spec.md §4.7 Free.
func (c *core) free(payloadAddr uintptr, label string) error {
	const op = "allocator.free"

	if payloadAddr == 0 {
		return allocerr.New(allocerr.InvalidArgument, op)
	}

	h, isMap, err := c.classifyPayload(payloadAddr)
	if err != nil {
		return err
	}

	if isMap {
		if h.Free() {
			return allocerr.New(allocerr.InvalidArgument, op)
		}
		if err := c.mapb.Release(h.Addr()); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.Frees.Inc()
			c.metrics.BytesMapped.Sub(float64(h.Size()))
			c.metrics.LiveBlocks.Dec()
		}
		c.sink.Trace("free.map", trace.F("label", label))
		return nil
	}

	if h.Free() {
		return allocerr.New(allocerr.InvalidArgument, op)
	}

	freedSize := h.Size()
	h.SetFree(true)
	h.SetDiagnostics("", 0, label)

	merged := c.coalesce(h)
	c.attemptShrinkOrReinsert(merged)

	if c.metrics != nil {
		c.metrics.Frees.Inc()
		c.metrics.BytesInUse.Sub(float64(freedSize))
		c.metrics.LiveBlocks.Dec()
	}
	c.sink.Trace("free.heap", trace.F("label", label))

	return nil
}

// attemptShrinkOrReinsert implements the tail-shrink path of spec.md
// §4.1/§4.7: if merged ends exactly at the current break and that break
// matches the most recent growth lease, give the lease back to the OS,
// keeping whatever part of merged (if any) falls outside the lease as a
// free block. Any failure to shrink just reinserts merged whole.
func (c *core) attemptShrinkOrReinsert(merged block.Header) {
	blockEnd := merged.Addr() + merged.Size()
	if blockEnd != c.heap.End() {
		c.arena.Insert(merged)
		return
	}

	amount, ok := c.heap.ShrinkAttempt(blockEnd)
	if !ok {
		c.arena.Insert(merged)
		return
	}

	if c.lastAllocated.Addr() == merged.Addr() {
		c.lastAllocated = block.Header{}
	}

	if merged.Size() > amount {
		kept := merged.Size() - amount
		merged.SetSize(kept)
		merged.SetNext(block.Header{})
		c.arena.Insert(merged)
	} else {
		// The whole block went back to the OS; unlink it from its
		// (now former) predecessor so neighbor order has no dangling tail.
		if prev := merged.Prev(); !prev.IsZero() {
			prev.SetNext(block.Header{})
		}
	}

	if c.metrics != nil {
		c.metrics.HeapShrinks.Inc()
	}
	c.sink.Trace("heap.shrink", trace.F("bytes", amount))
}
