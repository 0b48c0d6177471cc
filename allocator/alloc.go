package allocator

import (
	"github.com/rafaelvvolkmer/libmemalloc-go/allocerr"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/block"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/placement"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/trace"
)

// alloc implements spec.md §4.7 Alloc. Caller must hold the allocator
// lock. file/line/label are the diagnostic triplet the facade captured.
func (c *core) alloc(n uintptr, strategy placement.Strategy, file string, line int, label string) (uintptr, error) {
	const op = "allocator.alloc"

	if n == 0 {
		return 0, allocerr.New(allocerr.InvalidArgument, op)
	}

	if n >= c.mapThreshold {
		return c.allocMap(n, file, line, label)
	}

	return c.allocHeap(n, strategy, file, line, label)
}

// allocHeap runs the bins-based placement path, growing the heap and
// retrying exactly once on exhaustion (spec.md §4.7 step 4).
func (c *core) allocHeap(n uintptr, strategy placement.Strategy, file string, line int, label string) (uintptr, error) {
	const op = "allocator.alloc.heap"

	total := totalBlockSize(n)

	candidate, ok := placement.Find(strategy, c.arena, c.firstUserBlock(), c.lastAllocated, total, c.validateHeap)
	if !ok {
		fresh, err := c.growHeap(total)
		if err != nil {
			return 0, allocerr.Wrap(allocerr.OutOfMemory, op, err)
		}
		candidate, ok = placement.Find(strategy, c.arena, c.firstUserBlock(), c.lastAllocated, total, c.validateHeap)
		if !ok {
			// The block we just seeded is exactly `total` bytes, so this
			// should be unreachable; roll back defensively rather than
			// leave an orphaned free block nobody can find.
			class := c.arena.SizeClass(fresh.Size())
			c.arena.Remove(fresh, class)
			return 0, allocerr.New(allocerr.OutOfMemory, op)
		}
	}

	class := c.arena.SizeClass(candidate.Size())
	c.arena.Remove(candidate, class)
	c.split(candidate, n)
	candidate.SetFree(false)
	candidate.SetDiagnostics(file, line, label)

	if strategy == placement.NextFit {
		c.lastAllocated = candidate
	}

	if c.metrics != nil {
		c.metrics.Allocs.Inc()
		c.metrics.BytesInUse.Add(float64(candidate.Size()))
		c.metrics.LiveBlocks.Inc()
	}
	c.sink.Trace("alloc.heap",
		trace.F("bytes", n), trace.F("strategy", strategy.String()), trace.F("label", label))

	return candidate.PayloadAddr(), nil
}

// allocMap runs the large-object path: acquire a page-rounded mapping,
// install a block header marked already in-use, and return the payload
// (spec.md §3 "Mapping list" / §4.7 step 3).
func (c *core) allocMap(n uintptr, file string, line int, label string) (uintptr, error) {
	total := totalBlockSize(n)
	base, mapped, err := c.mapb.Acquire(total)
	if err != nil {
		return 0, err
	}

	h := block.Init(base, mapped)
	h.SetFree(false)
	h.SetDiagnostics(file, line, label)

	if c.metrics != nil {
		c.metrics.Allocs.Inc()
		c.metrics.BytesMapped.Add(float64(mapped))
		c.metrics.LiveBlocks.Inc()
	}
	c.sink.Trace("alloc.map", trace.F("bytes", n), trace.F("mapped", mapped), trace.F("label", label))

	return h.PayloadAddr(), nil
}

// calloc runs alloc then zeroes the payload (spec.md §4.7 Calloc).
func (c *core) calloc(n uintptr, strategy placement.Strategy, file string, line int, label string) (uintptr, error) {
	ptr, err := c.alloc(n, strategy, file, line, label)
	if err != nil {
		return 0, err
	}
	payload := block.FromPayload(ptr).Payload()
	for i := range payload {
		payload[i] = 0
	}
	return ptr, nil
}

// realloc implements spec.md §4.7 Realloc.
func (c *core) realloc(ptr uintptr, n uintptr, strategy placement.Strategy, file string, line int, label string) (uintptr, error) {
	const op = "allocator.realloc"

	if ptr == 0 {
		return c.alloc(n, strategy, file, line, label)
	}

	h, _, err := c.classifyPayload(ptr)
	if err != nil {
		return 0, err
	}
	if h.Free() {
		return 0, allocerr.New(allocerr.InvalidArgument, op)
	}

	oldPayload := h.PayloadSize()
	if oldPayload >= n {
		return ptr, nil
	}

	newPtr, err := c.alloc(n, strategy, file, line, label)
	if err != nil {
		return 0, err
	}

	src := h.Payload()
	dst := block.FromPayload(newPtr).Payload()
	copyN := int(oldPayload)
	if copyN > len(dst) {
		copyN = len(dst)
	}
	if copyN > len(src) {
		copyN = len(src)
	}
	copy(dst[:copyN], src[:copyN])

	if err := c.free(ptr, label); err != nil {
		return 0, err
	}

	return newPtr, nil
}
