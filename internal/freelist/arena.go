// Package freelist implements the Arena and segregated free-list bins of
// spec.md §3/§4.4: size classes, O(1) LIFO insert/remove, intrusive via the
// block header's FLPrev/FLNext links.
package freelist

import (
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/block"
)

// DefaultNumBins is spec.md §3's "default 10" bins.
const DefaultNumBins = 10

// Quantum is spec.md §3's size-class quantum C (128 bytes).
const Quantum = 128

// Arena holds the ordered sequence of size-class bins for one allocator
// instance. Its zero value is not ready for use; build one with NewArena.
type Arena struct {
	bins []uintptr // head address of each bin's free list, or 0
}

// NewArena builds an Arena with numBins bins (DefaultNumBins if <= 0).
func NewArena(numBins int) *Arena {
	if numBins <= 0 {
		numBins = DefaultNumBins
	}
	return &Arena{bins: make([]uintptr, numBins)}
}

// NumBins returns the bin count this arena was built with.
func (a *Arena) NumBins() int { return len(a.bins) }

// SizeClass returns the size-class index for a block of total size n,
// spec.md §4.4: ceil(n/C) clamped to [0, numBins-1].
func (a *Arena) SizeClass(n uintptr) int {
	class := int((n + Quantum - 1) / Quantum)
	if class >= len(a.bins) {
		class = len(a.bins) - 1
	}
	if class < 0 {
		class = 0
	}
	return class
}

// BinHead returns the head block of bin i, or the zero Header if empty.
func (a *Arena) BinHead(i int) block.Header { return block.At(a.bins[i]) }

// Insert pushes h onto the head of its size class's bin (LIFO, O(1)).
func (a *Arena) Insert(h block.Header) {
	class := a.SizeClass(h.Size())
	head := a.bins[class]
	h.SetFLPrev(block.Header{})
	h.SetFLNext(block.At(head))
	if head != 0 {
		block.At(head).SetFLPrev(h)
	}
	a.bins[class] = h.Addr()
}

// Remove splices h out of whichever bin it currently occupies. class must
// be the size class h was inserted under (callers must remove before
// resizing a block).
func (a *Arena) Remove(h block.Header, class int) {
	prev := h.FLPrev()
	next := h.FLNext()
	if !prev.IsZero() {
		prev.SetFLNext(next)
	} else {
		a.bins[class] = next.Addr()
	}
	if !next.IsZero() {
		next.SetFLPrev(prev)
	}
	h.SetFLPrev(block.Header{})
	h.SetFLNext(block.Header{})
}

// Occupancy returns the number of free blocks currently queued in bin i,
// for diagnostics/metrics only — it walks the bin, so it is O(n).
func (a *Arena) Occupancy(i int) int {
	count := 0
	for cur := block.At(a.bins[i]); !cur.IsZero(); cur = cur.FLNext() {
		count++
	}
	return count
}
