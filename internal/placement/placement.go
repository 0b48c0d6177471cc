// Package placement implements the three search strategies of spec.md
// §4.5: first-fit, best-fit and next-fit, all walking the segregated bins
// (or, for next-fit, the neighbor-order heap run) of an
// internal/freelist.Arena.
package placement

import (
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/block"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/freelist"
)

// Strategy selects which placement algorithm an allocation request uses.
type Strategy int

const (
	FirstFit Strategy = iota
	NextFit
	BestFit
)

func (s Strategy) String() string {
	switch s {
	case FirstFit:
		return "first-fit"
	case NextFit:
		return "next-fit"
	case BestFit:
		return "best-fit"
	default:
		return "unknown-strategy"
	}
}

// Validator reports whether a candidate block is structurally trustworthy.
// A candidate that fails validation is skipped, never returned — spec.md
// §4.5: "invalid candidates are not fatal... they are skipped".
type Validator func(block.Header) bool

// First returns the first valid free block with size >= total, searching
// bins from SizeClass(total) upward.
func First(a *freelist.Arena, total uintptr, valid Validator) (block.Header, bool) {
	for c := a.SizeClass(total); c < a.NumBins(); c++ {
		for cur := a.BinHead(c); !cur.IsZero(); cur = cur.FLNext() {
			if !valid(cur) {
				continue
			}
			if cur.Size() >= total {
				return cur, true
			}
		}
	}
	return block.Header{}, false
}

// Best returns the smallest valid free block with size >= total. It scans
// only the first non-empty-of-candidates class starting at
// SizeClass(total), per spec.md §4.5's early-termination rule; ties go to
// the first such block encountered in that class's LIFO order.
func Best(a *freelist.Arena, total uintptr, valid Validator) (block.Header, bool) {
	for c := a.SizeClass(total); c < a.NumBins(); c++ {
		var best block.Header
		found := false
		for cur := a.BinHead(c); !cur.IsZero(); cur = cur.FLNext() {
			if !valid(cur) {
				continue
			}
			if cur.Size() < total {
				continue
			}
			if !found || cur.Size() < best.Size() {
				best, found = cur, true
			}
		}
		if found {
			return best, true
		}
	}
	return block.Header{}, false
}

// Next scans neighbor order starting at last. If last is null or no
// longer a valid free block, it falls back to First over the bins (spec.md
// §4.5). Otherwise it walks h.Next(), wrapping to firstUserBlock when it
// runs off the end of the heap run, and stops once the cursor returns to
// its own starting point.
func Next(a *freelist.Arena, firstUserBlock, last block.Header, total uintptr, valid Validator) (block.Header, bool) {
	if last.IsZero() || !last.Free() || !valid(last) {
		return First(a, total, valid)
	}

	begin := last
	cur := last
	for {
		if cur.Free() && valid(cur) && cur.Size() >= total {
			return cur, true
		}
		next := cur.Next()
		if next.IsZero() {
			cur = firstUserBlock
		} else {
			cur = next
		}
		if cur.IsZero() || cur.Addr() == begin.Addr() {
			break
		}
	}
	return block.Header{}, false
}

// Find dispatches to the strategy named by s. last and firstUserBlock are
// only consulted by NextFit.
func Find(s Strategy, a *freelist.Arena, firstUserBlock, last block.Header, total uintptr, valid Validator) (block.Header, bool) {
	switch s {
	case FirstFit:
		return First(a, total, valid)
	case BestFit:
		return Best(a, total, valid)
	case NextFit:
		return Next(a, firstUserBlock, last, total, valid)
	default:
		return First(a, total, valid)
	}
}
