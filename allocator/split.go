package allocator

import (
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/block"
)

// split implements spec.md §4.6 Split: if b has room for both the request
// and a remainder of at least MinBlockSize, b is shrunk to exactly fit the
// request and a new free block is carved from what's left and spliced
// into neighbor order and the arena. Otherwise the whole block is handed
// to the caller with no remainder ("no sliver").
//
// b must already be removed from its free-list bin; this only touches
// neighbor-order links and the arena entry for any carved remainder.
func (c *core) split(b block.Header, requestedPayload uintptr) {
	total := totalBlockSize(requestedPayload)

	if b.Size() < total+block.MinBlockSize {
		return
	}

	remainderAddr := b.Addr() + total
	remainderSize := b.Size() - total

	oldNext := b.Next()
	b.SetSize(total)

	remainder := block.Init(remainderAddr, remainderSize)
	remainder.SetPrev(b)
	remainder.SetNext(oldNext)
	b.SetNext(remainder)
	if !oldNext.IsZero() {
		oldNext.SetPrev(remainder)
	}

	c.arena.Insert(remainder)
}

// coalesce implements spec.md §4.6 Coalesce: merge b with its neighbor-
// order next, then with prev, if each exists and is free. b must not
// currently be inserted into any arena bin. Returns the (possibly
// different, if merged backward) resulting block header.
func (c *core) coalesce(b block.Header) block.Header {
	if next := b.Next(); !next.IsZero() && next.Free() {
		class := c.arena.SizeClass(next.Size())
		c.arena.Remove(next, class)

		newSize := b.Size() + next.Size()
		afterNext := next.Next()
		b.SetNext(afterNext)
		if !afterNext.IsZero() {
			afterNext.SetPrev(b)
		}
		b.SetSize(newSize)

		if c.lastAllocated.Addr() == next.Addr() {
			c.lastAllocated = block.Header{}
		}
	}

	if prev := b.Prev(); !prev.IsZero() && prev.Free() {
		class := c.arena.SizeClass(prev.Size())
		c.arena.Remove(prev, class)

		newSize := prev.Size() + b.Size()
		afterB := b.Next()
		prev.SetNext(afterB)
		if !afterB.IsZero() {
			afterB.SetPrev(prev)
		}
		prev.SetSize(newSize)

		if c.lastAllocated.Addr() == b.Addr() {
			c.lastAllocated = block.Header{}
		}
		b = prev
	}

	return b
}
