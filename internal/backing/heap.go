// Package backing implements the two OS-facing acquisition strategies of
// spec.md §4.1/§4.2: a movable "program break" over a single virtual-memory
// reservation (Heap Backing), and per-allocation anonymous page mappings
// for large objects (Map Backing).
//
// Go gives no portable stdlib equivalent of sbrk/brk: the only safe way to
// grow a raw, non-GC-scanned region is to reserve one large chunk of
// address space up front (an anonymous mmap, grounded on
// cznic/memory's and marmos91-dittofs's use of golang.org/x/sys/unix.Mmap
// in the retrieval pack) and treat an internal cursor as the "break". This
// is the faithful idiomatic-Go rendition of spec.md §4.1's contract: the
// cursor still only ever grows or retreats by whole lease amounts, heap_end
// still tracks it exactly, and a failed shrink is still non-fatal.
package backing

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rafaelvvolkmer/libmemalloc-go/allocerr"
)

// Heap owns one contiguous virtual-memory reservation and the "program
// break" cursor within it.
type Heap struct {
	base     uintptr
	reserved uintptr
	brk      uintptr // current break, as an offset from base

	lastLeaseStart uintptr
	lastLeaseEnd   uintptr

	data []byte // the reservation, kept alive here so the GC never unmaps it from under us
}

// NewHeap reserves `reserve` bytes of anonymous, read-write virtual memory.
// No part of it is considered "heap" until Grow is called; reserving
// up-front only claims address space, it does not commit behavior the
// mutator can observe.
func NewHeap(reserve uintptr) (*Heap, error) {
	data, err := unix.Mmap(-1, 0, int(reserve), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, allocerr.Wrap(allocerr.OutOfMemory, "backing.NewHeap", err)
	}
	return &Heap{
		base:     uintptr(unsafe.Pointer(unsafe.SliceData(data))),
		reserved: reserve,
		data:     data,
	}, nil
}

// Base is the address of the first byte of the reservation.
func (h *Heap) Base() uintptr { return h.base }

// End is one past the last byte currently inside the "program break",
// i.e. heap_end in spec.md §3.
func (h *Heap) End() uintptr { return h.base + h.brk }

// Grow advances the break by bytes, zeroing the newly included region, and
// returns the previous end (spec.md §4.1). It fails with OutOfMemory if the
// reservation is exhausted.
func (h *Heap) Grow(bytes uintptr) (previousEnd uintptr, err error) {
	if h.brk+bytes > h.reserved {
		return 0, allocerr.New(allocerr.OutOfMemory, "backing.Heap.Grow")
	}
	previousEnd = h.End()
	clearRange(h.data, int(h.brk), int(h.brk+bytes))
	h.brk += bytes
	h.lastLeaseStart = previousEnd
	h.lastLeaseEnd = h.base + h.brk
	return previousEnd, nil
}

// ShrinkAttempt attempts the conservative, lease-matching shrink of
// spec.md §4.1: it only succeeds if blockEnd is exactly the current break
// and the break equals the end of the most recently recorded growth
// lease. On success it returns the lease amount (always given back in
// full, never partial) and moves the break back by exactly that much. Any
// mismatch is a no-op failure, never an error — the caller reinserts the
// freed block and proceeds. The freed block may be larger than the lease
// (spec.md §4.7: "size >= the recorded lease"); it is the caller's job to
// keep whatever doesn't fit in the lease as a free block.
func (h *Heap) ShrinkAttempt(blockEnd uintptr) (amount uintptr, ok bool) {
	if blockEnd != h.End() || h.End() != h.lastLeaseEnd {
		return 0, false
	}
	amount = h.lastLeaseEnd - h.lastLeaseStart
	h.brk -= amount
	h.lastLeaseStart, h.lastLeaseEnd = 0, 0
	return amount, true
}

// Release unmaps the entire reservation. Callers must ensure nothing still
// references heap memory before calling this.
func (h *Heap) Release() error {
	if h.data == nil {
		return nil
	}
	err := unix.Munmap(h.data)
	h.data = nil
	if err != nil {
		return allocerr.Wrap(allocerr.IOMappingFailed, "backing.Heap.Release", err)
	}
	return nil
}

func clearRange(b []byte, start, end int) {
	for i := range b[start:end] {
		b[start+i] = 0
	}
}
