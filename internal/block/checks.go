package block

import (
	"github.com/rafaelvvolkmer/libmemalloc-go/allocerr"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/word"
)

// Region describes the bounds a candidate header must fit inside. Heap
// Backing and Map Backing each hand in their own region when validating a
// candidate (spec.md §4.3: "lying within [heap_start+metadata_size,
// heap_end) or within some map entry").
type Region struct {
	Start uintptr
	End   uintptr
}

// Contains reports whether addr lies in [Start, End).
func (r Region) Contains(addr uintptr) bool { return addr >= r.Start && addr < r.End }

// ValidateStructure runs the ordered checks of spec.md §4.3, from "header
// fits" onward (region membership and alignment are checked by the caller,
// which knows which region(s) apply). It returns the first failing check as
// a tagged *allocerr.Error, or nil if every check passes.
func ValidateStructure(h Header, region Region) error {
	const op = "block.validate"

	if h.addr+HeaderSize > region.End {
		return allocerr.New(allocerr.NotOurBlock, op)
	}

	size := h.Size()
	if size%word.Alignment != 0 || size < MinBlockSize {
		return allocerr.New(allocerr.NotOurBlock, op)
	}

	if h.addr+size > region.End {
		return allocerr.New(allocerr.RegionOverflow, op)
	}

	if h.raw().Magic != magicWord {
		return allocerr.New(allocerr.CorruptBlock, op)
	}
	if h.raw().HeadCanary != headCanary {
		return allocerr.New(allocerr.CorruptBlock, op)
	}
	if h.tailCanaryValue() != tailCanary {
		return allocerr.New(allocerr.CorruptBlock, op)
	}

	return nil
}

// IsAligned reports whether addr is a valid block start address for the
// allocator's alignment quantum.
func IsAligned(addr uintptr) bool { return word.IsAligned(addr) }
