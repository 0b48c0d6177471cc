package backing

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rafaelvvolkmer/libmemalloc-go/allocerr"
)

// MapNodeSize is sizeof({base, size, next}), stored as three words in the
// payload of a heap-allocated node (spec.md §4.2: "the node itself is
// allocated through the heap path").
const MapNodeSize = 3 * 8

// NodeAllocator is the thin seam Map Backing uses to borrow heap storage
// for its list nodes, so this package never imports the allocator front
// (which in turn depends on this package) — dependency inversion instead
// of a cycle.
type NodeAllocator interface {
	AllocNode() (addr uintptr, err error)
	FreeNode(addr uintptr)
}

// Map tracks every active large (>= M) anonymous mapping, newest first.
type Map struct {
	pageSize uintptr
	nodes    NodeAllocator
	head     uintptr // address of the first node's payload, or 0
}

// NewMap builds a Map Backing that borrows list-node storage from nodes.
func NewMap(nodes NodeAllocator) *Map {
	return &Map{pageSize: uintptr(unix.Getpagesize()), nodes: nodes}
}

type mapNodeView struct{ addr uintptr }

func (v mapNodeView) base() uintptr     { return *(*uintptr)(unsafe.Pointer(v.addr)) }
func (v mapNodeView) size() uintptr     { return *(*uintptr)(unsafe.Pointer(v.addr + 8)) }
func (v mapNodeView) next() uintptr     { return *(*uintptr)(unsafe.Pointer(v.addr + 16)) }
func (v mapNodeView) setBase(x uintptr) { *(*uintptr)(unsafe.Pointer(v.addr)) = x }
func (v mapNodeView) setSize(x uintptr) { *(*uintptr)(unsafe.Pointer(v.addr + 8)) = x }
func (v mapNodeView) setNext(x uintptr) { *(*uintptr)(unsafe.Pointer(v.addr + 16)) = x }

// PageSize returns the system page size used to round mapping requests.
func (m *Map) PageSize() uintptr { return m.pageSize }

// RoundToPage rounds bytes up to a whole number of pages.
func (m *Map) RoundToPage(bytes uintptr) uintptr {
	return (bytes + m.pageSize - 1) &^ (m.pageSize - 1)
}

// Acquire maps `bytes` (rounded up to a page multiple) of anonymous
// read/write memory and prepends a tracking node to the map list.
func (m *Map) Acquire(bytes uintptr) (base uintptr, mapped uintptr, err error) {
	mapped = m.RoundToPage(bytes)

	data, mmErr := unix.Mmap(-1, 0, int(mapped), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if mmErr != nil {
		if mmErr == unix.ENOMEM {
			return 0, 0, allocerr.Wrap(allocerr.OutOfMemory, "backing.Map.Acquire", mmErr)
		}
		return 0, 0, allocerr.Wrap(allocerr.IOMappingFailed, "backing.Map.Acquire", mmErr)
	}
	base = uintptr(unsafe.Pointer(unsafe.SliceData(data)))

	nodeAddr, nErr := m.nodes.AllocNode()
	if nErr != nil {
		_ = unix.Munmap(data)
		return 0, 0, nErr
	}
	n := mapNodeView{addr: nodeAddr}
	n.setBase(base)
	n.setSize(mapped)
	n.setNext(m.head)
	m.head = nodeAddr

	return base, mapped, nil
}

// Release walks the map list, unmaps the entry whose base matches, and
// frees its tracking node. It reports NotOurBlock if no entry matches.
func (m *Map) Release(base uintptr) error {
	var prev uintptr
	cur := m.head
	for cur != 0 {
		n := mapNodeView{addr: cur}
		if n.base() == base {
			size := n.size()
			region := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size))
			if err := unix.Munmap(region); err != nil {
				return allocerr.Wrap(allocerr.IOMappingFailed, "backing.Map.Release", err)
			}
			if prev == 0 {
				m.head = n.next()
			} else {
				mapNodeView{addr: prev}.setNext(n.next())
			}
			m.nodes.FreeNode(cur)
			return nil
		}
		prev = cur
		cur = n.next()
	}
	return allocerr.New(allocerr.NotOurBlock, "backing.Map.Release")
}

// Contains reports whether addr lies within some tracked mapping, and if
// so returns that mapping's [base, base+size) region.
func (m *Map) Contains(addr uintptr) (region Region, ok bool) {
	for cur := m.head; cur != 0; {
		n := mapNodeView{addr: cur}
		base, size := n.base(), n.size()
		if addr >= base && addr < base+size {
			return Region{Start: base, End: base + size}, true
		}
		cur = n.next()
	}
	return Region{}, false
}

// Each walks every tracked mapping in most-recently-added-first order.
func (m *Map) Each(fn func(base, size uintptr)) {
	for cur := m.head; cur != 0; {
		n := mapNodeView{addr: cur}
		fn(n.base(), n.size())
		cur = n.next()
	}
}

// EachNode walks the payload address of every live bookkeeping node
// itself (not the mapping it describes). The collector uses this to
// re-pin each node's own block mark after the heap clear phase, per
// spec.md §4.9's "leave the metadata node's own block marked = 1 so it
// survives".
func (m *Map) EachNode(fn func(nodeAddr uintptr)) {
	for cur := m.head; cur != 0; {
		n := mapNodeView{addr: cur}
		fn(cur)
		cur = n.next()
	}
}

// Region mirrors block.Region without importing block, to keep this
// package's public surface self-contained.
type Region struct {
	Start uintptr
	End   uintptr
}
