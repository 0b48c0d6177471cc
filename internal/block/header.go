// Package block implements the header format and structural checks of
// spec.md §3/§4.3. The header is expressed as a fixed-layout record with
// explicit field widths (SPEC_FULL.md / spec.md §9's re-architecture note:
// "never rely on language-native struct layout for over-the-wire or
// neighbor-address math"). Neighbor and free-list links are stored as
// absolute addresses (uintptr, not unsafe.Pointer) so the Go garbage
// collector never mistakes this raw, mmap-backed memory for a graph of Go
// pointers — the header lives entirely outside the Go heap.
package block

import (
	"unsafe"

	"github.com/rafaelvvolkmer/libmemalloc-go/internal/word"
)

// Sentinel word patterns. Three distinct constants so a single corrupted
// byte in any one of them is still detectable independently of the others.
// These are diagnostic only (spec.md §1 Non-goals: "hardening against
// adversarial memory corruption... canaries are diagnostic, not security").
const (
	magicWord  uint64 = 0xC0FFEE00DEADBEEF
	headCanary uint64 = 0xFEEDFACECAFEBEEF
	tailCanary uint64 = 0xABADCAFEBAADF00D
)

const (
	fileLabelLen = 32
	varLabelLen  = 24
)

// rawHeader is the literal on-wire layout. Field order and widths are fixed;
// its size must be a multiple of the allocator's alignment quantum (checked
// by the init() assertion below), per spec.md §3.
type rawHeader struct {
	Magic  uint64
	Size   uint64 // total bytes, header start to end of tail canary
	Free   uint32 // 0 = in use, 1 = free
	Marked uint32 // GC mark bit
	Line   uint32
	_      uint32 // explicit padding, keeps 8-byte alignment for the fields below
	File   [fileLabelLen]byte
	Label  [varLabelLen]byte

	HeadCanary uint64

	// Neighbor order (address order within one heap run). 0 means "none".
	PrevAddr uintptr
	NextAddr uintptr

	// Free-list links (only meaningful while Free == 1). 0 means "none".
	FLPrevAddr uintptr
	FLNextAddr uintptr
}

// HeaderSize is sizeof(rawHeader); exported because callers (backing,
// allocator) need it to size regions and compute payload offsets.
const HeaderSize = unsafe.Sizeof(rawHeader{})

// WordSize is the trailing tail-canary word width.
const WordSize = word.Size

// MinBlockSize is spec.md §4.6's MIN_BLOCK = sizeof(header) + A.
const MinBlockSize = HeaderSize + word.Alignment

func init() {
	if HeaderSize%word.Alignment != 0 {
		panic("block: rawHeader size is not a multiple of the alignment quantum")
	}
}

// Header is a validated, newtype-style accessor over a header located at a
// fixed address. It never exposes the raw struct; every field access goes
// through a method so callers cannot violate the fixed layout by accident
// (spec.md §9's "encapsulate behind a newtype, expose only validated
// accessors").
type Header struct {
	addr uintptr
}

// At returns a Header view over the memory at addr. It performs no
// validation; callers must run ValidateStructure before trusting the contents, or
// be constructing a fresh block (Init).
func At(addr uintptr) Header { return Header{addr: addr} }

// Addr returns the header's own address.
func (h Header) Addr() uintptr { return h.addr }

// IsZero reports whether this Header is the nil link value.
func (h Header) IsZero() bool { return h.addr == 0 }

func (h Header) raw() *rawHeader {
	return (*rawHeader)(unsafe.Pointer(h.addr)) //nolint:govet // intentional raw-memory cast, see package doc
}

// Init writes a brand-new header at addr spanning size bytes total
// (header + payload + tail canary), marks it free, clears diagnostics and
// neighbor/free-list links, and installs all three sentinels.
func Init(addr uintptr, size uintptr) Header {
	h := Header{addr: addr}
	r := h.raw()
	*r = rawHeader{}
	r.Magic = magicWord
	r.Size = uint64(size)
	r.Free = 1
	r.HeadCanary = headCanary
	h.writeTailCanary()
	return h
}

func (h Header) writeTailCanary() {
	p := (*uint64)(unsafe.Pointer(h.addr + uintptr(h.raw().Size) - WordSize))
	*p = tailCanary
}

func (h Header) tailCanaryValue() uint64 {
	p := (*uint64)(unsafe.Pointer(h.addr + uintptr(h.raw().Size) - WordSize))
	return *p
}

// Size returns the total block size (header + payload + tail canary).
func (h Header) Size() uintptr { return uintptr(h.raw().Size) }

// SetSize updates the total block size and rewrites the tail canary at its
// new location. Callers must keep Size a multiple of the alignment
// quantum and >= MinBlockSize (spec.md §3).
func (h Header) SetSize(size uintptr) {
	h.raw().Size = uint64(size)
	h.writeTailCanary()
}

// Free reports whether the block is on a free list.
func (h Header) Free() bool { return h.raw().Free != 0 }

// SetFree updates the free flag. Setting it also clears Marked, matching
// spec.md §4.7 Free: "Set free = 1, clear marked".
func (h Header) SetFree(v bool) {
	if v {
		h.raw().Free = 1
		h.raw().Marked = 0
	} else {
		h.raw().Free = 0
	}
}

// Marked reports the GC mark bit.
func (h Header) Marked() bool { return h.raw().Marked != 0 }

// SetMarked sets the GC mark bit.
func (h Header) SetMarked(v bool) {
	if v {
		h.raw().Marked = 1
	} else {
		h.raw().Marked = 0
	}
}

// Diagnostics returns the (truncated) file, line and variable-label
// recorded for this block.
func (h Header) Diagnostics() (file string, line int, label string) {
	r := h.raw()
	return cstr(r.File[:]), int(r.Line), cstr(r.Label[:])
}

// SetDiagnostics records the caller-supplied provenance triplet (spec.md
// §3 "diagnostic triplet... opaque to the core"). Strings are copied
// byte-for-byte and truncated to the fixed buffer width; no Go pointer or
// string header is ever stored in this memory, since it is not scanned by
// the Go garbage collector.
func (h Header) SetDiagnostics(file string, line int, label string) {
	r := h.raw()
	r.Line = uint32(line)
	clear(r.File[:])
	clear(r.Label[:])
	copy(r.File[:], file)
	copy(r.Label[:], label)
}

func cstr(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// Prev/Next expose the neighbor-order links.
func (h Header) Prev() Header { return Header{addr: h.raw().PrevAddr} }
func (h Header) Next() Header { return Header{addr: h.raw().NextAddr} }
func (h Header) SetPrev(p Header) { h.raw().PrevAddr = p.addr }
func (h Header) SetNext(n Header) { h.raw().NextAddr = n.addr }

// FLPrev/FLNext expose the intrusive free-list links.
func (h Header) FLPrev() Header    { return Header{addr: h.raw().FLPrevAddr} }
func (h Header) FLNext() Header    { return Header{addr: h.raw().FLNextAddr} }
func (h Header) SetFLPrev(p Header) { h.raw().FLPrevAddr = p.addr }
func (h Header) SetFLNext(n Header) { h.raw().FLNextAddr = n.addr }

// PayloadAddr is the address of the first payload byte.
func (h Header) PayloadAddr() uintptr { return h.addr + HeaderSize }

// PayloadSize is the usable byte count available to the caller.
func (h Header) PayloadSize() uintptr {
	return h.Size() - HeaderSize - WordSize
}

// Payload returns a byte slice view over the payload region. It is only
// valid as long as the backing region is mapped.
func (h Header) Payload() []byte {
	n := int(h.PayloadSize())
	if n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(h.PayloadAddr())), n)
}

// ContainsPayloadAddr reports whether addr falls strictly within this
// block's payload region (used by the conservative scanner, spec.md §4.9).
func (h Header) ContainsPayloadAddr(addr uintptr) bool {
	start := h.PayloadAddr()
	end := h.addr + h.Size() - WordSize
	return addr >= start && addr < end
}

// FromPayload returns the Header for a block given a pointer to its
// payload (the inverse of PayloadAddr).
func FromPayload(payloadAddr uintptr) Header {
	return Header{addr: payloadAddr - HeaderSize}
}
