package block

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/rafaelvvolkmer/libmemalloc-go/allocerr"
)

// newBackingBuf allocates a Go-heap buffer large enough to host one block
// of totalSize bytes, returning its base address. The buffer is kept alive
// for the life of the test by the caller holding onto the returned slice.
func newBackingBuf(t *testing.T, totalSize uintptr) (buf []byte, addr uintptr) {
	t.Helper()
	buf = make([]byte, totalSize+64) // slack so tail-canary math never runs off the end
	addr = uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	return buf, addr
}

func TestInitAndAccessors(t *testing.T) {
	total := MinBlockSize + 64
	buf, addr := newBackingBuf(t, total)

	h := Init(addr, total)
	require.True(t, h.Free())
	require.False(t, h.Marked())
	require.Equal(t, total, h.Size())
	require.True(t, IsAligned(addr))

	region := Region{Start: addr, End: addr + uintptr(len(buf))}
	require.NoError(t, ValidateStructure(h, region))

	h.SetFree(false)
	require.False(t, h.Free())

	h.SetMarked(true)
	require.True(t, h.Marked())

	h.SetFree(true) // setting free must also clear marked, spec.md §4.7
	require.False(t, h.Marked())
}

func TestDiagnostics(t *testing.T) {
	total := MinBlockSize + 64
	_, addr := newBackingBuf(t, total)
	h := Init(addr, total)

	h.SetDiagnostics("main.go", 42, "widget")
	file, line, label := h.Diagnostics()
	require.Equal(t, "main.go", file)
	require.Equal(t, 42, line)
	require.Equal(t, "widget", label)

	// Re-setting must not leak bytes from a longer previous value.
	h.SetDiagnostics("a.go", 1, "x")
	file, _, label = h.Diagnostics()
	require.Equal(t, "a.go", file)
	require.Equal(t, "x", label)
}

func TestNeighborAndFreeListLinks(t *testing.T) {
	total := MinBlockSize + 64
	_, addr := newBackingBuf(t, 2*total) // room for both blocks
	a := Init(addr, total)
	b := Init(addr+total, total)

	a.SetNext(b)
	b.SetPrev(a)
	require.Equal(t, b.Addr(), a.Next().Addr())
	require.Equal(t, a.Addr(), b.Prev().Addr())

	a.SetFLNext(b)
	b.SetFLPrev(a)
	require.Equal(t, b.Addr(), a.FLNext().Addr())
	require.Equal(t, a.Addr(), b.FLPrev().Addr())

	require.True(t, Header{}.IsZero())
	require.False(t, a.IsZero())
}

func TestPayloadAccessors(t *testing.T) {
	payload := uintptr(64)
	total := HeaderSize + payload + WordSize
	_, addr := newBackingBuf(t, total)
	h := Init(addr, total)

	require.Equal(t, addr+HeaderSize, h.PayloadAddr())
	require.Equal(t, payload, h.PayloadSize())
	require.Len(t, h.Payload(), int(payload))

	mid := h.PayloadAddr() + payload/2
	require.True(t, h.ContainsPayloadAddr(mid))
	require.False(t, h.ContainsPayloadAddr(h.PayloadAddr()+payload+WordSize))

	fromPayload := FromPayload(h.PayloadAddr())
	require.Equal(t, h.Addr(), fromPayload.Addr())
}

func TestValidateStructureDetectsCorruption(t *testing.T) {
	total := MinBlockSize + 64
	buf, addr := newBackingBuf(t, total)
	region := Region{Start: addr, End: addr + uintptr(len(buf))}

	h := Init(addr, total)
	require.NoError(t, ValidateStructure(h, region))

	// Flip a byte inside the magic word.
	buf[0] ^= 0xFF
	err := ValidateStructure(h, region)
	require.Error(t, err)
	require.True(t, allocerr.Is(err, allocerr.CorruptBlock))
}

func TestValidateStructureRejectsOversizedBlock(t *testing.T) {
	total := MinBlockSize + 64
	buf, addr := newBackingBuf(t, total)
	region := Region{Start: addr, End: addr + uintptr(len(buf))}

	h := Init(addr, total)
	// Now claims to run past the region. Set the raw field rather than
	// SetSize, which would write the tail canary past the buffer.
	h.raw().Size = uint64(len(buf)) * 4
	err := ValidateStructure(h, region)
	require.Error(t, err)
	require.True(t, allocerr.Is(err, allocerr.RegionOverflow))
}

func TestValidateStructureRejectsMisalignedSize(t *testing.T) {
	total := MinBlockSize + 64
	buf, addr := newBackingBuf(t, total)
	region := Region{Start: addr, End: addr + uintptr(len(buf))}

	h := Init(addr, total)
	h.raw().Size = uint64(total + 1) // no longer a multiple of the alignment quantum
	err := ValidateStructure(h, region)
	require.Error(t, err)
	require.True(t, allocerr.Is(err, allocerr.NotOurBlock))
}
