package gc

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/rafaelvvolkmer/libmemalloc-go/internal/block"
)

// fakeHeap is a minimal, in-process Heap for exercising Collector without
// the allocator package (which itself depends on gc.Heap), avoiding an
// import cycle.
type fakeHeap struct {
	mu       sync.Mutex
	buf      []byte
	base     uintptr
	blocks   []block.Header
	freedHeap []uintptr
	freedMap  []uintptr
	mapBlocks []block.Header
}

func newFakeHeap(totalBlocks int) *fakeHeap {
	const blockSize = block.HeaderSize + 64
	buf := make([]byte, uintptr(totalBlocks)*blockSize)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	fh := &fakeHeap{buf: buf, base: base}
	for i := 0; i < totalBlocks; i++ {
		addr := base + uintptr(i)*blockSize
		h := block.Init(addr, blockSize)
		h.SetFree(false)
		fh.blocks = append(fh.blocks, h)
	}
	for i := 0; i+1 < len(fh.blocks); i++ {
		fh.blocks[i].SetNext(fh.blocks[i+1])
		fh.blocks[i+1].SetPrev(fh.blocks[i])
	}
	return fh
}

func (fh *fakeHeap) FirstUserBlock() block.Header {
	if len(fh.blocks) == 0 {
		return block.Header{}
	}
	return fh.blocks[0]
}

func (fh *fakeHeap) HeapEnd() uintptr {
	return fh.base + uintptr(len(fh.buf))
}

func (fh *fakeHeap) ClassifyHeapCandidate(payloadAddr uintptr) (block.Header, bool) {
	for _, h := range fh.blocks {
		if h.PayloadAddr() == payloadAddr && !h.Free() {
			return h, true
		}
	}
	return block.Header{}, false
}

func (fh *fakeHeap) EachMapBlock(fn func(block.Header)) {
	for _, h := range fh.mapBlocks {
		fn(h)
	}
}

func (fh *fakeHeap) PinMapListNodes() {}

func (fh *fakeHeap) ClassifyMapCandidate(payloadAddr uintptr) (block.Header, bool) {
	for _, h := range fh.mapBlocks {
		if h.PayloadAddr() == payloadAddr && !h.Free() {
			return h, true
		}
	}
	return block.Header{}, false
}

func (fh *fakeHeap) FreeHeap(h block.Header) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	h.SetFree(true)
	fh.freedHeap = append(fh.freedHeap, h.Addr())
}

func (fh *fakeHeap) FreeMap(h block.Header) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	h.SetFree(true)
	fh.freedMap = append(fh.freedMap, h.Addr())
}

func TestCycleReclaimsUnreferencedBlock(t *testing.T) {
	fh := newFakeHeap(1)
	stack, err := NewStackBounds()
	require.NoError(t, err)

	c := New(fh, stack, nil)

	var reclaimed int
	c.OnSwept(func(n int) { reclaimed = n })

	c.Cycle()

	require.Equal(t, 1, reclaimed)
	require.Len(t, fh.freedHeap, 1)
}

func TestCycleKeepsStackReferencedBlock(t *testing.T) {
	fh := newFakeHeap(1)
	stack, err := NewStackBounds()
	require.NoError(t, err)

	c := New(fh, stack, nil)

	// root stays a live local in this frame while Cycle runs, so the
	// conservative stack scan is expected to find it as a root.
	root := fh.blocks[0].PayloadAddr()

	var reclaimed int
	c.OnSwept(func(n int) { reclaimed = n })
	c.Cycle()
	require.Zero(t, root&0) // keep `root` referenced up to the call above

	require.Equal(t, 0, reclaimed)
	require.Empty(t, fh.freedHeap)
}
