package allocator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rafaelvvolkmer/libmemalloc-go/allocerr"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/block"
	"github.com/rafaelvvolkmer/libmemalloc-go/internal/placement"
)

func payloadOf(ptr uintptr) []byte {
	return block.FromPayload(ptr).Payload()
}

func newTestFacade(t *testing.T, opts ...Option) *Facade {
	t.Helper()
	base := []Option{WithReserve(4 << 20), WithMapThreshold(64 * 1024)}
	f, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestAllocWriteFree(t *testing.T) {
	f := newTestFacade(t)

	ptr, err := f.AllocFirstFit(128, "widget")
	require.NoError(t, err)
	require.NotZero(t, ptr)

	p := payloadOf(ptr)
	require.GreaterOrEqual(t, len(p), 128)
	for i := range p[:128] {
		p[i] = byte(i)
	}

	require.NoError(t, f.Free(ptr, "widget"))
}

func TestAllocZero(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.AllocFirstFit(0, "")
	require.Error(t, err)
	require.True(t, allocerr.Is(err, allocerr.InvalidArgument))
}

func TestCallocZeroesPayload(t *testing.T) {
	f := newTestFacade(t)

	ptr, err := f.Calloc(256, placement.FirstFit, "zeroed")
	require.NoError(t, err)
	p := payloadOf(ptr)
	for _, b := range p[:256] {
		require.EqualValues(t, 0, b)
	}
}

func TestReallocPreservesPrefix(t *testing.T) {
	f := newTestFacade(t)

	ptr, err := f.AllocFirstFit(32, "x")
	require.NoError(t, err)
	p := payloadOf(ptr)
	for i := range p[:32] {
		p[i] = byte(i + 1)
	}

	ptr2, err := f.Realloc(ptr, 512, placement.FirstFit, "x")
	require.NoError(t, err)

	grown := payloadOf(ptr2)
	for i := 0; i < 32; i++ {
		require.EqualValues(t, byte(i+1), grown[i])
	}
	require.NoError(t, f.Free(ptr2, "x"))
}

func TestReallocNullActsAsAlloc(t *testing.T) {
	f := newTestFacade(t)
	ptr, err := f.Realloc(0, 64, placement.FirstFit, "fresh")
	require.NoError(t, err)
	require.NotZero(t, ptr)
}

func TestDoubleFreeIsRejected(t *testing.T) {
	f := newTestFacade(t)
	ptr, err := f.AllocFirstFit(64, "x")
	require.NoError(t, err)
	// A live block after ptr keeps ptr off the heap tail, so the first free
	// leaves it inside the heap as a free block instead of shrinking it away.
	_, err = f.AllocFirstFit(64, "keep")
	require.NoError(t, err)
	require.NoError(t, f.Free(ptr, "x"))

	err = f.Free(ptr, "x")
	require.Error(t, err)
	require.True(t, allocerr.Is(err, allocerr.InvalidArgument))
}

func TestExhaustionThenFreeAllRecovers(t *testing.T) {
	f := newTestFacade(t, WithReserve(256*1024))

	var ptrs []uintptr
	for {
		ptr, err := f.AllocFirstFit(4096, "bulk")
		if err != nil {
			require.True(t, allocerr.Is(err, allocerr.OutOfMemory))
			break
		}
		ptrs = append(ptrs, ptr)
	}
	require.NotEmpty(t, ptrs)

	for _, ptr := range ptrs {
		require.NoError(t, f.Free(ptr, "bulk"))
	}

	// The heap must be reusable after a full free.
	ptr, err := f.AllocFirstFit(4096, "after")
	require.NoError(t, err)
	require.NotZero(t, ptr)
}

func TestMapPathAllocFree(t *testing.T) {
	f := newTestFacade(t, WithMapThreshold(4096))

	ptr, err := f.AllocFirstFit(64*1024, "large")
	require.NoError(t, err)
	p := payloadOf(ptr)
	require.GreaterOrEqual(t, len(p), 64*1024)

	require.NoError(t, f.Free(ptr, "large"))
}

func TestGCReclaimsUnreachableBlocks(t *testing.T) {
	f := newTestFacade(t, WithMapThreshold(8192))

	const n = 16
	small := make([]uintptr, n)
	large := make([]uintptr, n)
	for i := 0; i < n; i++ {
		s, err := f.AllocFirstFit(1024, "small")
		require.NoError(t, err)
		small[i] = s

		l, err := f.AllocFirstFit(8192+4096, "large")
		require.NoError(t, err)
		large[i] = l
	}

	// Keep only the odd-indexed pointers reachable from this local
	// variable; the even-indexed ones are deliberately leaked so the
	// collector is the only thing that can find them (conservative stack
	// scan sees whatever raw words remain on the stack, so truly dropping
	// every reference to the even slots is what distinguishes them).
	var reachable []uintptr
	for i := 1; i < n; i += 2 {
		reachable = append(reachable, small[i], large[i])
	}
	for i := 0; i < n; i += 2 {
		small[i] = 0
		large[i] = 0
	}

	f.EnableGC()
	time.Sleep(50 * time.Millisecond)
	f.Collect()
	f.DisableGC()

	stats := f.Stats()
	require.Equal(t, len(stats.BinCounts), f.core.arena.NumBins())

	for _, ptr := range reachable {
		require.NoError(t, f.Free(ptr, "reachable"))
	}
}
