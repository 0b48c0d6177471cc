package backing

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/rafaelvvolkmer/libmemalloc-go/allocerr"
)

// bumpNodeAllocator is a trivial NodeAllocator backing node storage with a
// plain Go buffer, standing in for the allocator package's real heap-backed
// implementation so this package's tests do not depend on it (avoiding the
// import cycle NodeAllocator exists to break).
type bumpNodeAllocator struct {
	buf    []byte
	offset int
}

func newBumpNodeAllocator() *bumpNodeAllocator {
	return &bumpNodeAllocator{buf: make([]byte, 64*MapNodeSize)}
}

func (b *bumpNodeAllocator) AllocNode() (uintptr, error) {
	if b.offset+int(MapNodeSize) > len(b.buf) {
		return 0, allocerr.New(allocerr.OutOfMemory, "test.AllocNode")
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(b.buf))) + uintptr(b.offset)
	b.offset += int(MapNodeSize)
	return addr, nil
}

func (b *bumpNodeAllocator) FreeNode(addr uintptr) {
	// Bump allocator never reclaims; fine for these tests, which never
	// allocate enough nodes to exhaust the buffer.
}

func TestMapAcquireReleaseRoundTrip(t *testing.T) {
	nodes := newBumpNodeAllocator()
	m := NewMap(nodes)

	base, mapped, err := m.Acquire(4000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, mapped, uintptr(4000))
	require.EqualValues(t, 0, mapped%m.PageSize())

	region, ok := m.Contains(base)
	require.True(t, ok)
	require.Equal(t, base, region.Start)
	require.Equal(t, base+mapped, region.End)

	require.NoError(t, m.Release(base))

	_, ok = m.Contains(base)
	require.False(t, ok)
}

func TestMapReleaseUnknownBaseFails(t *testing.T) {
	m := NewMap(newBumpNodeAllocator())
	err := m.Release(0xdeadbeef)
	require.Error(t, err)
	require.True(t, allocerr.Is(err, allocerr.NotOurBlock))
}

func TestMapEachVisitsAllMappings(t *testing.T) {
	m := NewMap(newBumpNodeAllocator())

	b1, s1, err := m.Acquire(1000)
	require.NoError(t, err)
	b2, s2, err := m.Acquire(2000)
	require.NoError(t, err)

	seen := map[uintptr]uintptr{}
	m.Each(func(base, size uintptr) { seen[base] = size })

	require.Equal(t, s1, seen[b1])
	require.Equal(t, s2, seen[b2])

	require.NoError(t, m.Release(b1))
	require.NoError(t, m.Release(b2))
}

func TestMapEachNodeVisitsBookkeepingAddrs(t *testing.T) {
	m := NewMap(newBumpNodeAllocator())

	_, _, err := m.Acquire(1000)
	require.NoError(t, err)
	_, _, err = m.Acquire(2000)
	require.NoError(t, err)

	count := 0
	m.EachNode(func(uintptr) { count++ })
	require.Equal(t, 2, count)
}
