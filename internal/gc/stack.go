// Package gc implements the conservative stack-scanning mark-and-sweep
// collector of spec.md §4.8-§4.10.
//
// Adaptation note (see DESIGN.md "internal/gc" entry for the full
// rationale): spec.md §4.8 assumes POSIX thread attributes (stack base,
// size, guard page) queried once via pthread_getattr_np. Go goroutines have
// no such fixed stack — the runtime relocates a goroutine's stack whenever
// it grows, which would silently invalidate any raw address window we
// cached. This package therefore requires the caller to pin the mutator to
// one OS thread with runtime.LockOSThread before calling NewStackBounds, and
// treats that thread's stack (sized via RLIMIT_STACK less one guard page) as
// the scan region. Bottom/top are refreshed from a local variable's address
// exactly as spec.md §4.8 itself prescribes for discovering growth
// direction, which keeps this the closest-possible idiomatic-Go rendition
// of the original contract rather than a silent behavior change.
package gc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// StackBounds tracks the usable stack window for the pinned mutator
// thread: [Bottom, Top), normalized so Bottom <= Top regardless of the
// architecture's growth direction (spec.md §4.8).
type StackBounds struct {
	guardSize uintptr
	rlimit    uintptr
	grownDown bool

	bottom uintptr
	top    uintptr
}

// NewStackBounds discovers the growth direction once (by comparing the
// addresses of two consecutive local variables, per spec.md §4.8) and
// queries RLIMIT_STACK for the window length, less one page kept as a
// guard; Refresh trims that page from the end of the window farthest from
// its anchor.
func NewStackBounds() (*StackBounds, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_STACK, &rl); err != nil {
		return nil, err
	}

	sb := &StackBounds{
		guardSize: uintptr(unix.Getpagesize()),
		rlimit:    uintptr(rl.Cur),
		grownDown: detectGrowthDirection(),
	}
	return sb, nil
}

// detectGrowthDirection compares the addresses of two consecutive local
// variables in nested calls to tell whether the stack grows toward lower
// addresses (true on every architecture this module targets: amd64,
// arm64), matching spec.md §4.8's discovery method exactly.
func detectGrowthDirection() bool {
	var outer byte
	return addrOfInner() < addrOf(&outer)
}

//go:noinline
func addrOfInner() uintptr {
	var inner byte
	return addrOf(&inner)
}

//go:noinline
func addrOf(p *byte) uintptr {
	return uintptr(unsafe.Pointer(p))
}

// Refresh recenters the window on the caller's current frame, as the
// address of `anchor` (conventionally a local variable at the GC worker's
// call site, taken immediately before a mark phase begins — spec.md §4.9
// "Refresh stack bounds"). On a stack that grows down, the caller's own
// frame sits at the lowest live address and every reachable root — its
// callers, up to the stack base — lives above it, so the window spans
// upward from anchor. On a stack that grows up, the roots live below.
func (sb *StackBounds) Refresh(anchor uintptr) {
	if sb.grownDown {
		top := anchor + sb.rlimit - sb.guardSize
		sb.bottom, sb.top = anchor, top
	} else {
		bottom := anchor - sb.rlimit + sb.guardSize
		sb.bottom, sb.top = bottom, anchor
	}
}

// Bottom and Top return the current, normalized scan window.
func (sb *StackBounds) Bottom() uintptr { return sb.bottom }
func (sb *StackBounds) Top() uintptr    { return sb.top }
