package devmem

import (
	"fmt"
	"sync/atomic"
)

// Handle is the ownership unit wrapping a device pointer. An owning
// handle (owner == nil) is the unit that, once unreachable, is eligible
// for registry insertion or native release. A view shares its owner's
// pointer at a byte offset and must never free or register it.
//
// Two handles may alias: writes through a view mutate the owner's
// backing memory directly and are visible through the owner, and vice
// versa. Memory is never cleared on reuse, so a fresh handle's contents
// are undefined.
type Handle struct {
	ptr    uintptr
	bytes  int
	device int

	// View state. Both are nil on owning handles. A view keeps a real Go
	// reference to its parent, so the runtime collector cannot finalize
	// an owner while any view into it is reachable.
	parent *Handle
	owner  *Handle
	off    int

	// Owner-only lifecycle: one reference for the owning handle itself
	// plus one per live view. onZero fires exactly once at zero.
	refs   atomic.Int32
	onZero func()
}

// newOwner creates an owning handle with a single reference.
func newOwner(ptr uintptr, bytes, device int) *Handle {
	h := &Handle{ptr: ptr, bytes: bytes, device: device}
	h.refs.Store(1)
	return h
}

// Ptr returns the device address.
func (h *Handle) Ptr() uintptr { return h.ptr }

// Len returns the byte length.
func (h *Handle) Len() int { return h.bytes }

// Device returns the device id.
func (h *Handle) Device() int { return h.device }

// IsView reports whether h aliases another handle's memory.
func (h *Handle) IsView() bool { return h.owner != nil }

// Owner returns the owning handle backing h (h itself when owning).
func (h *Handle) Owner() *Handle {
	if h.owner != nil {
		return h.owner
	}
	return h
}

// Offset returns the view's byte offset from its owner (0 for owners).
func (h *Handle) Offset() int { return h.off }

// Key returns the SizeKey the handle's memory is pooled under.
func (h *Handle) Key() SizeKey {
	return SizeKey{Device: h.device, Bytes: h.bytes}
}

// Slice constructs a zero-copy view of length bytes starting at offset.
// The view contributes a reference to the owning handle for as long as
// it exists; slicing a view composes offsets and still roots at the
// owner.
func (h *Handle) Slice(offset, length int) (*Handle, error) {
	// Compare without offset+length, which overflows for huge offsets.
	if offset < 0 || length <= 0 || offset > h.bytes || length > h.bytes-offset {
		return nil, fmt.Errorf("slice at offset %d, length %d, of %d-byte handle: %w",
			offset, length, h.bytes, ErrOutOfBounds)
	}
	root := h.Owner()
	if !root.retain() {
		// The owner's release already fired; its pointer may sit in the
		// reuse registry. Refusing here keeps the no-premature-reuse
		// invariant intact.
		return nil, fmt.Errorf("slice of released handle: %w", ErrOutOfBounds)
	}
	return &Handle{
		ptr:    h.ptr + uintptr(offset),
		bytes:  length,
		device: h.device,
		parent: h,
		owner:  root,
		off:    h.off + offset,
	}, nil
}

// retain adds a reference unless the count already reached zero.
func (h *Handle) retain() bool {
	for {
		r := h.refs.Load()
		if r <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// release drops one reference. Exactly one caller observes zero, so the
// callback cannot fire twice.
func (h *Handle) release() {
	if h.refs.Add(-1) == 0 {
		if h.onZero != nil {
			h.onZero()
		}
	}
}

// dropRef is the counting bridge's entry point: a view drops the owner's
// reference, an owner drops its own.
func (h *Handle) dropRef() {
	h.Owner().release()
}

// setOnZero installs the release callback. Called once, before the
// handle escapes the allocator.
func (h *Handle) setOnZero(fn func()) {
	h.onZero = fn
}
