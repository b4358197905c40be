package devmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Stats reports allocator activity. Hits versus NativeAllocs is the
// number that matters: in steady-state training loops almost every
// request should be a hit.
type Stats struct {
	Hits           uint64 // Requests served from the reuse registry.
	Misses         uint64 // Registry misses on first lookup.
	NativeAllocs   uint64 // Fresh device allocations.
	NativeFrees    uint64 // Pointers returned to the device.
	ForcedCollects uint64 // Reclamation passes requested.
	Drains         uint64 // Last-resort registry drains.
	Recycled       uint64 // Pointers parked for reuse.
	HeldBytes      uint64 // Bytes currently parked in the registry.
	LiveBytes      uint64 // Bytes held by live owning handles.
	PeakLiveBytes  uint64 // High-water mark of LiveBytes.
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithMaxBucket caps the pointers retained per SizeKey; overflow is
// freed natively instead of pooled. Zero (the default) is unbounded.
func WithMaxBucket(n int) Option {
	return func(a *Allocator) { a.maxBucket = n }
}

// Allocator hands out device memory, reusing retired pointers wherever
// possible. Allocation walks a strict four-tier ladder, each tier more
// expensive and more destructive of future reuse than the last:
//
//  1. pop a recycled pointer of the exact SizeKey
//  2. fresh native allocation
//  3. force a reclamation pass, re-check the registry
//  4. drain the device's registry back to the backend, one last native
//     attempt
//
// Exactly one attempt per tier. Only after all four fail does Alloc
// report ErrOutOfDeviceMemory.
type Allocator struct {
	backend   NativeBackend
	bridge    CollectorBridge
	registry  *ReuseRegistry
	maxBucket int

	closed atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// New creates an allocator over the given backend. A nil bridge selects
// the runtime-collector bridge (GCBridge).
func New(backend NativeBackend, bridge CollectorBridge, opts ...Option) *Allocator {
	if bridge == nil {
		bridge = NewGCBridge()
	}
	a := &Allocator{backend: backend, bridge: bridge}
	for _, opt := range opts {
		opt(a)
	}
	a.registry = NewReuseRegistry(a.maxBucket)
	return a
}

// Alloc returns an owning handle to bytes of device memory. The memory
// is uninitialized: recycled pointers are handed out verbatim.
//
// Alloc may block in tier 3 while the collector runs; there is no
// timeout and no cancellation. It fails with ErrInvalidDevice
// immediately, or with ErrOutOfDeviceMemory only after every tier has
// been exhausted.
func (a *Allocator) Alloc(device, bytes int) (*Handle, error) {
	if a.closed.Load() {
		return nil, fmt.Errorf("alloc on device %d: %w", device, ErrClosed)
	}
	if bytes <= 0 {
		return nil, fmt.Errorf("alloc %d bytes on device %d: %w", bytes, device, ErrOutOfBounds)
	}
	key := SizeKey{Device: device, Bytes: bytes}

	// Tier 1: recycled pointer of the exact size. The fast path.
	if ptr, ok := a.registry.Take(key); ok {
		a.mu.Lock()
		a.stats.Hits++
		a.mu.Unlock()
		return a.wrap(key, ptr), nil
	}
	a.mu.Lock()
	a.stats.Misses++
	a.mu.Unlock()

	// Tier 2: fresh native allocation.
	ptr, err := a.backend.RawAlloc(device, bytes)
	if err == nil {
		a.mu.Lock()
		a.stats.NativeAllocs++
		a.mu.Unlock()
		return a.wrap(key, ptr), nil
	}
	if errors.Is(err, ErrInvalidDevice) {
		return nil, err
	}

	// Tier 3: reclaimable memory may be sitting behind unreachable but
	// not yet finalized objects. Force a pass, then re-check the
	// registry once.
	a.mu.Lock()
	a.stats.ForcedCollects++
	a.mu.Unlock()
	if cerr := a.bridge.ForceCollect(); cerr != nil {
		// A faulting collector is indistinguishable from one that freed
		// nothing.
		return nil, fmt.Errorf("device %d: alloc %d bytes: forced collection failed (%v): %w",
			device, bytes, cerr, ErrOutOfDeviceMemory)
	}
	if ptr, ok := a.registry.Take(key); ok {
		a.mu.Lock()
		a.stats.Hits++
		a.mu.Unlock()
		return a.wrap(key, ptr), nil
	}

	// Tier 4: sacrifice every pending reuse opportunity on this device,
	// then one last native attempt.
	a.mu.Lock()
	a.stats.Drains++
	a.mu.Unlock()
	for _, p := range a.registry.Drain(device) {
		a.nativeFree(device, p)
	}
	ptr, err = a.backend.RawAlloc(device, bytes)
	if err == nil {
		a.mu.Lock()
		a.stats.NativeAllocs++
		a.mu.Unlock()
		return a.wrap(key, ptr), nil
	}
	if errors.Is(err, ErrInvalidDevice) {
		return nil, err
	}
	return nil, fmt.Errorf("device %d: alloc %d bytes after forced collection and pool drain: %w",
		device, bytes, ErrOutOfDeviceMemory)
}

// wrap builds the owning handle and registers its release with the
// bridge. The release closure captures only scalars: capturing the
// handle would keep it reachable and the finalizer would never fire.
func (a *Allocator) wrap(key SizeKey, ptr uintptr) *Handle {
	h := newOwner(ptr, key.Bytes, key.Device)
	device, bytes := key.Device, key.Bytes
	a.bridge.OnUnreachable(h, func() { a.recycle(device, bytes, ptr) })

	a.mu.Lock()
	a.stats.LiveBytes += uint64(bytes)
	if a.stats.LiveBytes > a.stats.PeakLiveBytes {
		a.stats.PeakLiveBytes = a.stats.LiveBytes
	}
	a.mu.Unlock()
	return h
}

// recycle is the release path: it runs exactly once per owning handle,
// when the collector decides no references remain. The pointer is
// parked for reuse rather than freed; only bucket overflow or a closed
// allocator sends it back to the device.
func (a *Allocator) recycle(device, bytes int, ptr uintptr) {
	a.mu.Lock()
	if a.stats.LiveBytes >= uint64(bytes) {
		a.stats.LiveBytes -= uint64(bytes)
	}
	a.mu.Unlock()

	if a.closed.Load() {
		a.nativeFree(device, ptr)
		return
	}
	if a.registry.Put(SizeKey{Device: device, Bytes: bytes}, ptr) {
		// Close may have drained between the closed check above and the
		// Put; sweep again so no pointer stays parked after shutdown.
		if a.closed.Load() {
			for _, p := range a.registry.Drain(device) {
				a.nativeFree(device, p)
			}
			return
		}
		a.mu.Lock()
		a.stats.Recycled++
		a.mu.Unlock()
		return
	}
	a.nativeFree(device, ptr)
}

// nativeFree returns a pointer to the backend. Free failures at
// finalization time have no caller to report to; they only show up in
// the counters.
func (a *Allocator) nativeFree(device int, ptr uintptr) {
	_ = a.backend.RawFree(device, ptr)
	a.mu.Lock()
	a.stats.NativeFrees++
	a.mu.Unlock()
}

// Close drains every device's registry back to the backend. Handles
// released after Close are freed natively. Idempotent.
func (a *Allocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	for device, ptrs := range a.registry.DrainAll() {
		for _, p := range ptrs {
			a.nativeFree(device, p)
		}
	}
	return nil
}

// Stats returns a snapshot of allocator activity.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	s := a.stats
	a.mu.Unlock()
	s.HeldBytes = uint64(a.registry.TotalHeldBytes())
	return s
}
