// Package host simulates device arenas in host memory. It is the
// default backend for tests and the CLI: allocation goes through real
// memory mappings outside the Go heap, each device has a fixed byte
// budget, and exhaustion behaves like a full device.
package host

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/moralesq/Knet-the-Julia-dope/internal/devmem"
)

// Verify that Backend implements devmem.NativeBackend.
var _ devmem.NativeBackend = (*Backend)(nil)

// region tracks one live allocation. Mappings may be page-rounded, so
// the requested length is kept for budget accounting.
type region struct {
	data   []byte
	bytes  int
	device int
}

// Backend is a NativeBackend over per-device host-memory arenas.
type Backend struct {
	mu      sync.Mutex
	budget  int // Per-device byte budget; 0 means unlimited.
	used    []int
	regions map[uintptr]*region
}

// New creates a backend with the given device count and per-device
// byte budget (0 = unlimited).
func New(devices, bytesPerDevice int) *Backend {
	return &Backend{
		budget:  bytesPerDevice,
		used:    make([]int, devices),
		regions: make(map[uintptr]*region),
	}
}

// Devices returns the number of simulated devices.
func (b *Backend) Devices() int {
	return len(b.used)
}

// RawAlloc maps a fresh region and charges it against the device budget.
func (b *Backend) RawAlloc(device, bytes int) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if device < 0 || device >= len(b.used) {
		return 0, fmt.Errorf("device %d (have %d): %w", device, len(b.used), devmem.ErrInvalidDevice)
	}
	if bytes <= 0 {
		return 0, fmt.Errorf("alloc %d bytes: %w", bytes, devmem.ErrOutOfBounds)
	}
	if b.budget > 0 && b.used[device]+bytes > b.budget {
		return 0, fmt.Errorf("device %d: %d used of %d byte budget: %w",
			device, b.used[device], b.budget, devmem.ErrOutOfDeviceMemory)
	}

	data, err := mapRegion(bytes)
	if err != nil {
		return 0, fmt.Errorf("device %d: map %d bytes: %v: %w", device, bytes, err, devmem.ErrOutOfDeviceMemory)
	}
	ptr := uintptr(unsafe.Pointer(&data[0]))
	b.regions[ptr] = &region{data: data, bytes: bytes, device: device}
	b.used[device] += bytes
	return ptr, nil
}

// RawFree unmaps a region and refunds its budget.
func (b *Backend) RawFree(device int, ptr uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.regions[ptr]
	if !ok {
		return fmt.Errorf("free of unknown pointer %#x on device %d", ptr, device)
	}
	delete(b.regions, ptr)
	b.used[r.device] -= r.bytes
	return unmapRegion(r.data)
}

// Used returns the bytes currently charged to a device.
func (b *Backend) Used(device int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if device < 0 || device >= len(b.used) {
		return 0
	}
	return b.used[device]
}

// Bytes exposes n bytes of backing memory at ptr. The simulated device
// is host memory, so the array and conversion layers read and write it
// directly.
func (b *Backend) Bytes(ptr uintptr, n int) []byte {
	//nolint:gosec // unsafe.Slice for zero-copy access to arena memory
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
}

// Close unmaps every outstanding region.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for ptr, r := range b.regions {
		if err := unmapRegion(r.data); err != nil && firstErr == nil {
			firstErr = err
		}
		b.used[r.device] -= r.bytes
		delete(b.regions, ptr)
	}
	return firstErr
}
