// Package webgpu backs the device allocator with real GPU buffers.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU bindings.
package webgpu

import (
	"fmt"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/moralesq/Knet-the-Julia-dope/internal/devmem"
)

// Verify that Backend implements devmem.NativeBackend.
var _ devmem.NativeBackend = (*Backend)(nil)

// Storage buffers usable as copy source and destination, so kernel and
// conversion layers can move data without reallocating.
const bufferUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

// Synthetic addresses start above zero so a zero uintptr still reads as
// "no pointer". Each buffer owns a page-aligned range, keeping view
// offsets inside the buffer they belong to.
const addressBase = 0x10000

// Backend is a NativeBackend allocating WebGPU storage buffers.
//
// WebGPU never exposes raw device pointers, so RawAlloc hands back a
// synthetic stable address and keeps the address-to-buffer mapping here.
// Buffer resolves addresses for layers that submit GPU work.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	mu      sync.Mutex
	buffers map[uintptr]*wgpu.Buffer
	next    uintptr
}

// New creates a WebGPU backend on the system's preferred adapter.
// Returns an error if WebGPU is not available or initialization fails.
func New() (backend *Backend, err error) {
	// Recover from panic if the wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance, instanceErr := wgpu.CreateInstance(nil)
	if instanceErr != nil {
		return nil, fmt.Errorf("webgpu: failed to create instance: %w", instanceErr)
	}
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", adapterErr)
	}

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", deviceErr)
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}

	return &Backend{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    queue,
		buffers:  make(map[uintptr]*wgpu.Buffer),
		next:     addressBase,
	}, nil
}

// IsAvailable checks if WebGPU is available on this system.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return false
	}
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Devices reports one arena: a backend owns a single adapter. Multi-GPU
// setups run one Backend per adapter behind a mux.
func (b *Backend) Devices() int {
	return 1
}

// RawAlloc creates a storage buffer and returns its synthetic address.
func (b *Backend) RawAlloc(device, bytes int) (ptr uintptr, err error) {
	if device != 0 {
		return 0, fmt.Errorf("device %d (have 1): %w", device, devmem.ErrInvalidDevice)
	}
	if bytes <= 0 {
		return 0, fmt.Errorf("alloc %d bytes: %w", bytes, devmem.ErrOutOfBounds)
	}

	// wgpu_native reports allocation failure by panicking through the
	// error callback; fold that into the allocator's error taxonomy.
	defer func() {
		if r := recover(); r != nil {
			ptr = 0
			err = fmt.Errorf("webgpu: create buffer of %d bytes: %v: %w", bytes, r, devmem.ErrOutOfDeviceMemory)
		}
	}()

	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: bufferUsage,
		Size:  uint64(bytes),
	})
	if buffer == nil {
		return 0, fmt.Errorf("webgpu: create buffer of %d bytes: %w", bytes, devmem.ErrOutOfDeviceMemory)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ptr = b.next
	b.next += uintptr((bytes + 0xFFF) &^ 0xFFF)
	b.buffers[ptr] = buffer
	return ptr, nil
}

// RawFree releases the buffer behind a synthetic address.
func (b *Backend) RawFree(device int, ptr uintptr) error {
	if device != 0 {
		return fmt.Errorf("device %d (have 1): %w", device, devmem.ErrInvalidDevice)
	}

	b.mu.Lock()
	buffer, ok := b.buffers[ptr]
	if ok {
		delete(b.buffers, ptr)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("free of unknown pointer %#x", ptr)
	}
	buffer.Release()
	return nil
}

// Buffer resolves a handle's address back to its wgpu buffer, for
// layers that encode GPU work against allocator handles.
func (b *Backend) Buffer(ptr uintptr) (*wgpu.Buffer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buffer, ok := b.buffers[ptr]
	return buffer, ok
}

// Queue returns the device's default queue.
func (b *Backend) Queue() *wgpu.Queue {
	return b.queue
}

// Release frees every outstanding buffer and the device objects.
func (b *Backend) Release() {
	b.mu.Lock()
	for ptr, buffer := range b.buffers {
		buffer.Release()
		delete(b.buffers, ptr)
	}
	b.mu.Unlock()

	b.device.Release()
	b.adapter.Release()
	b.instance.Release()
}
