package devmem

import (
	"fmt"
	"sync"
	"unsafe"
)

// Verify that MockBackend implements NativeBackend.
var _ NativeBackend = (*MockBackend)(nil)

// MockBackend is a NativeBackend for testing. Arenas are plain host
// memory, so tests can observe aliasing through the returned addresses,
// and every RawAlloc/RawFree is counted. Not for production use.
type MockBackend struct {
	mu sync.Mutex

	devices  int
	capacity int // Per-device byte budget; 0 means unlimited.
	failing  bool

	used    map[int]int
	regions map[uintptr][]byte

	allocs int
	frees  int
}

// NewMockBackend creates a mock with the given device count and
// per-device byte budget (0 = unlimited).
func NewMockBackend(devices, capacity int) *MockBackend {
	return &MockBackend{
		devices:  devices,
		capacity: capacity,
		used:     make(map[int]int),
		regions:  make(map[uintptr][]byte),
	}
}

// Devices returns the configured device count.
func (m *MockBackend) Devices() int {
	return m.devices
}

// SetFailing forces every subsequent RawAlloc to fail with
// ErrOutOfDeviceMemory, regardless of budget.
func (m *MockBackend) SetFailing(failing bool) {
	m.mu.Lock()
	m.failing = failing
	m.mu.Unlock()
}

// RawAlloc allocates a host-memory region standing in for device memory.
func (m *MockBackend) RawAlloc(device, bytes int) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if device < 0 || device >= m.devices {
		return 0, fmt.Errorf("device %d (have %d): %w", device, m.devices, ErrInvalidDevice)
	}
	if bytes <= 0 {
		return 0, fmt.Errorf("alloc %d bytes: %w", bytes, ErrOutOfBounds)
	}
	if m.failing {
		return 0, fmt.Errorf("mock arena failing: %w", ErrOutOfDeviceMemory)
	}
	if m.capacity > 0 && m.used[device]+bytes > m.capacity {
		return 0, fmt.Errorf("mock arena on device %d: %d used of %d: %w",
			device, m.used[device], m.capacity, ErrOutOfDeviceMemory)
	}

	// The map entry pins the region, so the address stays valid until
	// RawFree.
	region := make([]byte, bytes)
	ptr := uintptr(unsafe.Pointer(&region[0]))
	m.regions[ptr] = region
	m.used[device] += bytes
	m.allocs++
	return ptr, nil
}

// RawFree releases a region. Unknown pointers (including double frees)
// are an error so tests catch release-path bugs.
func (m *MockBackend) RawFree(device int, ptr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	region, ok := m.regions[ptr]
	if !ok {
		return fmt.Errorf("free of unknown pointer %#x on device %d", ptr, device)
	}
	delete(m.regions, ptr)
	m.used[device] -= len(region)
	m.frees++
	return nil
}

// Allocs returns the number of RawAlloc calls that succeeded.
func (m *MockBackend) Allocs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocs
}

// Frees returns the number of successful RawFree calls.
func (m *MockBackend) Frees() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frees
}

// Outstanding returns the number of regions not yet freed.
func (m *MockBackend) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

// Bytes exposes n bytes of backing memory at ptr for aliasing checks.
func (m *MockBackend) Bytes(ptr uintptr, n int) []byte {
	//nolint:gosec // unsafe.Slice for zero-copy access to mock arena memory
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
}
