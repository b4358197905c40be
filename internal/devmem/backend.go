package devmem

// NativeBackend is the raw device-allocation primitive the allocator
// drives. Calls are safe to issue concurrently but individually
// expensive; the allocator never batches them.
//
// Implementations:
//   - backend/host: simulated device arenas in host memory
//   - backend/webgpu: real device buffers via WebGPU
type NativeBackend interface {
	// RawAlloc allocates bytes fresh on a device and returns its address.
	// Fails with ErrInvalidDevice for unknown devices and with
	// ErrOutOfDeviceMemory when the arena is exhausted.
	RawAlloc(device, bytes int) (uintptr, error)

	// RawFree returns memory obtained from RawAlloc to the device.
	RawFree(device int, ptr uintptr) error

	// Devices reports how many device arenas the backend exposes.
	Devices() int
}
