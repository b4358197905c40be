// Package devmem implements pooled device-memory allocation.
//
// Device allocation calls are orders of magnitude slower than host
// allocation, so instead of freeing a buffer when its handle dies, the
// allocator parks the pointer in a per-device reuse registry keyed by
// exact byte length. A later request of the same size on the same device
// gets the pointer back without touching the device API at all.
package devmem

import "fmt"

// SizeKey normalizes an allocation request to the granularity at which
// retired pointers are interchangeable: same device, same byte length.
// Pointers are never shared across device ids.
type SizeKey struct {
	Device int // Allocation arena.
	Bytes  int // Exact byte length, > 0.
}

// String returns a human-readable key for diagnostics.
func (k SizeKey) String() string {
	return fmt.Sprintf("dev%d/%dB", k.Device, k.Bytes)
}
