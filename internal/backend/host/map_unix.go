//go:build unix

package host

import "golang.org/x/sys/unix"

// mapRegion maps an anonymous read-write region outside the Go heap,
// standing in for device memory.
func mapRegion(bytes int) ([]byte, error) {
	return unix.Mmap(-1, 0, bytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapRegion(data []byte) error {
	return unix.Munmap(data)
}
