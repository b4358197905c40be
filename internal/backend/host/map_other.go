//go:build !unix

package host

// Heap fallback for platforms without anonymous mappings. The regions
// map in Backend pins each slice, so addresses stay valid until free.
func mapRegion(bytes int) ([]byte, error) {
	return make([]byte, bytes), nil
}

func unmapRegion([]byte) error {
	return nil
}
