package devmem

import "errors"

// Common errors.
var (
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrOutOfBounds       = errors.New("slice out of bounds")
	ErrInvalidDevice     = errors.New("invalid device id")
	ErrClosed            = errors.New("allocator closed")
)
