// Copyright 2025 The Knet Go Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package devmem

import (
	internal "github.com/moralesq/Knet-the-Julia-dope/internal/devmem"
)

// Allocator hands out device memory through a four-tier reuse ladder.
type Allocator = internal.Allocator

// Handle is the ownership unit wrapping a device pointer. Owning
// handles release their memory to the reuse registry when the collector
// finds them unreachable; views alias an owner without owning anything.
type Handle = internal.Handle

// SizeKey is the interchangeability key (device id, byte length) used
// to match retired pointers to requests.
type SizeKey = internal.SizeKey

// Stats reports allocator activity.
type Stats = internal.Stats

// NativeBackend is the raw device allocate/free primitive.
// Implementations live in backend/host and backend/webgpu.
type NativeBackend = internal.NativeBackend

// CollectorBridge connects the allocator to the reclamation mechanism.
type CollectorBridge = internal.CollectorBridge

// GCBridge drives release callbacks off the Go runtime's collector.
type GCBridge = internal.GCBridge

// CountingBridge is the deterministic reference-counted bridge for
// embedders (and tests) that report unreachability explicitly.
type CountingBridge = internal.CountingBridge

// Option configures an Allocator.
type Option = internal.Option

// Errors.
var (
	ErrOutOfDeviceMemory = internal.ErrOutOfDeviceMemory
	ErrOutOfBounds       = internal.ErrOutOfBounds
	ErrInvalidDevice     = internal.ErrInvalidDevice
	ErrClosed            = internal.ErrClosed
)

// New creates an allocator over the given backend. A nil bridge selects
// the runtime-collector bridge.
func New(backend NativeBackend, bridge CollectorBridge, opts ...Option) *Allocator {
	return internal.New(backend, bridge, opts...)
}

// NewGCBridge returns the runtime-collector bridge.
func NewGCBridge() *GCBridge {
	return internal.NewGCBridge()
}

// NewCountingBridge returns the deterministic reference-counted bridge.
func NewCountingBridge() *CountingBridge {
	return internal.NewCountingBridge()
}

// WithMaxBucket caps pointers retained per SizeKey (0 = unbounded).
func WithMaxBucket(n int) Option {
	return internal.WithMaxBucket(n)
}

// PointerOf returns a handle's device address (read-only introspection
// for the array, conversion, and kernel layers).
func PointerOf(h *Handle) uintptr {
	return h.Ptr()
}

// ByteLengthOf returns a handle's byte length.
func ByteLengthOf(h *Handle) int {
	return h.Len()
}

// DeviceOf returns a handle's device id.
func DeviceOf(h *Handle) int {
	return h.Device()
}

// Slice constructs a zero-copy view of h. Equivalent to h.Slice.
func Slice(h *Handle, offset, length int) (*Handle, error) {
	return h.Slice(offset, length)
}
