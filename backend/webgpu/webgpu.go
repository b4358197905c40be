// Copyright 2025 The Knet Go Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU device backend.
//
// Buffers are real GPU storage buffers created through go-webgpu's
// zero-CGO bindings; the allocator addresses them through synthetic
// stable pointers. Use IsAvailable to probe for a usable adapter before
// constructing the backend.
package webgpu

import (
	"github.com/moralesq/Knet-the-Julia-dope/devmem"
	internalwebgpu "github.com/moralesq/Knet-the-Julia-dope/internal/backend/webgpu"
)

// Backend allocates WebGPU storage buffers.
type Backend = internalwebgpu.Backend

// Compile-time check that Backend implements devmem.NativeBackend.
var _ devmem.NativeBackend = (*Backend)(nil)

// New creates a WebGPU backend on the system's preferred adapter.
//
// Example:
//
//	if webgpu.IsAvailable() {
//	    backend, err := webgpu.New()
//	    ...
//	    alloc := devmem.New(backend, nil)
//	}
func New() (*Backend, error) {
	return internalwebgpu.New()
}

// IsAvailable checks if WebGPU is available on the current system.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}
