// Copyright 2025 The Knet Go Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package host provides the host-memory device backend.
//
// It simulates device arenas in ordinary memory with per-device byte
// budgets, which makes it the backend of choice for tests, CI, and
// development machines without a GPU.
package host

import (
	"github.com/moralesq/Knet-the-Julia-dope/devmem"
	internalhost "github.com/moralesq/Knet-the-Julia-dope/internal/backend/host"
)

// Backend simulates device arenas in host memory.
type Backend = internalhost.Backend

// Compile-time check that Backend implements devmem.NativeBackend.
var _ devmem.NativeBackend = (*Backend)(nil)

// New creates a backend with the given device count and per-device byte
// budget (0 = unlimited).
//
// Example:
//
//	backend := host.New(2, 1<<30) // two 1 GiB devices
//	alloc := devmem.New(backend, nil)
func New(devices, bytesPerDevice int) *Backend {
	return internalhost.New(devices, bytesPerDevice)
}
