// Copyright 2025 The Knet Go Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package devmem provides the public API for pooled device-memory
// allocation.
//
// Device allocation is orders of magnitude more expensive than host
// allocation. The allocator amortizes it by parking retired pointers in
// a per-device registry keyed by exact byte length, handing them back
// for later same-sized requests instead of calling the device again.
// Workloads that allocate the same shapes every step (gradient and
// activation buffers in a training loop) converge on zero native calls.
//
// Allocation walks four tiers, each only on the prior tier's miss:
// recycled pointer, fresh native allocation, forced reclamation pass,
// full registry drain. Only then does it fail.
//
// Example:
//
//	backend := host.New(1, 1<<30)
//	alloc := devmem.New(backend, nil) // nil bridge = runtime collector
//
//	h, err := alloc.Alloc(0, 4096)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	view, err := h.Slice(1024, 512) // zero-copy alias into h
//
// Handles are reclaimed by the collector bridge, not by explicit free:
// when an owning handle becomes unreachable its pointer moves to the
// reuse registry. A view counts as a reference against its owner, so
// aliased memory is never recycled early.
package devmem
