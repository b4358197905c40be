package devmem

import (
	"runtime"
	"sync"
)

// CollectorBridge connects the allocator to whatever decides that an
// owning handle is no longer referenced. The allocator does not control
// reclamation timing: the callback registered via OnUnreachable may be
// delayed indefinitely, which is why Alloc has its forced-collection and
// drain tiers.
type CollectorBridge interface {
	// OnUnreachable arranges for release to run exactly once when the
	// owning handle h becomes unreachable. Never called for views.
	OnUnreachable(h *Handle, release func())

	// ForceCollect synchronously requests an immediate reclamation pass.
	// Possibly expensive; the allocator invokes it only after a fresh
	// native allocation has already failed.
	ForceCollect() error
}

// GCBridge drives release callbacks off the Go runtime's collector.
// A live view holds a Go reference to its owner, so the owner's
// finalizer cannot run while any view is reachable.
type GCBridge struct{}

// NewGCBridge returns the runtime-collector bridge.
func NewGCBridge() *GCBridge {
	return &GCBridge{}
}

// OnUnreachable installs a finalizer firing release when h is collected.
// The release closure must not capture h, or h stays reachable forever.
func (g *GCBridge) OnUnreachable(h *Handle, release func()) {
	runtime.SetFinalizer(h, func(*Handle) { release() })
}

// ForceCollect runs two collection cycles, yielding in between so the
// finalizer goroutine gets scheduled. The runtime offers no way to wait
// for finalizer completion; this is best effort, and the allocator's
// drain tier covers the remainder.
func (g *GCBridge) ForceCollect() error {
	runtime.GC()
	runtime.Gosched()
	runtime.GC()
	runtime.Gosched()
	return nil
}

// CountingBridge is the deterministic substitute for hosts without a
// finalizing collector: the embedder reports unreachability explicitly
// and the reference count decides when release fires. Used throughout
// the tests, where collector timing must be controlled.
type CountingBridge struct {
	mu      sync.Mutex
	pending []*Handle
	err     error
}

// NewCountingBridge returns an empty deterministic bridge.
func NewCountingBridge() *CountingBridge {
	return &CountingBridge{}
}

// OnUnreachable wires the release callback into the handle's reference
// count; it fires the instant the count reaches zero.
func (c *CountingBridge) OnUnreachable(h *Handle, release func()) {
	h.setOnZero(release)
}

// MarkUnreachable reports that a handle's last reference is gone. For a
// view this drops one reference from its owner; the owner's release
// fires only when the owner and every view have been marked.
func (c *CountingBridge) MarkUnreachable(h *Handle) {
	h.dropRef()
}

// DeferUnreachable queues the drop until the next ForceCollect, modeling
// an object that is unreachable but not yet finalized.
func (c *CountingBridge) DeferUnreachable(h *Handle) {
	c.mu.Lock()
	c.pending = append(c.pending, h)
	c.mu.Unlock()
}

// FailNextCollect makes the next ForceCollect return err, modeling a
// faulting collector.
func (c *CountingBridge) FailNextCollect(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// ForceCollect flushes every deferred drop.
func (c *CountingBridge) ForceCollect() error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	err := c.err
	c.err = nil
	c.mu.Unlock()

	if err != nil {
		return err
	}
	for _, h := range pending {
		h.dropRef()
	}
	return nil
}
