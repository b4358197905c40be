package devmem

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probeBridge records ForceCollect calls on top of a CountingBridge.
type probeBridge struct {
	*CountingBridge
	collects int
}

func (p *probeBridge) ForceCollect() error {
	p.collects++
	return p.CountingBridge.ForceCollect()
}

// Allocate 96 bytes, mark the handle unreachable, allocate 96 bytes
// again: the second request must get the first pointer back, with a
// single native allocation across both.
func TestAllocReuseSameSize(t *testing.T) {
	mock := NewMockBackend(1, 0)
	bridge := NewCountingBridge()
	a := New(mock, bridge)

	ha, err := a.Alloc(0, 96)
	require.NoError(t, err)
	ptrA := ha.Ptr()

	bridge.MarkUnreachable(ha)

	hb, err := a.Alloc(0, 96)
	require.NoError(t, err)

	assert.Equal(t, ptrA, hb.Ptr(), "second allocation should reuse the retired pointer")
	assert.Equal(t, 1, mock.Allocs(), "native alloc should run exactly once across both requests")
	assert.Equal(t, 0, mock.Frees(), "nothing should be freed natively")

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.NativeAllocs)
	assert.Equal(t, uint64(1), stats.Recycled)
}

// Two live 1152-byte handles get distinct pointers; retiring one hands
// exactly that pointer to the next request and leaves the other alone.
func TestAllocDistinctThenReuse(t *testing.T) {
	mock := NewMockBackend(1, 0)
	bridge := NewCountingBridge()
	a := New(mock, bridge)

	x, err := a.Alloc(0, 1152)
	require.NoError(t, err)
	y, err := a.Alloc(0, 1152)
	require.NoError(t, err)

	ptrX, ptrY := x.Ptr(), y.Ptr()
	require.NotEqual(t, ptrX, ptrY, "live handles must not share pointers")

	bridge.MarkUnreachable(y)

	z, err := a.Alloc(0, 1152)
	require.NoError(t, err)

	assert.Equal(t, ptrY, z.Ptr(), "retired pointer should be reused")
	assert.Equal(t, ptrX, x.Ptr(), "live handle's pointer must be untouched")
	assert.Equal(t, 2, mock.Allocs())
}

// Given a registry miss and a native success, tiers 3 and 4 never run.
func TestTierOrdering(t *testing.T) {
	mock := NewMockBackend(1, 0)
	bridge := &probeBridge{CountingBridge: NewCountingBridge()}
	a := New(mock, bridge)

	_, err := a.Alloc(0, 512)
	require.NoError(t, err)

	assert.Zero(t, bridge.collects, "ForceCollect must not run when native allocation succeeds")
	stats := a.Stats()
	assert.Zero(t, stats.ForcedCollects)
	assert.Zero(t, stats.Drains)
}

// An exhausted arena whose memory hides behind a not-yet-finalized
// handle is rescued by the forced reclamation pass.
func TestForcedCollectRescue(t *testing.T) {
	mock := NewMockBackend(1, 96) // Room for exactly one allocation.
	bridge := NewCountingBridge()
	a := New(mock, bridge)

	ha, err := a.Alloc(0, 96)
	require.NoError(t, err)
	ptrA := ha.Ptr()

	// Unreachable, but the collector has not run yet.
	bridge.DeferUnreachable(ha)

	hb, err := a.Alloc(0, 96)
	require.NoError(t, err)

	assert.Equal(t, ptrA, hb.Ptr())
	assert.Equal(t, 1, mock.Allocs())
	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.ForcedCollects)
	assert.Equal(t, uint64(1), stats.Hits)
}

// When pooled memory of the wrong size blocks a fresh allocation, the
// drain tier sacrifices it to satisfy the request.
func TestDrainRescue(t *testing.T) {
	mock := NewMockBackend(1, 128)
	bridge := NewCountingBridge()
	a := New(mock, bridge)

	ha, err := a.Alloc(0, 64)
	require.NoError(t, err)
	bridge.MarkUnreachable(ha) // 64 bytes parked, arena still charged.

	hb, err := a.Alloc(0, 128)
	require.NoError(t, err)
	require.Equal(t, 128, hb.Len())

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.Drains)
	assert.Equal(t, uint64(2), stats.NativeAllocs)
	assert.Equal(t, uint64(1), stats.NativeFrees, "drained pointer goes back to the backend")
	assert.Zero(t, a.registry.Len(0))
}

// All four tiers exhausted: ErrOutOfDeviceMemory, and the drain tier
// leaves the registry empty.
func TestExhaustion(t *testing.T) {
	mock := NewMockBackend(1, 0)
	bridge := NewCountingBridge()
	a := New(mock, bridge)

	ha, err := a.Alloc(0, 64)
	require.NoError(t, err)
	bridge.MarkUnreachable(ha)

	mock.SetFailing(true)

	_, err = a.Alloc(0, 128)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfDeviceMemory)
	assert.Zero(t, a.registry.Len(0), "tier 4 must drain the registry")
}

func TestInvalidDeviceFailsFast(t *testing.T) {
	mock := NewMockBackend(2, 0)
	bridge := &probeBridge{CountingBridge: NewCountingBridge()}
	a := New(mock, bridge)

	_, err := a.Alloc(7, 64)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDevice)
	assert.Zero(t, bridge.collects, "invalid device must not trigger collection")
}

// A faulting collector is indistinguishable from one that freed nothing.
func TestForcedCollectFailure(t *testing.T) {
	mock := NewMockBackend(1, 0)
	bridge := NewCountingBridge()
	a := New(mock, bridge)

	mock.SetFailing(true)
	bridge.FailNextCollect(errors.New("collector fault"))

	_, err := a.Alloc(0, 64)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfDeviceMemory)
}

func TestAllocRejectsBadSizes(t *testing.T) {
	a := New(NewMockBackend(1, 0), NewCountingBridge())

	for _, bad := range []int{0, -8} {
		_, err := a.Alloc(0, bad)
		assert.ErrorIs(t, err, ErrOutOfBounds, "bytes = %d", bad)
	}
}

// Writes through a view are visible through the parent at the
// corresponding offset, and vice versa.
func TestViewAliasing(t *testing.T) {
	mock := NewMockBackend(1, 0)
	bridge := NewCountingBridge()
	a := New(mock, bridge)

	h, err := a.Alloc(0, 16)
	require.NoError(t, err)

	parent := mock.Bytes(h.Ptr(), h.Len())
	for i := range parent {
		parent[i] = byte(i)
	}

	v, err := h.Slice(4, 8)
	require.NoError(t, err)
	view := mock.Bytes(v.Ptr(), v.Len())

	require.True(t, bytes.Equal(view, parent[4:12]), "view should read the parent's bytes")

	view[0] = 0xEE
	assert.Equal(t, byte(0xEE), parent[4], "write through view visible through parent")

	parent[11] = 0xAA
	assert.Equal(t, byte(0xAA), view[7], "write through parent visible through view")
}

// A live view blocks reuse of its owner's pointer.
func TestViewBlocksReuse(t *testing.T) {
	mock := NewMockBackend(1, 0)
	bridge := NewCountingBridge()
	a := New(mock, bridge)

	ha, err := a.Alloc(0, 96)
	require.NoError(t, err)
	ptrA := ha.Ptr()

	v, err := ha.Slice(0, 32)
	require.NoError(t, err)

	bridge.MarkUnreachable(ha)
	require.Zero(t, a.registry.Len(0), "pointer must not be pooled while a view is live")

	hb, err := a.Alloc(0, 96)
	require.NoError(t, err)
	assert.NotEqual(t, ptrA, hb.Ptr(), "live view's memory must not be handed out")
	assert.Equal(t, 2, mock.Allocs())

	// The last view going away finally retires the pointer.
	bridge.MarkUnreachable(v)
	assert.Equal(t, 1, a.registry.Len(0))
}

func TestMaxBucketOverflowFreesNatively(t *testing.T) {
	mock := NewMockBackend(1, 0)
	bridge := NewCountingBridge()
	a := New(mock, bridge, WithMaxBucket(1))

	ha, err := a.Alloc(0, 64)
	require.NoError(t, err)
	hb, err := a.Alloc(0, 64)
	require.NoError(t, err)

	bridge.MarkUnreachable(ha)
	bridge.MarkUnreachable(hb)

	assert.Equal(t, 1, a.registry.Len(0))
	assert.Equal(t, 1, mock.Frees(), "bucket overflow should free natively")
}

func TestCloseDrainsAndRejects(t *testing.T) {
	mock := NewMockBackend(1, 0)
	bridge := NewCountingBridge()
	a := New(mock, bridge)

	ha, err := a.Alloc(0, 64)
	require.NoError(t, err)
	bridge.MarkUnreachable(ha)
	require.Equal(t, 1, a.registry.Len(0))

	require.NoError(t, a.Close())
	assert.Zero(t, a.registry.Len(0))
	assert.Equal(t, 1, mock.Frees())
	assert.Zero(t, mock.Outstanding())

	_, err = a.Alloc(0, 64)
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, a.Close(), "Close is idempotent")
}

// Releases after Close bypass the registry and free natively.
func TestReleaseAfterClose(t *testing.T) {
	mock := NewMockBackend(1, 0)
	bridge := NewCountingBridge()
	a := New(mock, bridge)

	ha, err := a.Alloc(0, 64)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	bridge.MarkUnreachable(ha)

	assert.Zero(t, a.registry.Len(0))
	assert.Zero(t, mock.Outstanding())
}

// A release racing Close must never leave a pointer parked in the
// registry: whichever side runs last sweeps it back to the backend.
func TestCloseRacingRelease(t *testing.T) {
	for i := 0; i < 200; i++ {
		mock := NewMockBackend(1, 0)
		bridge := NewCountingBridge()
		a := New(mock, bridge)

		h, err := a.Alloc(0, 64)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			bridge.MarkUnreachable(h)
		}()
		go func() {
			defer wg.Done()
			_ = a.Close()
		}()
		wg.Wait()

		require.Zero(t, a.registry.Len(0), "no pointer may stay parked after Close")
		require.Zero(t, mock.Outstanding(), "every pointer must be returned natively")
	}
}

// Finalization racing in-flight allocations: every pointer goes to
// exactly one caller at a time.
func TestConcurrentAllocRelease(t *testing.T) {
	mock := NewMockBackend(1, 0)
	bridge := NewCountingBridge()
	a := New(mock, bridge)

	var mu sync.Mutex
	live := make(map[uintptr]bool)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h, err := a.Alloc(0, 4096)
				if err != nil {
					t.Errorf("Alloc: %v", err)
					return
				}

				mu.Lock()
				if live[h.Ptr()] {
					t.Errorf("pointer %#x handed to two live handles", h.Ptr())
				}
				live[h.Ptr()] = true
				mu.Unlock()

				mu.Lock()
				delete(live, h.Ptr())
				mu.Unlock()
				bridge.MarkUnreachable(h)
			}
		}()
	}
	wg.Wait()

	stats := a.Stats()
	assert.Equal(t, stats.Hits+stats.NativeAllocs, uint64(8*200))
}
