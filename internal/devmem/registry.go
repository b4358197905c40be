package devmem

import "sync"

// arena holds the retired pointers of a single device.
// Put/Take/Drain on the same arena are mutually exclusive, which is what
// makes a finalizer racing an in-flight allocation safe.
type arena struct {
	mu        sync.Mutex
	free      map[SizeKey][]uintptr
	heldBytes int
}

// ReuseRegistry maps SizeKey to retired device pointers available for
// reuse. Every pointer it holds is unreferenced by any live handle and
// safe to hand out verbatim (contents are not cleared).
//
// Locking is per device arena, so finalization on one device never
// contends with allocation on another.
type ReuseRegistry struct {
	mu     sync.RWMutex
	arenas map[int]*arena

	// maxBucket caps pointers kept per SizeKey; 0 means unbounded.
	maxBucket int
}

// NewReuseRegistry creates an empty registry.
// maxBucket limits pointers retained per SizeKey (0 = no limit).
func NewReuseRegistry(maxBucket int) *ReuseRegistry {
	return &ReuseRegistry{
		arenas:    make(map[int]*arena),
		maxBucket: maxBucket,
	}
}

// Put inserts a retired pointer for later reuse.
// Returns false when the bucket is at capacity; the caller must then
// release the pointer natively instead.
func (r *ReuseRegistry) Put(key SizeKey, ptr uintptr) bool {
	a := r.arenaFor(key.Device)

	a.mu.Lock()
	defer a.mu.Unlock()

	if r.maxBucket > 0 && len(a.free[key]) >= r.maxBucket {
		return false
	}
	a.free[key] = append(a.free[key], ptr)
	a.heldBytes += key.Bytes
	return true
}

// Take removes and returns any pointer of the given key.
// No ordering guarantee: pointers of equal key are interchangeable.
func (r *ReuseRegistry) Take(key SizeKey) (uintptr, bool) {
	r.mu.RLock()
	a := r.arenas[key.Device]
	r.mu.RUnlock()
	if a == nil {
		return 0, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	bucket := a.free[key]
	if len(bucket) == 0 {
		return 0, false
	}
	ptr := bucket[len(bucket)-1]
	a.free[key] = bucket[:len(bucket)-1]
	a.heldBytes -= key.Bytes
	return ptr, true
}

// Drain atomically removes and returns every pointer held for a device.
// Used by the allocator's last-resort tier and by shutdown.
func (r *ReuseRegistry) Drain(device int) []uintptr {
	r.mu.RLock()
	a := r.arenas[device]
	r.mu.RUnlock()
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var ptrs []uintptr
	for key, bucket := range a.free {
		ptrs = append(ptrs, bucket...)
		delete(a.free, key)
	}
	a.heldBytes = 0
	return ptrs
}

// DrainAll drains every device, returning pointers grouped by device id.
func (r *ReuseRegistry) DrainAll() map[int][]uintptr {
	r.mu.RLock()
	devices := make([]int, 0, len(r.arenas))
	for d := range r.arenas {
		devices = append(devices, d)
	}
	r.mu.RUnlock()

	out := make(map[int][]uintptr, len(devices))
	for _, d := range devices {
		if ptrs := r.Drain(d); len(ptrs) > 0 {
			out[d] = ptrs
		}
	}
	return out
}

// Len returns the number of pointers held for a device.
func (r *ReuseRegistry) Len(device int) int {
	r.mu.RLock()
	a := r.arenas[device]
	r.mu.RUnlock()
	if a == nil {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, bucket := range a.free {
		n += len(bucket)
	}
	return n
}

// HeldBytes returns the total bytes parked for a device.
func (r *ReuseRegistry) HeldBytes(device int) int {
	r.mu.RLock()
	a := r.arenas[device]
	r.mu.RUnlock()
	if a == nil {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heldBytes
}

// TotalHeldBytes returns bytes parked across all devices.
func (r *ReuseRegistry) TotalHeldBytes() int {
	r.mu.RLock()
	arenas := make([]*arena, 0, len(r.arenas))
	for _, a := range r.arenas {
		arenas = append(arenas, a)
	}
	r.mu.RUnlock()

	total := 0
	for _, a := range arenas {
		a.mu.Lock()
		total += a.heldBytes
		a.mu.Unlock()
	}
	return total
}

// arenaFor returns the arena for a device, creating it on first use.
func (r *ReuseRegistry) arenaFor(device int) *arena {
	r.mu.RLock()
	a := r.arenas[device]
	r.mu.RUnlock()
	if a != nil {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a = r.arenas[device]; a == nil {
		a = &arena{free: make(map[SizeKey][]uintptr)}
		r.arenas[device] = a
	}
	return a
}
