package cache

import "sync"

// DedupSet remembers recently processed keys up to a fixed capacity. When the
// set fills, the oldest half is dropped in one batch.
type DedupSet struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
	evicted  uint64
}

// NewDedupSet creates a set holding at most capacity keys.
func NewDedupSet(capacity int) *DedupSet {
	if capacity < 2 {
		capacity = 2
	}
	return &DedupSet{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Add records key and reports whether it was new. A false return means the
// key was already processed.
func (d *DedupSet) Add(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return false
	}
	if len(d.order) >= d.capacity {
		half := len(d.order) / 2
		for _, k := range d.order[:half] {
			delete(d.seen, k)
		}
		d.order = append(d.order[:0:0], d.order[half:]...)
		d.evicted += uint64(half)
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	return true
}

// Contains reports whether key is currently remembered.
func (d *DedupSet) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok
}

// Len returns the number of remembered keys.
func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// Evicted returns the total number of keys dropped by batch eviction.
func (d *DedupSet) Evicted() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evicted
}

// Reset forgets every key.
func (d *DedupSet) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{}, d.capacity)
	d.order = d.order[:0]
}
