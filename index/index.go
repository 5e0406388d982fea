// Package index keeps the in-process mirror of known descriptors, bucketed
// by the interfaces they implement.
package index

import (
	"sort"
	"sync"

	"github.com/hysios/catalog/descriptor"
)

// Index holds every known descriptor once in the global set and once in
// the bucket of each interface it implements. Both structures change
// together under one lock.
type Index struct {
	mu      sync.RWMutex
	all     map[string]*descriptor.Descriptor
	buckets map[string]map[string]*descriptor.Descriptor
}

func New() *Index {
	return &Index{
		all:     make(map[string]*descriptor.Descriptor),
		buckets: make(map[string]map[string]*descriptor.Descriptor),
	}
}

// Add inserts d and reports whether it was new. Adding a structurally equal
// descriptor keeps membership unchanged but stores d when it expires later
// than the present copy.
func (idx *Index) Add(d *descriptor.Descriptor) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := d.Key()
	if cur, ok := idx.all[key]; ok {
		if d.ExpiresAt().After(cur.ExpiresAt()) {
			idx.store(key, d)
		}
		return false
	}

	idx.store(key, d)
	return true
}

func (idx *Index) store(key string, d *descriptor.Descriptor) {
	idx.all[key] = d
	for _, name := range d.Interfaces() {
		bucket, ok := idx.buckets[name]
		if !ok {
			bucket = make(map[string]*descriptor.Descriptor)
			idx.buckets[name] = bucket
		}
		bucket[key] = d
	}
}

// Remove deletes d from the global set and every bucket and reports whether
// it was present.
func (idx *Index) Remove(d *descriptor.Descriptor) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := d.Key()
	cur, ok := idx.all[key]
	if !ok {
		return false
	}

	delete(idx.all, key)
	for _, name := range cur.Interfaces() {
		bucket := idx.buckets[name]
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(idx.buckets, name)
		}
	}
	return true
}

// Get returns the stored copy of a descriptor equal to d.
func (idx *Index) Get(d *descriptor.Descriptor) (*descriptor.Descriptor, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	cur, ok := idx.all[d.Key()]
	return cur, ok
}

func (idx *Index) Contains(d *descriptor.Descriptor) bool {
	_, ok := idx.Get(d)
	return ok
}

// ByInterface returns the descriptors implementing name, sorted by key.
// The result is never nil.
func (idx *Index) ByInterface(name string) []*descriptor.Descriptor {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return sorted(idx.buckets[name])
}

// All returns every descriptor, sorted by key.
func (idx *Index) All() []*descriptor.Descriptor {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return sorted(idx.all)
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.all)
}

// Interfaces returns the names of non-empty buckets.
func (idx *Index) Interfaces() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	names := make([]string, 0, len(idx.buckets))
	for name := range idx.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sorted(set map[string]*descriptor.Descriptor) []*descriptor.Descriptor {
	out := make([]*descriptor.Descriptor, 0, len(set))
	for _, d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}
