// Package cluster implements node registration, liveness, and
// role-aware consistent-hash rings, grounded on
// original_source/src/common/infra/cluster/mod.rs for the algorithm
// and registry/registry.go for the Go RWMutex-guarded-map shape.
package cluster

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// consistentHashPrime matches the original's CONSISTENT_HASH_PRIME,
// carried as a namespacing constant in the vnode key even though it
// has no cryptographic meaning here.
const consistentHashPrime = 16777619

// Ring is a sorted-slice consistent-hash ring. Go's sort.Search over a
// slice of {hash, node} gives the same lower-bound lookup the
// original's BTreeMap does, without pulling in a third-party ordered
// map for a handful of uint64 keys.
type Ring struct {
	mu    sync.RWMutex
	hashes []uint64
	owners map[uint64]string
}

func NewRing() *Ring {
	return &Ring{owners: make(map[uint64]string)}
}

func hashVnode(name string, i int) uint64 {
	key := strconv.Itoa(consistentHashPrime) + ":" + name + ":" + strconv.Itoa(i)
	return xxhash.Sum64String(key)
}

// Add inserts vnodes vnodeCount positions for name.
func (r *Ring) Add(name string, vnodeCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < vnodeCount; i++ {
		h := hashVnode(name, i)
		if _, exists := r.owners[h]; !exists {
			r.hashes = append(r.hashes, h)
		}
		r.owners[h] = name
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
}

// Remove deletes name's vnode positions.
func (r *Ring) Remove(name string, vnodeCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < vnodeCount; i++ {
		h := hashVnode(name, i)
		delete(r.owners, h)
	}
	kept := r.hashes[:0]
	for _, h := range r.hashes {
		if _, exists := r.owners[h]; exists {
			kept = append(kept, h)
		}
	}
	r.hashes = kept
}

// Lookup returns the node owning the first vnode whose hash is >=
// H(key), wrapping to the smallest vnode if none. Returns "", false
// for an empty ring.
func (r *Ring) Lookup(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.hashes) == 0 {
		return "", false
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.owners[r.hashes[idx]], true
}

// Len returns the vnode count currently held (used by tests to assert
// ring size == onlineNodes * V).
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hashes)
}

// LookupExcluding walks the ring starting at H(key), skipping any
// vnode owned by a name present in excluded — the ring-successor
// retry needed when the first-chosen executor is
// offline at dispatch time.
func (r *Ring) LookupExcluding(key string, excluded map[string]bool) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.hashes)
	if n == 0 {
		return "", false
	}
	h := xxhash.Sum64String(key)
	start := sort.Search(n, func(i int) bool { return r.hashes[i] >= h })
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		owner := r.owners[r.hashes[idx]]
		if !excluded[owner] {
			return owner, true
		}
	}
	return "", false
}
