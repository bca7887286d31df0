// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package remaptable implements the Remap Table: the
// logical-sector -> spare-sector index consulted on every hot-path request.
//
// Lookup's ultra-fast path reads one atomic counter and returns without
// touching the bucket array whenever the table is empty. Buckets resize
// adaptively (power-of-two, load-factor driven) under a table-wide resize
// lock that never blocks a bucket it isn't currently swapping.
package remaptable

import (
	"sync"
	"sync/atomic"

	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/metadata"
)

const (
	initialBuckets = 64
	growLoadScaled = 150
	shrinkLoadScaled = 50
)

type node struct {
	entry metadata.RemapEntry
	next  *node
}

type bucket struct {
	mu   sync.RWMutex
	head *node
}

type ssaKey struct {
	spareIndex uint16
	ssa        uint64
}

// Table is safe for concurrent use. The zero value is not usable; call New.
type Table struct {
	activeCount atomic.Int64

	resizeMu sync.RWMutex // RLock held by ordinary ops, Lock held only while swapping buckets
	buckets  []*bucket

	ssaMu   sync.Mutex
	ssaSeen map[ssaKey]struct{}

	countHits bool

	// traversals instruments how many times lookup actually walked a
	// bucket chain, so tests can confirm the ultra-fast path never does.
	traversals atomic.Int64

	initial int
}

// Option configures a new Table.
type Option func(*Table)

// WithCountHits enables the advisory hit_count increment on lookup hits.
func WithCountHits() Option {
	return func(t *Table) { t.countHits = true }
}

// WithInitialBuckets overrides the default initial bucket count (must be a
// power of two); the construction-time initial hash size.
func WithInitialBuckets(n int) Option {
	return func(t *Table) {
		if n > 0 && n&(n-1) == 0 {
			t.initial = n
		}
	}
}

// New constructs an empty Remap Table.
func New(opts ...Option) *Table {
	t := &Table{ssaSeen: make(map[ssaKey]struct{})}
	for _, o := range opts {
		o(t)
	}
	if t.initial == 0 {
		t.initial = initialBuckets
	}
	t.buckets = newBuckets(t.initial)
	return t
}

func newBuckets(n int) []*bucket {
	b := make([]*bucket, n)
	for i := range b {
		b[i] = &bucket{}
	}
	return b
}

// mix64 is splitmix64's finalizer, used to spread lsa across buckets.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Lookup is the hot-path query. It must be called without
// holding any other lock.
func (t *Table) Lookup(lsa uint64) (ssa uint64, spareIndex uint16, ok bool) {
	if t.activeCount.Load() == 0 {
		return 0, 0, false
	}

	t.resizeMu.RLock()
	buckets := t.buckets
	idx := mix64(lsa) & uint64(len(buckets)-1)
	b := buckets[idx]
	t.resizeMu.RUnlock()

	b.mu.RLock()
	t.traversals.Add(1)
	for n := b.head; n != nil; n = n.next {
		if n.entry.LSA == lsa {
			ssa, spareIndex = n.entry.SSA, n.entry.SpareDeviceIndex
			ok = true
			break
		}
	}
	b.mu.RUnlock()

	if ok && t.countHits {
		t.bumpHitCount(lsa)
	}
	return ssa, spareIndex, ok
}

func (t *Table) bumpHitCount(lsa uint64) {
	t.resizeMu.RLock()
	buckets := t.buckets
	idx := mix64(lsa) & uint64(len(buckets)-1)
	b := buckets[idx]
	t.resizeMu.RUnlock()

	b.mu.Lock()
	for n := b.head; n != nil; n = n.next {
		if n.entry.LSA == lsa {
			n.entry.HitCount++
			break
		}
	}
	b.mu.Unlock()
}

// Insert adds a new entry, enforcing uniqueness on both lsa and
// (spareIndex, ssa). It returns dmerrors.ErrDuplicateRemap if either is
// already present.
func (t *Table) Insert(e metadata.RemapEntry) error {
	key := ssaKey{e.SpareDeviceIndex, e.SSA}

	t.ssaMu.Lock()
	if _, dup := t.ssaSeen[key]; dup {
		t.ssaMu.Unlock()
		return dmerrors.ErrDuplicateRemap
	}
	t.ssaSeen[key] = struct{}{}
	t.ssaMu.Unlock()

	t.resizeMu.RLock()
	buckets := t.buckets
	idx := mix64(e.LSA) & uint64(len(buckets)-1)
	b := buckets[idx]
	t.resizeMu.RUnlock()

	b.mu.Lock()
	for n := b.head; n != nil; n = n.next {
		if n.entry.LSA == e.LSA {
			b.mu.Unlock()
			t.ssaMu.Lock()
			delete(t.ssaSeen, key)
			t.ssaMu.Unlock()
			return dmerrors.ErrDuplicateRemap
		}
	}
	b.head = &node{entry: e, next: b.head}
	b.mu.Unlock()

	t.activeCount.Add(1)
	t.maybeResize()
	return nil
}

// Remove deletes an entry by lsa, returning it if present. Used only by
// operator commands and shutdown.
func (t *Table) Remove(lsa uint64) (metadata.RemapEntry, bool) {
	t.resizeMu.RLock()
	buckets := t.buckets
	idx := mix64(lsa) & uint64(len(buckets)-1)
	b := buckets[idx]
	t.resizeMu.RUnlock()

	b.mu.Lock()
	var prev *node
	for n := b.head; n != nil; n = n.next {
		if n.entry.LSA == lsa {
			if prev == nil {
				b.head = n.next
			} else {
				prev.next = n.next
			}
			b.mu.Unlock()

			t.ssaMu.Lock()
			delete(t.ssaSeen, ssaKey{n.entry.SpareDeviceIndex, n.entry.SSA})
			t.ssaMu.Unlock()

			t.activeCount.Add(-1)
			t.maybeResize()
			return n.entry, true
		}
		prev = n
	}
	b.mu.Unlock()
	return metadata.RemapEntry{}, false
}

// ForEach performs a snapshot iteration under a reader lock on each bucket,
// used by the Persistence Manager to clone table state.
func (t *Table) ForEach(fn func(metadata.RemapEntry)) {
	t.resizeMu.RLock()
	buckets := t.buckets
	t.resizeMu.RUnlock()

	for _, b := range buckets {
		b.mu.RLock()
		for n := b.head; n != nil; n = n.next {
			fn(n.entry)
		}
		b.mu.RUnlock()
	}
}

// ActiveCount returns the number of entries currently reachable.
func (t *Table) ActiveCount() int64 {
	return t.activeCount.Load()
}

// Traversals returns how many times Lookup walked a bucket chain; exposed
// for tests verifying the ultra-fast path.
func (t *Table) Traversals() int64 {
	return t.traversals.Load()
}

// BucketCount returns the current bucket array length.
func (t *Table) BucketCount() int {
	t.resizeMu.RLock()
	defer t.resizeMu.RUnlock()
	return len(t.buckets)
}

func (t *Table) maybeResize() {
	t.resizeMu.RLock()
	n := len(t.buckets)
	t.resizeMu.RUnlock()

	active := t.activeCount.Load()
	if active < 0 {
		active = 0
	}
	loadScaled := active * 100 / int64(n)

	switch {
	case loadScaled > growLoadScaled:
		t.resize(n * 2)
	case loadScaled < shrinkLoadScaled && n > initialBuckets:
		t.resize(n / 2)
	}
}

// resize rehashes every entry into a freshly sized bucket array. It holds
// the writer lock for the duration but never touches the allocator or I/O.
func (t *Table) resize(newSize int) {
	if newSize < initialBuckets {
		newSize = initialBuckets
	}

	t.resizeMu.Lock()
	defer t.resizeMu.Unlock()

	if newSize == len(t.buckets) {
		return
	}

	fresh := newBuckets(newSize)
	for _, b := range t.buckets {
		for n := b.head; n != nil; n = n.next {
			idx := mix64(n.entry.LSA) & uint64(newSize-1)
			fresh[idx].head = &node{entry: n.entry, next: fresh[idx].head}
		}
	}
	t.buckets = fresh
}
