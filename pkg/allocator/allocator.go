// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package allocator implements the Spare Allocator: a
// single-writer bitmap of free/used sectors on one spare device, with
// pre-reserved regions carved out for metadata placement.
package allocator

import (
	"fmt"
	"sync"

	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/placement"
)

const wordBits = 64

// Allocator tracks allocation state for one spare device. The hot path never
// touches it; only the error path and operator commands do.
type Allocator struct {
	mu              sync.Mutex
	capacitySectors uint64
	words           []uint64
	used            uint64 // bits set, including reserved regions
	nextHint        uint64 // lowest sector that might still be free
}

// New builds an allocator for capacitySectors sectors, with the given
// regions pre-reserved (e.g. the Placement Planner's metadata regions).
func New(capacitySectors uint64, reserved []placement.Region) (*Allocator, error) {
	if capacitySectors == 0 {
		return nil, fmt.Errorf("%w: zero capacity", dmerrors.ErrInvalidArgument)
	}
	a := &Allocator{
		capacitySectors: capacitySectors,
		words:           make([]uint64, (capacitySectors+wordBits-1)/wordBits),
	}
	for _, r := range reserved {
		for s := r.Offset; s < r.Offset+r.LengthSectors; s++ {
			if s >= capacitySectors {
				return nil, fmt.Errorf("%w: reserved region exceeds capacity", dmerrors.ErrInvalidArgument)
			}
			a.setLocked(s)
		}
	}
	return a, nil
}

func (a *Allocator) setLocked(s uint64) {
	w, b := s/wordBits, s%wordBits
	mask := uint64(1) << b
	if a.words[w]&mask == 0 {
		a.words[w] |= mask
		a.used++
	}
}

func (a *Allocator) clearLocked(s uint64) {
	w, b := s/wordBits, s%wordBits
	mask := uint64(1) << b
	if a.words[w]&mask != 0 {
		a.words[w] &^= mask
		a.used--
	}
}

func (a *Allocator) testLocked(s uint64) bool {
	w, b := s/wordBits, s%wordBits
	return a.words[w]&(uint64(1)<<b) != 0
}

// Allocate returns the lowest-index clear bit, sets it, and returns it. On
// exhaustion it returns dmerrors.ErrAllocatorExhausted.
func (a *Allocator) Allocate() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for s := a.nextHint; s < a.capacitySectors; s++ {
		if !a.testLocked(s) {
			a.setLocked(s)
			a.nextHint = s + 1
			return s, nil
		}
	}
	// The hint may have skipped sectors freed behind it (Restore/Free); do
	// a full scan before declaring exhaustion.
	for s := uint64(0); s < a.nextHint; s++ {
		if !a.testLocked(s) {
			a.setLocked(s)
			a.nextHint = s + 1
			return s, nil
		}
	}
	return 0, dmerrors.ErrAllocatorExhausted
}

// Free clears a previously allocated bit and moves the allocation hint back
// to it if it lies below the hint. sparepool.Pool.Free calls it while the
// device is attached.
func (a *Allocator) Free(ssa uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearLocked(ssa)
	if ssa < a.nextHint {
		a.nextHint = ssa
	}
}

// Restore marks ssa allocated without going through Allocate, used to
// repopulate allocator state from a recovered Remap Table at attach time.
func (a *Allocator) Restore(ssa uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ssa >= a.capacitySectors {
		return fmt.Errorf("%w: ssa %d out of range", dmerrors.ErrInvalidArgument, ssa)
	}
	a.setLocked(ssa)
	return nil
}

// Test reports whether ssa is currently allocated (used by invariant
// checking and tests).
func (a *Allocator) Test(ssa uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.testLocked(ssa)
}

// UsedSectors returns the number of allocated bits.
func (a *Allocator) UsedSectors() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// CapacitySectors returns the device's total sector count.
func (a *Allocator) CapacitySectors() uint64 {
	return a.capacitySectors
}

// FreeSectors returns capacity minus used (for scan/stats reporting).
func (a *Allocator) FreeSectors() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacitySectors - a.used
}

// LargestFreeRun returns the length in sectors of the longest contiguous
// run of clear bits, for scan's fragmentation summary.
func (a *Allocator) LargestFreeRun() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var longest, current uint64
	for s := uint64(0); s < a.capacitySectors; s++ {
		if a.testLocked(s) {
			current = 0
			continue
		}
		current++
		if current > longest {
			longest = current
		}
	}
	return longest
}
