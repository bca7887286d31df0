// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package sparepool implements the Spare Pool Manager: an
// ordered collection of spare devices, each with its own allocator and
// placement plan, offering first-fit allocation across the pool.
package sparepool

import (
	"fmt"
	"sync"

	"github.com/cobaltcore-dev/dm-remap/pkg/allocator"
	"github.com/cobaltcore-dev/dm-remap/pkg/blockio"
	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/metadata"
	"github.com/cobaltcore-dev/dm-remap/pkg/placement"
)

// MaxSpares bounds the pool length.
const MaxSpares = 16

// Spare is one entry in the pool: a device, its allocator, and the
// placement plan chosen for it at add time.
type Spare struct {
	Descriptor metadata.SpareDescriptor
	Device     blockio.Device
	Allocator  *allocator.Allocator
	Plan       placement.Plan

	// referenced tracks how many live Remap Table entries point at this
	// spare, so Remove can refuse a device that is still in use.
	referenced int
}

// Pool is safe for concurrent use. The zero value is not usable; call New.
type Pool struct {
	mu     sync.Mutex
	spares []*Spare
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{}
}

// Add validates capacity against the Placement Planner's minimum, computes
// and pre-reserves its metadata regions, and appends the spare to the pool
// in insertion order.
func (p *Pool) Add(dev blockio.Device, desc metadata.SpareDescriptor, recordImageBytes int) (index int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.spares) >= MaxSpares {
		return 0, fmt.Errorf("%w: spare pool full (max %d)", dmerrors.ErrInvalidArgument, MaxSpares)
	}

	plan, err := placement.Compute(desc.CapacitySectors, recordImageBytes, dev.SectorSizeBytes())
	if err != nil {
		return 0, err
	}

	alloc, err := allocator.New(desc.CapacitySectors, plan.Regions)
	if err != nil {
		return 0, err
	}

	p.spares = append(p.spares, &Spare{
		Descriptor: desc,
		Device:     dev,
		Allocator:  alloc,
		Plan:       plan,
	})
	return len(p.spares) - 1, nil
}

// Remove deletes the spare at index, refusing with dmerrors.ErrSpareInUse if
// any Remap Entry still references it. The pool never shrinks below one
// descriptor while attached.
func (p *Pool) Remove(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.spares) {
		return fmt.Errorf("%w: spare index %d out of range", dmerrors.ErrInvalidArgument, index)
	}
	if len(p.spares) == 1 {
		return fmt.Errorf("%w: cannot remove the last spare while attached", dmerrors.ErrInvalidArgument)
	}
	if p.spares[index].referenced > 0 {
		return dmerrors.ErrSpareInUse
	}
	p.spares = append(p.spares[:index], p.spares[index+1:]...)
	return nil
}

// Allocate walks the pool in insertion order, returning the first spare with
// a free sector. It increments that spare's reference count so a concurrent
// Remove sees the reservation immediately. Callers call Release once the
// sector is installed into the Remap Table, or Free if the install is
// rejected.
func (p *Pool) Allocate() (spareIndex uint16, ssa uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.spares {
		ssa, err := s.Allocator.Allocate()
		if err == nil {
			s.referenced++
			return uint16(i), ssa, nil
		}
	}
	return 0, 0, dmerrors.ErrAllocatorExhausted
}

// Release decrements the reference count for spareIndex without freeing the
// underlying sector, used when an allocated sector was installed into the
// Remap Table and its reference is now tracked there instead.
func (p *Pool) Release(spareIndex uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(spareIndex) < len(p.spares) {
		p.spares[spareIndex].referenced--
	}
}

// Free releases spareIndex's reference count and clears ssa's allocator
// bit, returning the sector to the free pool. Used both when an Allocate'd
// sector loses a race to install (a rejected duplicate remap) and when an
// installed entry is removed from the Remap Table, so neither path leaks a
// sector that is no longer referenced by anything.
func (p *Pool) Free(spareIndex uint16, ssa uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(spareIndex) >= len(p.spares) {
		return
	}
	s := p.spares[spareIndex]
	if s.referenced > 0 {
		s.referenced--
	}
	s.Allocator.Free(ssa)
}

// Reference increments the in-use count for spareIndex, called when a
// recovered or manually installed entry is attributed to it.
func (p *Pool) Reference(spareIndex uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(spareIndex) < len(p.spares) {
		p.spares[spareIndex].referenced++
	}
}

// Dereference decrements the in-use count for spareIndex, called when an
// entry referencing it is removed from the Remap Table.
func (p *Pool) Dereference(spareIndex uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(spareIndex) < len(p.spares) && p.spares[spareIndex].referenced > 0 {
		p.spares[spareIndex].referenced--
	}
}

// Get returns the spare at index, or false if out of range.
func (p *Pool) Get(index uint16) (*Spare, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(index) >= len(p.spares) {
		return nil, false
	}
	return p.spares[index], true
}

// Len returns the number of spares currently in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.spares)
}

// Descriptors returns the persisted shape of every spare in insertion
// order: each spare's size and UUID, as stored in the metadata record body.
func (p *Pool) Descriptors() []metadata.SpareDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]metadata.SpareDescriptor, len(p.spares))
	for i, s := range p.spares {
		out[i] = s.Descriptor
	}
	return out
}

// TotalCapacity sums capacity across every spare, for scan/stats reporting.
func (p *Pool) TotalCapacity() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, s := range p.spares {
		total += s.Allocator.CapacitySectors()
	}
	return total
}

// TotalUsed sums used sectors across every spare.
func (p *Pool) TotalUsed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, s := range p.spares {
		total += s.Allocator.UsedSectors()
	}
	return total
}

// LargestFreeRunOnLeastFreeSpare reports the longest contiguous run of free
// sectors on whichever spare currently has the least free capacity, the
// fragmentation figure surfaced by scan.
func (p *Pool) LargestFreeRunOnLeastFreeSpare() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var leastFree uint64 = ^uint64(0)
	var run uint64
	found := false
	for _, s := range p.spares {
		free := s.Allocator.FreeSectors()
		if !found || free < leastFree {
			leastFree = free
			run = s.Allocator.LargestFreeRun()
			found = true
		}
	}
	return run
}
