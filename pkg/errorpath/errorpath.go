// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package errorpath implements the Error Path / Auto-remap component: the
// deferred, off-hot-path decision of whether to install a remap after the
// Block I/O Adapter reports io_error on a user request.
package errorpath

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/cobaltcore-dev/dm-remap/pkg/blockio"
	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/eventbus"
	"github.com/cobaltcore-dev/dm-remap/pkg/health"
	"github.com/cobaltcore-dev/dm-remap/pkg/metadata"
	"github.com/cobaltcore-dev/dm-remap/pkg/remaptable"
	"github.com/cobaltcore-dev/dm-remap/pkg/sparepool"
)

// SpareAllocator is the subset of *sparepool.Pool the error path needs;
// named here so tests can substitute a fake exhausted pool.
type SpareAllocator interface {
	Allocate() (spareIndex uint16, ssa uint64, err error)
	Release(spareIndex uint16)
	Free(spareIndex uint16, ssa uint64)
}

// Job is one deferred unit of work: a failed user I/O that needs an
// auto-remap decision applied. IsSpareError reports whether the failing I/O
// was already against a remapped spare.
type Job struct {
	LSA          uint64
	IsSpareError bool
	Reissue      func(spareIndex uint16, ssa uint64) error
	Done         func(err error)
}

// Path runs Jobs on a single-producer work queue; it never touches the
// caller's goroutine beyond the channel send.
type Path struct {
	queue    chan Job
	table    *remaptable.Table
	pool     SpareAllocator
	counters *health.Counters
	bus      *eventbus.Bus

	autoRemap atomic.Bool

	done chan struct{}
}

// New builds a Path bound to table and pool, with auto-remap initially set
// per autoRemapDefault (a construction argument that defaults to enabled).
func New(table *remaptable.Table, pool SpareAllocator, counters *health.Counters, bus *eventbus.Bus, autoRemapDefault bool, queueDepth int) *Path {
	p := &Path{
		queue:    make(chan Job, queueDepth),
		table:    table,
		pool:     pool,
		counters: counters,
		bus:      bus,
		done:     make(chan struct{}),
	}
	p.autoRemap.Store(autoRemapDefault)
	return p
}

// Run drains the queue until Stop is called. Intended to run on its own
// goroutine, started once at Device Controller construction.
func (p *Path) Run() {
	for {
		select {
		case job := <-p.queue:
			p.handle(job)
		case <-p.done:
			for {
				select {
				case job := <-p.queue:
					p.handle(job)
				default:
					return
				}
			}
		}
	}
}

// Stop halts Run after any already-queued jobs drain.
func (p *Path) Stop() {
	close(p.done)
}

// SetAutoRemap toggles the auto-remap flag, driven by the set_auto_remap
// operator command.
func (p *Path) SetAutoRemap(enabled bool) {
	p.autoRemap.Store(enabled)
}

// AutoRemapEnabled reports the current flag value.
func (p *Path) AutoRemapEnabled() bool {
	return p.autoRemap.Load()
}

// Submit enqueues a failed user I/O for deferred handling; the initial
// detection happens on the hot path, everything after is deferred here. It
// must not block the hot path indefinitely; a full queue drops the newest
// job and fails it upward immediately, which is preferable to stalling I/O
// completion.
func (p *Path) Submit(job Job) {
	select {
	case p.queue <- job:
	default:
		job.Done(dmerrors.ErrIO)
	}
}

func (p *Path) handle(job Job) {
	if job.IsSpareError {
		// Step 2: error came from the spare device behind an existing
		// mapping. Do not remap again; fail upward.
		p.counters.IncSpareErrors()
		job.Done(dmerrors.ErrIO)
		return
	}

	if !p.autoRemap.Load() {
		// Step 3.
		job.Done(dmerrors.ErrIO)
		return
	}

	spareIndex, ssa, err := p.pool.Allocate()
	if err != nil {
		// Step 4.
		job.Done(dmerrors.ErrNoSpaceForRemap)
		return
	}

	entry := metadata.RemapEntry{
		LSA:              job.LSA,
		SSA:              ssa,
		SpareDeviceIndex: spareIndex,
		Flags:            metadata.FlagAuto,
	}
	if err := p.table.Insert(entry); err != nil {
		// Another thread raced an install for this lsa; free the
		// sector we just took rather than leaking it, and fail upward.
		p.pool.Free(spareIndex, ssa)
		job.Done(err)
		return
	}
	p.pool.Release(spareIndex) // ownership now tracked via the table entry
	p.counters.IncAutoRemaps()
	p.counters.IncRemapsInstalled()
	p.counters.IncAllocations()

	p.bus.Publish(eventbus.Event{
		Kind:       eventbus.EventRemapInstalled,
		LSA:        job.LSA,
		SSA:        ssa,
		SpareIndex: spareIndex,
		Auto:       true,
	})

	// Step 6-7: re-issue against the spare.
	if err := job.Reissue(spareIndex, ssa); err != nil {
		log.Warn().Uint64("lsa", job.LSA).Uint16("spare_index", spareIndex).Err(err).
			Msg("re-issue against spare failed; remap entry stays installed")
		job.Done(blockio.Outcome{Kind: blockio.IOError}.Err())
		return
	}
	job.Done(nil)
}
