// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package hotpath implements the Hot Path Router: the routing
// of every incoming user I/O to the main device or a spare, at minimum
// latency. No allocation, logging, or synchronous metadata work is
// permitted on this path under normal operation.
package hotpath

import (
	"github.com/cobaltcore-dev/dm-remap/pkg/blockio"
	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/errorpath"
	"github.com/cobaltcore-dev/dm-remap/pkg/health"
	"github.com/cobaltcore-dev/dm-remap/pkg/remaptable"
)

// SpareDevice resolves a spare device index to its Device, used only when
// the Remap Table actually has an entry for the addressed sector.
type SpareDevice interface {
	DeviceFor(spareIndex uint16) (blockio.Device, uint64, bool) // device, per-spare sector base offset, ok
}

// Router dispatches reads and writes across the main device and the spare
// pool, consulting the Remap Table's ultra-fast path on every call.
type Router struct {
	main     blockio.Device
	table    *remaptable.Table
	spares   SpareDevice
	errors   *errorpath.Path
	counters *health.Counters

	quiesced func() bool
}

// New builds a Router. quiesced is polled once per request: a quiesced
// controller rejects new I/O with a transient error.
func New(main blockio.Device, table *remaptable.Table, spares SpareDevice, errors *errorpath.Path, counters *health.Counters, quiesced func() bool) *Router {
	return &Router{main: main, table: table, spares: spares, errors: errors, counters: counters, quiesced: quiesced}
}

// Completion is handed to callers who need to know when an async I/O this
// Router issued has finished.
type Completion func(outcome blockio.Outcome, err error)

// Read dispatches a read for the single sector lsa. The whole of buf goes to
// lsa's destination; a multi-sector buf is not split across sectors that
// map to different devices.
func (r *Router) Read(lsa uint64, buf []byte, done Completion) {
	r.dispatch(lsa, buf, false, done)
}

// Write dispatches a write for the single sector lsa.
func (r *Router) Write(lsa uint64, buf []byte, done Completion) {
	r.dispatch(lsa, buf, true, done)
}

func (r *Router) dispatch(lsa uint64, buf []byte, isWrite bool, done Completion) {
	if r.quiesced != nil && r.quiesced() {
		done(blockio.Outcome{}, dmerrors.ErrQuiesced)
		return
	}

	// Step 1: accounting.
	if isWrite {
		r.counters.IncWrites()
	} else {
		r.counters.IncReads()
	}

	// Step 2: ultra-fast path. Lookup itself performs the active_count
	// check; when it returns ok==false on an empty table this costs one
	// atomic load and nothing else.
	ssa, spareIndex, ok := r.table.Lookup(lsa)
	if !ok {
		r.dispatchMain(lsa, buf, isWrite, done)
		return
	}

	dev, base, found := r.spares.DeviceFor(spareIndex)
	if !found {
		// Spare index no longer resolvable (removed out from under a
		// stale lookup); treat as main-device miss rather than wedge the
		// request.
		r.dispatchMain(lsa, buf, isWrite, done)
		return
	}
	r.dispatchSpare(dev, base+ssa, lsa, buf, isWrite, spareIndex, done)
}

func (r *Router) dispatchMain(lsa uint64, buf []byte, isWrite bool, done Completion) {
	cb := func(outcome blockio.Outcome, ctx any) {
		if err := outcome.Err(); err != nil {
			if isWrite {
				r.counters.IncWriteErrors()
			} else {
				r.counters.IncReadErrors()
			}
			r.routeToErrorPath(lsa, buf, isWrite, false, done)
			return
		}
		done(outcome, nil)
	}
	if isWrite {
		r.main.WriteAsync(lsa, buf, cb, nil)
	} else {
		r.main.ReadAsync(lsa, buf, cb, nil)
	}
}

func (r *Router) dispatchSpare(dev blockio.Device, ssa, lsa uint64, buf []byte, isWrite bool, spareIndex uint16, done Completion) {
	cb := func(outcome blockio.Outcome, ctx any) {
		if err := outcome.Err(); err != nil {
			if isWrite {
				r.counters.IncWriteErrors()
			} else {
				r.counters.IncReadErrors()
			}
			r.routeToErrorPath(lsa, buf, isWrite, true, done)
			return
		}
		done(outcome, nil)
	}
	if isWrite {
		dev.WriteAsync(ssa, buf, cb, nil)
	} else {
		dev.ReadAsync(ssa, buf, cb, nil)
	}
}

// routeToErrorPath installs a completion hook that routes a failed I/O
// through the Error Path. This runs after the failing I/O has already
// completed with io_error, so it is deferred work, not hot-path work.
func (r *Router) routeToErrorPath(lsa uint64, buf []byte, isWrite, isSpareError bool, done Completion) {
	r.errors.Submit(errorpath.Job{
		LSA:          lsa,
		IsSpareError: isSpareError,
		Reissue: func(spareIndex uint16, ssa uint64) error {
			dev, base, found := r.spares.DeviceFor(spareIndex)
			if !found {
				return dmerrors.ErrInvalidArgument
			}
			var outcome blockio.Outcome
			var err error
			if isWrite {
				outcome, err = dev.WriteSync(base+ssa, buf)
			} else {
				outcome, err = dev.ReadSync(base+ssa, buf)
			}
			if err != nil {
				return err
			}
			return outcome.Err()
		},
		Done: func(err error) {
			done(blockio.Outcome{}, err)
		},
	})
}
