// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package persistence implements the Persistence Manager: the
// flush and attach/recovery protocol that keeps the Remap Table and Spare
// Pool durable across the on-disk metadata format in pkg/codec.
package persistence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cobaltcore-dev/dm-remap/pkg/blockio"
	"github.com/cobaltcore-dev/dm-remap/pkg/codec"
	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/metadata"
)

// DirtyState is the Persistence Manager's state machine.
type DirtyState int32

const (
	StateClean DirtyState = iota
	StateDirty
	StateFlushing
)

func (s DirtyState) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateFlushing:
		return "flushing"
	default:
		return "dirty"
	}
}

// Source supplies the data a flush serializes. The caller (normally the
// Device Controller) implements this over its Remap Table and Spare Pool.
type Source interface {
	// CloneRecord returns a fresh in-memory record reflecting the current
	// Remap Table and Spare Pool state, with Header fields other than the
	// sequence number and timestamps left for the Persistence Manager to
	// fill in.
	CloneRecord() *metadata.Record
}

// CopyTarget is one spare-device-relative offset a metadata copy is written
// to and read from.
type CopyTarget struct {
	Device blockio.Device
	Offset uint64 // sectors
}

// Manager drives the flush and attach protocol against a fixed set of copy
// targets (normally the offsets the Placement Planner chose for a spare, or
// the union across several spares in a richer deployment).
type Manager struct {
	source  Source
	targets []CopyTarget

	seq atomic.Uint64

	mu      sync.Mutex // serializes flush/attach; only one flush in flight
	state   atomic.Int32
	pending atomic.Bool // a mutation happened during an in-flight flush

	intervalSecs atomic.Int64
	timerActive  atomic.Bool
	stopTimer    chan struct{}
	timerWG      sync.WaitGroup

	flushesOK        atomic.Uint64
	flushesAttempted atomic.Uint64

	mirrorMu sync.Mutex
	mirror   *S3Mirror
}

// New builds a Manager over targets with the periodic flush disabled.
func New(source Source, targets []CopyTarget) *Manager {
	return &Manager{source: source, targets: targets}
}

// SetSource attaches the record source after construction, for callers that
// build the Manager before the object supplying CloneRecord exists yet.
func (m *Manager) SetSource(source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = source
}

// SetS3Mirror attaches an optional off-box mirror; every future successful
// Flush ships the winning record to it in addition to the spare-device
// copies. Pass nil to disable mirroring.
func (m *Manager) SetS3Mirror(mirror *S3Mirror) {
	m.mirrorMu.Lock()
	defer m.mirrorMu.Unlock()
	m.mirror = mirror
}

// AddTargets appends copy targets, used when add_spare extends the pool
// with additional spares after construction.
func (m *Manager) AddTargets(targets ...CopyTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, targets...)
}

// MarkDirty transitions clean->dirty, or records a pending flush if one is
// already in flight so a mutation made mid-flush is not lost.
func (m *Manager) MarkDirty() {
	for {
		cur := DirtyState(m.state.Load())
		switch cur {
		case StateClean:
			if m.state.CompareAndSwap(int32(StateClean), int32(StateDirty)) {
				return
			}
		case StateFlushing:
			m.pending.Store(true)
			return
		default:
			return
		}
	}
}

// State returns the current dirty-flag state.
func (m *Manager) State() DirtyState {
	return DirtyState(m.state.Load())
}

// SequenceNumber returns the in-memory sequence number most recently
// assigned by a flush (0 before any flush).
func (m *Manager) SequenceNumber() uint64 {
	return m.seq.Load()
}

// Flush clones the live record, stamps a new sequence number and
// timestamps, writes it to every copy target, and requires at least one
// copy to land durably. Concurrent callers are serialized by mu: only one
// flush runs at a time, and each caller then runs its own flush in turn
// rather than sharing the result of one already in flight.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Store(int32(StateFlushing))
	m.flushesAttempted.Add(1)

	rec := m.source.CloneRecord()
	rec.Header.Magic = metadata.Magic
	rec.Header.FormatVersion = metadata.FormatVersion
	seq := m.seq.Add(1)
	now := uint64(time.Now().Unix())
	rec.Header.SequenceNumber = seq
	if rec.Header.CreationTimestamp == 0 {
		rec.Header.CreationTimestamp = now
	}
	rec.Header.LastUpdateTimestamp = now

	// Copy offsets were already chosen per spare by the Placement Planner
	// when each target was added to the pool; the flush simply
	// writes the current record to each of them rather than re-planning.
	rec.Header.PlacementStrategy = uint32(metadata.StrategyGeometric)
	rec.Header.TotalCopies = uint32(len(m.targets))
	for i, t := range m.targets {
		if i < metadata.HeaderCopySlots {
			rec.Header.CopyOffsets[i] = t.Offset
		}
	}

	total := codec.RequiredBytes(rec)
	succeeded := 0
	for i, target := range m.targets {
		copyRec := rec.Clone()
		copyRec.Header.CopyIndex = uint32(i)
		buf, err := codec.Encode(copyRec, total)
		if err != nil {
			log.Error().Err(err).Int("copy_index", i).Msg("encoding metadata copy failed")
			continue
		}
		if _, err := target.Device.WriteSync(target.Offset, buf); err != nil {
			log.Error().Err(err).Int("copy_index", i).Msg("writing metadata copy failed")
			continue
		}
		succeeded++
	}

	if succeeded == 0 {
		m.state.Store(int32(StateDirty))
		return fmt.Errorf("flush: zero copies wrote durably")
	}
	m.flushesOK.Add(1)

	m.mirrorMu.Lock()
	mirror := m.mirror
	m.mirrorMu.Unlock()
	if mirror != nil {
		mirrorRec := rec.Clone()
		mirrorRec.Header.CopyIndex = 0
		if buf, err := codec.Encode(mirrorRec, total); err != nil {
			log.Error().Err(err).Msg("encoding metadata image for s3 mirror failed")
		} else {
			MirrorAfterFlush(context.Background(), mirror, buf)
		}
	}

	if m.pending.CompareAndSwap(true, false) {
		m.state.Store(int32(StateDirty))
	} else {
		m.state.Store(int32(StateClean))
	}
	return nil
}

// Counters returns the flush attempt/success totals for the Health & Stats
// score.
func (m *Manager) Counters() (ok, attempted uint64) {
	return m.flushesOK.Load(), m.flushesAttempted.Load()
}

// TimerActive reports whether the periodic flush goroutine is currently
// running, for status reporting distinct from the device's quiesce state.
func (m *Manager) TimerActive() bool {
	return m.timerActive.Load()
}

// Enabled reports whether this Manager has at least one copy target to
// flush to, i.e. whether metadata persistence is actually wired up.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets) > 0
}

// StartTimer begins the periodic flush; intervalSecs == 0 disables it. Safe
// to call once per Manager lifetime.
func (m *Manager) StartTimer(intervalSecs int) {
	m.intervalSecs.Store(int64(intervalSecs))
	if intervalSecs <= 0 {
		return
	}
	m.stopTimer = make(chan struct{})
	m.timerActive.Store(true)
	m.timerWG.Add(1)
	go func() {
		defer m.timerWG.Done()
		defer m.timerActive.Store(false)
		ticker := time.NewTicker(time.Duration(intervalSecs) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Flush(); err != nil {
					log.Error().Err(err).Msg("periodic flush failed")
				}
			case <-m.stopTimer:
				return
			}
		}
	}()
}

// StopTimer halts the periodic flush goroutine, if running.
func (m *Manager) StopTimer() {
	if m.stopTimer == nil {
		return
	}
	close(m.stopTimer)
	m.timerWG.Wait()
	m.stopTimer = nil
}

// Attach runs the recovery protocol against the configured copy targets:
// read every copy, decode what validates, and pick the highest sequence
// number as the winner, returning the winning record.
//
// Beyond the caller-supplied targets, any copy that does decode names the
// placement pattern it was written under in its own header
// (Header.CopyOffsets[:TotalCopies], at most HeaderCopySlots of them; a
// flush to more targets than that records only the first HeaderCopySlots
// offsets). Attach folds those offsets into the
// set it reads and ultimately repairs, so recovery still finds every copy
// even when the caller only knows about one of them.
//
// allowFresh initializes an empty record (rather than failing) when no
// target holds a valid copy, matching the operator's "fresh device"
// request at add_spare/construction time.
func Attach(targets []CopyTarget, allowFresh bool) (*metadata.Record, error) {
	type candidate struct {
		index int
		rec   *metadata.Record
	}
	var valid []candidate

	readBuf := make([]byte, metadata.MaxRecordImageBytes)

	known := append([]CopyTarget(nil), targets...)
	seen := make(map[CopyTarget]bool, len(known))
	for _, t := range known {
		seen[t] = true
	}

	for i := 0; i < len(known); i++ {
		target := known[i]
		outcome, err := target.Device.ReadSync(target.Offset, readBuf)
		if err != nil || (outcome.Kind != blockio.OK && outcome.Kind != blockio.ShortIO) {
			log.Warn().Int("copy_index", i).Msg("metadata copy unreadable, skipping")
			continue
		}
		image := readBuf
		if outcome.Kind == blockio.ShortIO {
			// The device ends before MaxRecordImageBytes; decode only the
			// bytes this read returned.
			image = readBuf[:outcome.Bytes]
		}
		rec, err := codec.Decode(image)
		if err != nil {
			log.Warn().Err(err).Int("copy_index", i).Msg("metadata copy failed validation, skipping")
			continue
		}
		valid = append(valid, candidate{index: i, rec: rec})

		named := rec.Header.TotalCopies
		if named > metadata.HeaderCopySlots {
			named = metadata.HeaderCopySlots
		}
		for _, offset := range rec.Header.CopyOffsets[:named] {
			discovered := CopyTarget{Device: target.Device, Offset: offset}
			if seen[discovered] {
				continue
			}
			seen[discovered] = true
			known = append(known, discovered)
		}
	}

	if len(valid) == 0 {
		if allowFresh {
			return &metadata.Record{}, nil
		}
		return nil, dmerrors.ErrMetadataCorrupt
	}

	winner := valid[0]
	for _, c := range valid[1:] {
		if c.rec.Header.SequenceNumber > winner.rec.Header.SequenceNumber {
			winner = c
		}
	}
	for _, c := range valid {
		if c.rec.Header.SequenceNumber == winner.rec.Header.SequenceNumber && c.index != winner.index {
			if !codec.Equal(c.rec, winner.rec) {
				return nil, dmerrors.ErrMetadataDivergent
			}
		}
	}

	repairWinner(known, winner.rec, winner.index)
	return winner.rec, nil
}

// repairWinner rewrites every non-winning copy target with the winning
// record. Failures are logged, not fatal.
func repairWinner(targets []CopyTarget, winner *metadata.Record, winnerIndex int) {
	total := codec.RequiredBytes(winner)
	for i, target := range targets {
		if i == winnerIndex {
			continue
		}
		copyRec := winner.Clone()
		copyRec.Header.CopyIndex = uint32(i)
		buf, err := codec.Encode(copyRec, total)
		if err != nil {
			log.Error().Err(err).Int("copy_index", i).Msg("repair encode failed")
			continue
		}
		if _, err := target.Device.WriteSync(target.Offset, buf); err != nil {
			log.Error().Err(err).Int("copy_index", i).Msg("repair write failed")
		}
	}
}
