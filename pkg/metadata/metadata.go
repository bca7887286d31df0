// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package metadata defines the wire-level record types persisted by the
// Persistence Manager and shared with the codec.
package metadata

import "github.com/google/uuid"

// Magic identifies a dm-remap metadata image. FormatVersion is bumped on
// any incompatible layout change; Decode rejects anything else outright.
const (
	Magic         uint32 = 0x444d524d // "DMRM"
	FormatVersion uint32 = 1

	HeaderSize = 128
	MaxRecordImageBytes = 16 << 20

	MainFingerprintSize = 32
	SpareUUIDSize       = 16

	EntrySize = 8 + 8 + 2 + 2 + 8 + 4 + 4 // lsa,ssa,spare_index,flags,created_at,hit_count,reserved

	// MaxCopies is the Placement Planner's limit on redundant copies.
	MaxCopies = 5

	// HeaderCopySlots is the number of copy-offset slots the wire header
	// reserves; unused slots beyond TotalCopies are zero.
	HeaderCopySlots = 8
)

// PlacementStrategy tags which rule produced the copy offsets.
type PlacementStrategy uint32

const (
	StrategyMinimal PlacementStrategy = iota
	StrategyLinear
	StrategyGeometric
)

func (s PlacementStrategy) String() string {
	switch s {
	case StrategyMinimal:
		return "minimal"
	case StrategyLinear:
		return "linear"
	case StrategyGeometric:
		return "geometric"
	default:
		return "unknown"
	}
}

// EntryFlags distinguishes how a RemapEntry was installed.
type EntryFlags uint16

const (
	FlagAuto EntryFlags = 1 << iota
	FlagManual
)

// RemapEntry is the durable record binding one logical sector to one spare
// sector.
type RemapEntry struct {
	LSA              uint64
	SSA              uint64
	SpareDeviceIndex uint16
	Flags            EntryFlags
	CreatedAt        uint64
	HitCount         uint32
}

// SpareDescriptor is the persisted shape of one spare device within the
// pool descriptor.
type SpareDescriptor struct {
	UUID           [SpareUUIDSize]byte
	CapacitySectors uint64
}

// NewSpareUUID generates a fresh spare-device identity at add_spare time.
func NewSpareUUID() [SpareUUIDSize]byte {
	var out [SpareUUIDSize]byte
	id := uuid.New()
	copy(out[:], id[:])
	return out
}

// Header is the fixed 128-byte prefix of every metadata copy.
type Header struct {
	Magic                 uint32
	FormatVersion         uint32
	RecordSizeTotal       uint32
	HeaderChecksum        uint32
	BodyChecksum          uint32
	SequenceNumber        uint64
	CreationTimestamp     uint64
	LastUpdateTimestamp   uint64
	CopyIndex             uint32
	TotalCopies           uint32
	PlacementStrategy     uint32
	SpareCapacityAtWrite  uint64
	CopyOffsets           [HeaderCopySlots]uint64
}

// Record is the full in-memory image of one metadata copy.
type Record struct {
	Header Header

	MainFingerprint [MainFingerprintSize]byte
	SpareUUID       [SpareUUIDSize]byte
	SpareSizeBytes  uint64
	SectorSizeBytes uint32

	Spares  []SpareDescriptor
	Entries []RemapEntry
}

// Clone returns a deep copy suitable for handing to the Persistence Manager
// while the caller's lock is still held.
func (r *Record) Clone() *Record {
	out := *r
	out.Spares = append([]SpareDescriptor(nil), r.Spares...)
	out.Entries = append([]RemapEntry(nil), r.Entries...)
	return &out
}
