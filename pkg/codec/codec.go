// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package codec implements the Metadata Codec: a fixed-length,
// little-endian, checksummed encoding of a metadata.Record.
//
// Field order on the wire is pinned and must not change without bumping
// metadata.FormatVersion.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/metadata"
)

var endian = binary.LittleEndian

// RequiredBytes returns the number of bytes needed to encode record before
// any sector-alignment padding is added by the caller.
func RequiredBytes(r *metadata.Record) int {
	body := bodySize(r)
	return metadata.HeaderSize + body
}

func bodySize(r *metadata.Record) int {
	// device identity block
	n := metadata.MainFingerprintSize + metadata.SpareUUIDSize + 8 + 4
	// spare-pool descriptor: count + per-spare (uuid + size)
	n += 4 + len(r.Spares)*(metadata.SpareUUIDSize+8)
	// remap table: active_count + entries
	n += 8 + len(r.Entries)*metadata.EntrySize
	return n
}

// Encode produces a fixed-length byte image of exactly totalSize bytes,
// stamping checksums into the header. totalSize must be >= RequiredBytes(r)
// and <= metadata.MaxRecordImageBytes.
func Encode(r *metadata.Record, totalSize int) ([]byte, error) {
	need := RequiredBytes(r)
	if totalSize < need {
		return nil, fmt.Errorf("%w: record needs %d bytes, got %d", dmerrors.ErrInvalidArgument, need, totalSize)
	}
	if totalSize > metadata.MaxRecordImageBytes {
		return nil, fmt.Errorf("%w: record image %d exceeds %d byte limit", dmerrors.ErrInvalidArgument, totalSize, metadata.MaxRecordImageBytes)
	}

	buf := make([]byte, totalSize)

	body := buf[metadata.HeaderSize:]
	off := 0
	off += copy(body[off:], r.MainFingerprint[:])
	off += copy(body[off:], r.SpareUUID[:])
	endian.PutUint64(body[off:], r.SpareSizeBytes)
	off += 8
	endian.PutUint32(body[off:], r.SectorSizeBytes)
	off += 4

	endian.PutUint32(body[off:], uint32(len(r.Spares)))
	off += 4
	for _, s := range r.Spares {
		off += copy(body[off:], s.UUID[:])
		endian.PutUint64(body[off:], s.CapacitySectors)
		off += 8
	}

	endian.PutUint64(body[off:], uint64(len(r.Entries)))
	off += 8
	for _, e := range r.Entries {
		endian.PutUint64(body[off:], e.LSA)
		off += 8
		endian.PutUint64(body[off:], e.SSA)
		off += 8
		endian.PutUint16(body[off:], e.SpareDeviceIndex)
		off += 2
		endian.PutUint16(body[off:], uint16(e.Flags))
		off += 2
		endian.PutUint64(body[off:], e.CreatedAt)
		off += 8
		endian.PutUint32(body[off:], e.HitCount)
		off += 4
		endian.PutUint32(body[off:], 0) // reserved
		off += 4
	}

	r.Header.RecordSizeTotal = uint32(totalSize)
	r.Header.BodyChecksum = crc32.ChecksumIEEE(body[:bodySize(r)])
	writeHeader(buf[:metadata.HeaderSize], &r.Header)
	r.Header.HeaderChecksum = crc32.ChecksumIEEE(headerChecksumRange(buf))
	endian.PutUint32(buf[headerChecksumOffset():], r.Header.HeaderChecksum)

	return buf, nil
}

// Decode validates and parses a metadata image, checking (in order) the
// header checksum, the stated body length against the buffer size, and
// magic/version, then parsing the body. The body checksum covers the parsed
// body, so it is compared last; a body that fails to parse is reported as
// metadata corrupt before its checksum is compared.
func Decode(buf []byte) (*metadata.Record, error) {
	if len(buf) < metadata.HeaderSize {
		return nil, fmt.Errorf("%w: buffer smaller than header", dmerrors.ErrMetadataCorrupt)
	}

	var hdr metadata.Header
	readHeader(buf[:metadata.HeaderSize], &hdr)

	wantHdrCS := crc32.ChecksumIEEE(headerChecksumRange(buf))
	if wantHdrCS != hdr.HeaderChecksum {
		return nil, fmt.Errorf("%w: header checksum mismatch", dmerrors.ErrMetadataCorrupt)
	}

	if int(hdr.RecordSizeTotal) > len(buf) || hdr.RecordSizeTotal < metadata.HeaderSize {
		return nil, fmt.Errorf("%w: stated record size %d incompatible with buffer of %d", dmerrors.ErrMetadataCorrupt, hdr.RecordSizeTotal, len(buf))
	}

	body := buf[metadata.HeaderSize:hdr.RecordSizeTotal]

	if hdr.Magic != metadata.Magic {
		return nil, fmt.Errorf("%w: bad magic", dmerrors.ErrMetadataCorrupt)
	}
	if hdr.FormatVersion != metadata.FormatVersion {
		return nil, fmt.Errorf("%w: format version %d", dmerrors.ErrVersionUnsupported, hdr.FormatVersion)
	}

	r := &metadata.Record{Header: hdr}
	off := 0
	if len(body) < metadata.MainFingerprintSize+metadata.SpareUUIDSize+8+4 {
		return nil, fmt.Errorf("%w: body too short for identity block", dmerrors.ErrMetadataCorrupt)
	}
	off += copy(r.MainFingerprint[:], body[off:off+metadata.MainFingerprintSize])
	off += copy(r.SpareUUID[:], body[off:off+metadata.SpareUUIDSize])
	r.SpareSizeBytes = endian.Uint64(body[off:])
	off += 8
	r.SectorSizeBytes = endian.Uint32(body[off:])
	off += 4

	spareCount := int(endian.Uint32(body[off:]))
	off += 4
	r.Spares = make([]metadata.SpareDescriptor, 0, spareCount)
	for i := 0; i < spareCount; i++ {
		if off+metadata.SpareUUIDSize+8 > len(body) {
			return nil, fmt.Errorf("%w: truncated spare descriptor", dmerrors.ErrMetadataCorrupt)
		}
		var sd metadata.SpareDescriptor
		off += copy(sd.UUID[:], body[off:off+metadata.SpareUUIDSize])
		sd.CapacitySectors = endian.Uint64(body[off:])
		off += 8
		r.Spares = append(r.Spares, sd)
	}

	if off+8 > len(body) {
		return nil, fmt.Errorf("%w: truncated entry count", dmerrors.ErrMetadataCorrupt)
	}
	entryCount := int(endian.Uint64(body[off:]))
	off += 8
	r.Entries = make([]metadata.RemapEntry, 0, entryCount)
	for i := 0; i < entryCount; i++ {
		if off+metadata.EntrySize > len(body) {
			return nil, fmt.Errorf("%w: truncated remap entry", dmerrors.ErrMetadataCorrupt)
		}
		var e metadata.RemapEntry
		e.LSA = endian.Uint64(body[off:])
		off += 8
		e.SSA = endian.Uint64(body[off:])
		off += 8
		e.SpareDeviceIndex = endian.Uint16(body[off:])
		off += 2
		e.Flags = metadata.EntryFlags(endian.Uint16(body[off:]))
		off += 2
		e.CreatedAt = endian.Uint64(body[off:])
		off += 8
		e.HitCount = endian.Uint32(body[off:])
		off += 4
		off += 4 // reserved
		r.Entries = append(r.Entries, e)
	}

	wantBodyCS := crc32.ChecksumIEEE(body[:off])
	if wantBodyCS != hdr.BodyChecksum {
		return nil, fmt.Errorf("%w: body checksum mismatch", dmerrors.ErrMetadataCorrupt)
	}

	return r, nil
}

// Equal reports whether two decoded records are bytewise-equivalent in
// content, used to distinguish acceptable ties from genuine divergence
// during recovery.
func Equal(a, b *metadata.Record) bool {
	ea, err1 := Encode(a.Clone(), int(a.Header.RecordSizeTotal))
	eb, err2 := Encode(b.Clone(), int(b.Header.RecordSizeTotal))
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

func headerChecksumOffset() int { return 4 + 4 + 4 } // after magic, version, record_size_total

func headerChecksumRange(buf []byte) []byte {
	// header checksum covers the whole header excluding the checksum field
	// itself (4 bytes at headerChecksumOffset).
	out := make([]byte, metadata.HeaderSize-4)
	copy(out, buf[:headerChecksumOffset()])
	copy(out[headerChecksumOffset():], buf[headerChecksumOffset()+4:metadata.HeaderSize])
	return out
}

func writeHeader(buf []byte, h *metadata.Header) {
	endian.PutUint32(buf[0:], h.Magic)
	endian.PutUint32(buf[4:], h.FormatVersion)
	endian.PutUint32(buf[8:], h.RecordSizeTotal)
	endian.PutUint32(buf[12:], 0) // header checksum, filled in afterward
	endian.PutUint32(buf[16:], h.BodyChecksum)
	endian.PutUint64(buf[20:], h.SequenceNumber)
	endian.PutUint64(buf[28:], h.CreationTimestamp)
	endian.PutUint64(buf[36:], h.LastUpdateTimestamp)
	endian.PutUint32(buf[44:], h.CopyIndex)
	endian.PutUint32(buf[48:], h.TotalCopies)
	endian.PutUint32(buf[52:], h.PlacementStrategy)
	endian.PutUint64(buf[56:], h.SpareCapacityAtWrite)
	for i, o := range h.CopyOffsets {
		endian.PutUint64(buf[64+i*8:], o)
	}
	// the HeaderCopySlots offsets fill bytes [64 : HeaderSize); slots past
	// TotalCopies are left zero.
}

func readHeader(buf []byte, h *metadata.Header) {
	h.Magic = endian.Uint32(buf[0:])
	h.FormatVersion = endian.Uint32(buf[4:])
	h.RecordSizeTotal = endian.Uint32(buf[8:])
	h.HeaderChecksum = endian.Uint32(buf[12:])
	h.BodyChecksum = endian.Uint32(buf[16:])
	h.SequenceNumber = endian.Uint64(buf[20:])
	h.CreationTimestamp = endian.Uint64(buf[28:])
	h.LastUpdateTimestamp = endian.Uint64(buf[36:])
	h.CopyIndex = endian.Uint32(buf[44:])
	h.TotalCopies = endian.Uint32(buf[48:])
	h.PlacementStrategy = endian.Uint32(buf[52:])
	h.SpareCapacityAtWrite = endian.Uint64(buf[56:])
	for i := range h.CopyOffsets {
		h.CopyOffsets[i] = endian.Uint64(buf[64+i*8:])
	}
}
