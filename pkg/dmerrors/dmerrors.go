// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package dmerrors defines the closed set of error kinds the remap engine
// can return. Callers compare with errors.Is; the engine never returns an
// error outside this set from a documented operation.
package dmerrors

import "errors"

var (
	ErrIO                  = errors.New("io_error")
	ErrShortIO             = errors.New("short_io")
	ErrNoSpaceForRemap     = errors.New("no_space_for_remap")
	ErrDuplicateRemap      = errors.New("duplicate_remap")
	ErrEntryInUse          = errors.New("entry_in_use")
	ErrSpareTooSmall       = errors.New("spare_too_small")
	ErrMetadataCorrupt     = errors.New("metadata_corrupt")
	ErrMetadataDivergent   = errors.New("metadata_divergent")
	ErrVersionUnsupported  = errors.New("version_unsupported")
	ErrAllocatorExhausted  = errors.New("allocator_exhausted")
	ErrInvalidArgument     = errors.New("invalid_argument")
	ErrQuiesced            = errors.New("quiesced")
	ErrSpareInUse          = errors.New("in_use")
	ErrUnknownCommand      = errors.New("unknown_command")
)
