// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package blockio implements the Block I/O Adapter: sector-
// granular reads and writes against a device, with synchronous and
// asynchronous completion.
package blockio

import (
	"fmt"
	"os"
	"sync"

	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
)

// OutcomeKind is the closed set of completion shapes a request can settle into.
type OutcomeKind int

const (
	OK OutcomeKind = iota
	IOError
	ShortIO
)

// Outcome is the result of one read or write.
type Outcome struct {
	Kind  OutcomeKind
	Code  int // errno-ish code, meaningful when Kind == IOError
	Bytes int // bytes actually transferred, meaningful when Kind == ShortIO
}

func (o Outcome) String() string {
	switch o.Kind {
	case OK:
		return "ok"
	case IOError:
		return fmt.Sprintf("io_error(%d)", o.Code)
	case ShortIO:
		return fmt.Sprintf("short_io(%d)", o.Bytes)
	default:
		return "unknown"
	}
}

// Err maps an Outcome to one of the closed dmerrors kinds, or nil for OK.
func (o Outcome) Err() error {
	switch o.Kind {
	case OK:
		return nil
	case ShortIO:
		return dmerrors.ErrShortIO
	default:
		return dmerrors.ErrIO
	}
}

// CompletionFunc is invoked once an asynchronous I/O finishes, carrying the
// outcome and the caller-supplied ctx through unchanged.
type CompletionFunc func(outcome Outcome, ctx any)

// Device is the only pluggable seam the rest of the engine is built
// against. Sector addressing is relative to the device's own address space.
type Device interface {
	SectorSizeBytes() int
	CapacitySectors() uint64

	// ReadSync/WriteSync are used for metadata I/O, where a synchronous
	// wrapper is acceptable. WriteSync must be durable on return.
	ReadSync(sector uint64, buf []byte) (Outcome, error)
	WriteSync(sector uint64, buf []byte) (Outcome, error)

	// ReadAsync/WriteAsync are used on the hot path; they must not block
	// the calling goroutine beyond handing the request off.
	ReadAsync(sector uint64, buf []byte, cb CompletionFunc, ctx any)
	WriteAsync(sector uint64, buf []byte, cb CompletionFunc, ctx any)

	Close() error
}

// FileDevice backs a Device with a regular file or block special file. It
// is the adapter an attached dm-remap target actually drives in production;
// the async methods dispatch the synchronous syscall on a goroutine, an
// acceptable pool of cooperating workers for this purpose.
type FileDevice struct {
	f          *os.File
	sectorSize int
	capacity   uint64 // sectors

	mu sync.Mutex // serializes writes to the same sector region
}

// OpenFile opens (or creates, if create is true) path as a FileDevice with
// the given sector size and capacity in sectors.
func OpenFile(path string, sectorSizeBytes int, capacitySectors uint64, create bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if create {
		if err := f.Truncate(int64(capacitySectors) * int64(sectorSizeBytes)); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	}
	return &FileDevice{f: f, sectorSize: sectorSizeBytes, capacity: capacitySectors}, nil
}

func (d *FileDevice) SectorSizeBytes() int      { return d.sectorSize }
func (d *FileDevice) CapacitySectors() uint64   { return d.capacity }
func (d *FileDevice) Close() error              { return d.f.Close() }

func (d *FileDevice) offset(sector uint64) int64 { return int64(sector) * int64(d.sectorSize) }

func (d *FileDevice) ReadSync(sector uint64, buf []byte) (Outcome, error) {
	n, err := d.f.ReadAt(buf, d.offset(sector))
	if err != nil && n == 0 {
		return Outcome{Kind: IOError, Code: 5}, err
	}
	if n < len(buf) {
		return Outcome{Kind: ShortIO, Bytes: n}, nil
	}
	return Outcome{Kind: OK}, nil
}

// WriteSync writes and fsyncs before returning, satisfying the durability
// requirement for metadata writes.
func (d *FileDevice) WriteSync(sector uint64, buf []byte) (Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.f.WriteAt(buf, d.offset(sector))
	if err != nil {
		return Outcome{Kind: IOError, Code: 5}, err
	}
	if n < len(buf) {
		return Outcome{Kind: ShortIO, Bytes: n}, nil
	}
	if err := d.f.Sync(); err != nil {
		return Outcome{Kind: IOError, Code: 5}, err
	}
	return Outcome{Kind: OK}, nil
}

func (d *FileDevice) ReadAsync(sector uint64, buf []byte, cb CompletionFunc, ctx any) {
	go func() {
		o, _ := d.ReadSync(sector, buf)
		cb(o, ctx)
	}()
}

func (d *FileDevice) WriteAsync(sector uint64, buf []byte, cb CompletionFunc, ctx any) {
	go func() {
		o, _ := d.WriteSync(sector, buf)
		cb(o, ctx)
	}()
}
