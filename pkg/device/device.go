// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package device implements the Device Controller: the
// top-level object owning every other component, parsing construction
// arguments, dispatching control messages, and running the quiesce/destroy
// lifecycle.
package device

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/cobaltcore-dev/dm-remap/pkg/blockio"
	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/errorpath"
	"github.com/cobaltcore-dev/dm-remap/pkg/eventbus"
	"github.com/cobaltcore-dev/dm-remap/pkg/health"
	"github.com/cobaltcore-dev/dm-remap/pkg/hotpath"
	"github.com/cobaltcore-dev/dm-remap/pkg/metadata"
	"github.com/cobaltcore-dev/dm-remap/pkg/persistence"
	"github.com/cobaltcore-dev/dm-remap/pkg/remaptable"
	"github.com/cobaltcore-dev/dm-remap/pkg/sparepool"
)

// QuiesceState is the Device Controller's lifecycle state machine, monotone:
// running -> quiescing -> stopped.
type QuiesceState int32

const (
	StateRunning QuiesceState = iota
	StateQuiescing
	StateStopped
)

// FormatMajor/FormatMinor are the status line's version tag.
const (
	FormatMajor = 1
	FormatMinor = 0
)

// SpareArg is one spare device named at construction.
type SpareArg struct {
	Handle        string
	StartSector   uint64
	LengthSectors uint64
	Device        blockio.Device
}

// Args is the parsed form of a target's construction arguments.
type Args struct {
	MainHandle       string
	MainDevice       blockio.Device
	Spares           []SpareArg
	AutoRemap        bool
	AutosaveInterval int // seconds; 0 disables
	InitialHashSize  int
}

// ParseArgs parses the whitespace-separated construction string:
// "<main-device-handle> <spare-device-handle> <spare-start-sector>
// <spare-length-sectors>" plus trailing key=value pairs. Device handles are
// resolved by the caller via openDevice, matching a framework-supplied
// device binding.
func ParseArgs(raw string, openDevice func(handle string) (blockio.Device, error)) (*Args, error) {
	fields := strings.Fields(raw)
	if len(fields) < 4 {
		return nil, fmt.Errorf("%w: expected at least 4 positional fields", dmerrors.ErrInvalidArgument)
	}

	args := &Args{
		AutoRemap:        true,
		AutosaveInterval: 60,
		InitialHashSize:  64,
	}

	args.MainHandle = fields[0]
	dev, err := openDevice(fields[0])
	if err != nil {
		return nil, fmt.Errorf("opening main device %s: %w", fields[0], err)
	}
	args.MainDevice = dev

	i := 1
	for i+2 < len(fields) && !strings.Contains(fields[i], "=") {
		handle := fields[i]
		start, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad spare-start-sector %q", dmerrors.ErrInvalidArgument, fields[i+1])
		}
		length, err := strconv.ParseUint(fields[i+2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad spare-length-sectors %q", dmerrors.ErrInvalidArgument, fields[i+2])
		}
		spareDev, err := openDevice(handle)
		if err != nil {
			return nil, fmt.Errorf("opening spare device %s: %w", handle, err)
		}
		args.Spares = append(args.Spares, SpareArg{Handle: handle, StartSector: start, LengthSectors: length, Device: spareDev})
		i += 3
	}

	for ; i < len(fields); i++ {
		kv := strings.SplitN(fields[i], "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: bad key=value field %q", dmerrors.ErrInvalidArgument, fields[i])
		}
		switch kv[0] {
		case "auto_remap":
			args.AutoRemap = kv[1] == "on"
		case "autosave_interval_secs":
			n, err := strconv.Atoi(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%w: bad autosave_interval_secs %q", dmerrors.ErrInvalidArgument, kv[1])
			}
			args.AutosaveInterval = n
		case "initial_hash_size":
			n, err := strconv.Atoi(kv[1])
			if err != nil || n <= 0 || n&(n-1) != 0 {
				return nil, fmt.Errorf("%w: initial_hash_size must be a power of 2", dmerrors.ErrInvalidArgument)
			}
			args.InitialHashSize = n
		default:
			return nil, fmt.Errorf("%w: unrecognized construction key %q", dmerrors.ErrInvalidArgument, kv[0])
		}
	}

	if len(args.Spares) == 0 {
		return nil, fmt.Errorf("%w: at least one spare device is required", dmerrors.ErrInvalidArgument)
	}
	return args, nil
}

// Controller owns every other component for one attached target exclusively.
type Controller struct {
	main   blockio.Device
	spares *sparepool.Pool
	table  *remaptable.Table
	health *health.Counters
	errs   *errorpath.Path
	router *hotpath.Router
	pm     *persistence.Manager
	bus    *eventbus.Bus

	quiesce atomic.Int32

	mainFingerprint [metadata.MainFingerprintSize]byte
	sectorSize      int

	recordImageBytes int
	openDevice       func(handle string) (blockio.Device, error)
}

// New constructs and wires every component per args, runs the Persistence
// Manager's attach/recovery protocol, and starts accepting I/O. openDevice
// resolves handles named in later add_spare control messages; it may be
// nil if the deployment never adds spares post-attach.
func New(args *Args, bus *eventbus.Bus, openDevice func(handle string) (blockio.Device, error)) (*Controller, error) {
	table := remaptable.New(remaptable.WithInitialBuckets(args.InitialHashSize))
	pool := sparepool.New()
	counters := &health.Counters{}

	sectorSize := args.MainDevice.SectorSizeBytes()
	recordImageBytes := estimateRecordImageBytes()

	var targets []persistence.CopyTarget
	for _, s := range args.Spares {
		if err := CheckHostCapacity(s.Handle, s.LengthSectors*uint64(s.Device.SectorSizeBytes())); err != nil {
			log.Warn().Str("handle", s.Handle).Err(err).Msg("host capacity check failed, continuing")
		}

		desc := metadata.SpareDescriptor{
			UUID:            metadata.NewSpareUUID(),
			CapacitySectors: s.LengthSectors,
		}
		idx, err := pool.Add(s.Device, desc, recordImageBytes)
		if err != nil {
			return nil, fmt.Errorf("adding spare %s: %w", s.Handle, err)
		}
		spare, _ := pool.Get(uint16(idx))
		for _, off := range spare.Plan.Offsets() {
			targets = append(targets, persistence.CopyTarget{Device: s.Device, Offset: off})
		}
	}

	pm := persistence.New(nil, targets) // source wired below, after ctrl exists

	ctrl := &Controller{
		main:             args.MainDevice,
		spares:           pool,
		table:            table,
		health:           counters,
		bus:              bus,
		pm:               pm,
		sectorSize:       sectorSize,
		recordImageBytes: recordImageBytes,
		openDevice:       openDevice,
	}
	pm.SetSource(ctrl)

	rec, err := persistence.Attach(targets, true)
	if err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}
	for _, e := range rec.Entries {
		if err := table.Insert(e); err != nil {
			log.Warn().Uint64("lsa", e.LSA).Err(err).Msg("recovered entry rejected as duplicate")
			continue
		}
		if spare, ok := pool.Get(e.SpareDeviceIndex); ok {
			_ = spare.Allocator.Restore(e.SSA)
			pool.Reference(e.SpareDeviceIndex)
		}
	}

	ctrl.errs = errorpath.New(table, pool, counters, bus, args.AutoRemap, 1024)
	go ctrl.errs.Run()

	ctrl.router = hotpath.New(args.MainDevice, table, ctrl, ctrl.errs, counters, ctrl.isQuiesced)

	ctrl.pm.StartTimer(args.AutosaveInterval)

	return ctrl, nil
}

func estimateRecordImageBytes() int {
	// A conservative upper bound for a few thousand (4096) installed
	// entries, used to size the metadata regions reserved at add_spare
	// time. Flush writes the live record at the offsets planned from this
	// bound and does not re-plan.
	return metadata.HeaderSize + 4096 + 4096*metadata.EntrySize
}

// SpareCount reports the number of spares currently in the pool, for
// callers (e.g. the CLI's scan progress display) that want to iterate
// per-spare without reaching into the pool directly.
func (c *Controller) SpareCount() int {
	return c.spares.Len()
}

// SetS3Mirror attaches an optional off-box metadata mirror; pass nil to
// disable it. The CLI wires this from its --s3-* flags after construction.
func (c *Controller) SetS3Mirror(mirror *persistence.S3Mirror) {
	c.pm.SetS3Mirror(mirror)
}

// DeviceFor implements hotpath.SpareDevice.
func (c *Controller) DeviceFor(spareIndex uint16) (blockio.Device, uint64, bool) {
	spare, ok := c.spares.Get(spareIndex)
	if !ok {
		return nil, 0, false
	}
	return spare.Device, 0, true
}

// CloneRecord implements persistence.Source.
func (c *Controller) CloneRecord() *metadata.Record {
	rec := &metadata.Record{
		SpareSizeBytes:  0,
		SectorSizeBytes: uint32(c.sectorSize),
		MainFingerprint: c.mainFingerprint,
		Spares:          c.spares.Descriptors(),
	}
	c.table.ForEach(func(e metadata.RemapEntry) {
		rec.Entries = append(rec.Entries, e)
	})
	return rec
}

func (c *Controller) isQuiesced() bool {
	return QuiesceState(c.quiesce.Load()) != StateRunning
}

// Router exposes the Hot Path Router for the framework to dispatch I/O
// against.
func (c *Controller) Router() *hotpath.Router { return c.router }

// Quiesce flips running->quiescing, causing the Hot Path Router to reject
// new I/O.
func (c *Controller) Quiesce() {
	c.quiesce.CompareAndSwap(int32(StateRunning), int32(StateQuiescing))
}

// Detach runs the final flush and tears down background workers in reverse
// construction order.
func (c *Controller) Detach() error {
	c.Quiesce()
	c.pm.StopTimer()
	err := c.pm.Flush()
	c.errs.Stop()
	c.quiesce.Store(int32(StateStopped))
	return err
}

// HandleControl dispatches one operator control message, returning the
// reply line. Unrecognized commands or bad argument forms return an error,
// never silently succeed.
func (c *Controller) HandleControl(command string, fields []string) (string, error) {
	switch command {
	case "remap":
		return c.cmdRemap(fields)
	case "unremap":
		return c.cmdUnremap(fields)
	case "save", "sync":
		return c.cmdSave()
	case "add_spare":
		return c.cmdAddSpare(fields)
	case "remove_spare":
		return c.cmdRemoveSpare(fields)
	case "set_auto_remap":
		return c.cmdSetAutoRemap(fields)
	case "stats":
		return c.cmdStats(), nil
	case "health":
		return c.cmdHealth(), nil
	case "scan":
		return c.cmdScan(), nil
	case "ping":
		return "pong", nil
	default:
		return "", dmerrors.ErrUnknownCommand
	}
}

func (c *Controller) cmdRemap(fields []string) (string, error) {
	if len(fields) != 1 {
		return "", dmerrors.ErrInvalidArgument
	}
	lsa, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return "", dmerrors.ErrInvalidArgument
	}
	spareIndex, ssa, err := c.spares.Allocate()
	if err != nil {
		return "", dmerrors.ErrNoSpaceForRemap
	}
	entry := metadata.RemapEntry{LSA: lsa, SSA: ssa, SpareDeviceIndex: spareIndex, Flags: metadata.FlagManual}
	if err := c.table.Insert(entry); err != nil {
		// Rejected as a duplicate; the sector we just took must come back
		// to the pool rather than leak.
		c.spares.Free(spareIndex, ssa)
		return "", err
	}
	c.spares.Release(spareIndex)
	c.health.IncRemapsInstalled()
	c.health.IncAllocations()
	c.pm.MarkDirty()
	c.bus.Publish(eventbus.Event{Kind: eventbus.EventRemapInstalled, LSA: lsa, SSA: ssa, SpareIndex: spareIndex})
	return fmt.Sprintf("ok spare=%d", ssa), nil
}

func (c *Controller) cmdUnremap(fields []string) (string, error) {
	if len(fields) != 1 {
		return "", dmerrors.ErrInvalidArgument
	}
	lsa, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return "", dmerrors.ErrInvalidArgument
	}
	entry, ok := c.table.Remove(lsa)
	if !ok {
		return "", dmerrors.ErrInvalidArgument
	}
	c.spares.Free(entry.SpareDeviceIndex, entry.SSA)
	c.pm.MarkDirty()
	c.bus.Publish(eventbus.Event{Kind: eventbus.EventRemapRemoved, LSA: lsa})
	return "ok", nil
}

func (c *Controller) cmdSave() (string, error) {
	n := c.spares.Len()
	if err := c.pm.Flush(); err != nil {
		return "", err
	}
	ok, _ := c.pm.Counters()
	return fmt.Sprintf("ok copies=%d/%d", ok, n), nil
}

func (c *Controller) cmdAddSpare(fields []string) (string, error) {
	if len(fields) != 3 {
		return "", dmerrors.ErrInvalidArgument
	}
	if c.openDevice == nil {
		return "", fmt.Errorf("%w: add_spare not supported without a device resolver", dmerrors.ErrInvalidArgument)
	}
	handle := fields[0]
	start, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return "", dmerrors.ErrInvalidArgument
	}
	length, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return "", dmerrors.ErrInvalidArgument
	}

	dev, err := c.openDevice(handle)
	if err != nil {
		return "", fmt.Errorf("opening spare device %s: %w", handle, err)
	}

	if err := CheckHostCapacity(handle, length*uint64(dev.SectorSizeBytes())); err != nil {
		log.Warn().Str("handle", handle).Err(err).Msg("host capacity check failed, continuing")
	}

	desc := metadata.SpareDescriptor{UUID: metadata.NewSpareUUID(), CapacitySectors: length}
	idx, err := c.spares.Add(dev, desc, c.recordImageBytes)
	if err != nil {
		return "", err
	}
	spare, _ := c.spares.Get(uint16(idx))
	var newTargets []persistence.CopyTarget
	for _, off := range spare.Plan.Offsets() {
		newTargets = append(newTargets, persistence.CopyTarget{Device: dev, Offset: off})
	}
	c.pm.AddTargets(newTargets...)
	_ = start // start offset is informational only; plans are computed relative to the spare's own address space

	c.pm.MarkDirty()
	c.bus.Publish(eventbus.Event{Kind: eventbus.EventSpareAdded, SpareIndex: uint16(idx)})
	return fmt.Sprintf("ok index=%d", idx), nil
}

func (c *Controller) cmdRemoveSpare(fields []string) (string, error) {
	if len(fields) != 1 {
		return "", dmerrors.ErrInvalidArgument
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return "", dmerrors.ErrInvalidArgument
	}
	if err := c.spares.Remove(idx); err != nil {
		return "", err
	}
	c.pm.MarkDirty()
	c.bus.Publish(eventbus.Event{Kind: eventbus.EventSpareRemoved, SpareIndex: uint16(idx)})
	return "ok", nil
}

func (c *Controller) cmdSetAutoRemap(fields []string) (string, error) {
	if len(fields) != 1 || (fields[0] != "on" && fields[0] != "off") {
		return "", dmerrors.ErrInvalidArgument
	}
	c.errs.SetAutoRemap(fields[0] == "on")
	return fmt.Sprintf("ok state=%s", fields[0]), nil
}

func (c *Controller) cmdStats() string {
	s := c.health.Snapshot()
	return fmt.Sprintf(
		"total_reads=%d total_writes=%d remaps_installed=%d allocations=%d read_errors=%d write_errors=%d auto_remaps=%d spare_errors=%d",
		s.TotalReads, s.TotalWrites, s.TotalRemapsInstalled, s.TotalAllocations, s.TotalReadErrors, s.TotalWriteErrors, s.TotalAutoRemaps, s.TotalSpareErrors,
	)
}

func (c *Controller) cmdHealth() string {
	s := c.health.Snapshot()
	score := health.Score(s, c.spares.TotalUsed(), c.spares.TotalCapacity())
	return fmt.Sprintf("score=%d state=%s", score, health.StateFor(score))
}

func (c *Controller) cmdScan() string {
	capacity := c.spares.TotalCapacity()
	remapped := c.table.ActiveCount()
	largestFreeRun := c.spares.LargestFreeRunOnLeastFreeSpare()
	return fmt.Sprintf("remapped=%d capacity=%d spares=%d largest_free_run=%d", remapped, capacity, c.spares.Len(), largestFreeRun)
}

// StatusLine renders the whitespace-separated status record. Exact field
// order is part of the external contract.
func (c *Controller) StatusLine(start, length uint64) string {
	s := c.health.Snapshot()
	used := c.spares.TotalUsed()
	capacity := c.spares.TotalCapacity()
	autoRemaps := s.TotalAutoRemaps
	manualRemaps := s.TotalRemapsInstalled - s.TotalAutoRemaps

	metadataState := "disabled"
	if c.pm.Enabled() {
		metadataState = "enabled"
	}
	autosaveState := "idle"
	if c.pm.TimerActive() {
		autosaveState = "active"
	}
	saveOK, saveTotal := c.pm.Counters()

	var scanPct uint64
	if capacity > 0 {
		scanPct = used * 100 / capacity
	}

	healthy := 0
	if QuiesceState(c.quiesce.Load()) == StateRunning {
		healthy = 1
	}

	return fmt.Sprintf(
		"%d %d remap v%d.%d %d/%d %d/%d %d/%d health=%d errors=W%d:R%d auto_remaps=%d manual_remaps=%d scan=%d%% metadata=%s autosave=%s saves=%d/%d",
		start, length, FormatMajor, FormatMinor,
		used, capacity,
		s.TotalReadErrors, s.TotalWriteErrors,
		autoRemaps, manualRemaps,
		healthy,
		s.TotalWriteErrors, s.TotalReadErrors,
		autoRemaps, manualRemaps,
		scanPct, metadataState, autosaveState, saveOK, saveTotal,
	)
}
