package sparepool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltcore-dev/dm-remap/pkg/blockio"
	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/metadata"
)

const testRecordImageBytes = 1024 // 2 sectors at 512 bytes

func newSpareDevice(t *testing.T, capacitySectors uint64) blockio.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spare.img")
	dev, err := blockio.OpenFile(path, 512, capacitySectors, true)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestAddComputesPlacementAndReservesRegions(t *testing.T) {
	pool := New()
	dev := newSpareDevice(t, 4096)

	idx, err := pool.Add(dev, metadata.SpareDescriptor{CapacitySectors: 4096}, testRecordImageBytes)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	spare, ok := pool.Get(uint16(idx))
	require.True(t, ok)
	assert.NotEmpty(t, spare.Plan.Regions)
	assert.Greater(t, spare.Allocator.UsedSectors(), uint64(0))
}

func TestAddRejectsUndersizedSpare(t *testing.T) {
	pool := New()
	dev := newSpareDevice(t, 1)

	_, err := pool.Add(dev, metadata.SpareDescriptor{CapacitySectors: 1}, testRecordImageBytes)
	assert.ErrorIs(t, err, dmerrors.ErrSpareTooSmall)
}

func TestAllocateFirstFitAcrossSpares(t *testing.T) {
	pool := New()
	dev0 := newSpareDevice(t, 4096)
	_, err := pool.Add(dev0, metadata.SpareDescriptor{CapacitySectors: 4096}, testRecordImageBytes)
	require.NoError(t, err)

	spareIndex, _, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(0), spareIndex)
}

func TestAllocateExhaustsFirstSpareThenFallsThroughToSecond(t *testing.T) {
	pool := New()
	// capacity 3, image 2 sectors => minimum usable exactly met, minimal
	// plan reserves offset 0, leaving a single free sector.
	dev0 := newSpareDevice(t, 3)
	_, err := pool.Add(dev0, metadata.SpareDescriptor{CapacitySectors: 3}, testRecordImageBytes)
	require.NoError(t, err)

	dev1 := newSpareDevice(t, 4096)
	_, err = pool.Add(dev1, metadata.SpareDescriptor{CapacitySectors: 4096}, testRecordImageBytes)
	require.NoError(t, err)

	idx0, _, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(0), idx0)

	idx1, _, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), idx1, "once spare 0 is exhausted, allocation must fall through to spare 1")
}

func TestRemoveRefusesLastSpare(t *testing.T) {
	pool := New()
	dev := newSpareDevice(t, 4096)
	_, err := pool.Add(dev, metadata.SpareDescriptor{CapacitySectors: 4096}, testRecordImageBytes)
	require.NoError(t, err)

	err = pool.Remove(0)
	assert.ErrorIs(t, err, dmerrors.ErrInvalidArgument)
}

func TestRemoveRefusesInUseSpare(t *testing.T) {
	pool := New()
	dev0 := newSpareDevice(t, 4096)
	_, err := pool.Add(dev0, metadata.SpareDescriptor{CapacitySectors: 4096}, testRecordImageBytes)
	require.NoError(t, err)
	dev1 := newSpareDevice(t, 4096)
	_, err = pool.Add(dev1, metadata.SpareDescriptor{CapacitySectors: 4096}, testRecordImageBytes)
	require.NoError(t, err)

	pool.Reference(0)

	err = pool.Remove(0)
	assert.ErrorIs(t, err, dmerrors.ErrSpareInUse)

	pool.Dereference(0)
	assert.NoError(t, pool.Remove(0))
}

func TestFreeClearsAllocatorBitAndReferenceCount(t *testing.T) {
	pool := New()
	dev := newSpareDevice(t, 4096)
	_, err := pool.Add(dev, metadata.SpareDescriptor{CapacitySectors: 4096}, testRecordImageBytes)
	require.NoError(t, err)

	spareIndex, ssa, err := pool.Allocate()
	require.NoError(t, err)

	spare, ok := pool.Get(spareIndex)
	require.True(t, ok)
	usedBeforeFree := spare.Allocator.UsedSectors()

	pool.Free(spareIndex, ssa)

	assert.Equal(t, usedBeforeFree-1, spare.Allocator.UsedSectors())
	assert.False(t, spare.Allocator.Test(ssa), "freed sector must be clear in the allocator bitmap")

	// The freed sector is allocatable again.
	_, reallocated, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, ssa, reallocated)
}

func TestTotalCapacityAndUsed(t *testing.T) {
	pool := New()
	dev0 := newSpareDevice(t, 4096)
	_, err := pool.Add(dev0, metadata.SpareDescriptor{CapacitySectors: 4096}, testRecordImageBytes)
	require.NoError(t, err)
	dev1 := newSpareDevice(t, 4096)
	_, err = pool.Add(dev1, metadata.SpareDescriptor{CapacitySectors: 4096}, testRecordImageBytes)
	require.NoError(t, err)

	assert.Equal(t, uint64(8192), pool.TotalCapacity())

	_, _, err = pool.Allocate()
	require.NoError(t, err)
	assert.Greater(t, pool.TotalUsed(), uint64(0))
}

func TestDescriptorsPreservesInsertionOrder(t *testing.T) {
	pool := New()
	devA := newSpareDevice(t, 4096)
	descA := metadata.SpareDescriptor{UUID: metadata.NewSpareUUID(), CapacitySectors: 4096}
	_, err := pool.Add(devA, descA, testRecordImageBytes)
	require.NoError(t, err)

	devB := newSpareDevice(t, 4096)
	descB := metadata.SpareDescriptor{UUID: metadata.NewSpareUUID(), CapacitySectors: 4096}
	_, err = pool.Add(devB, descB, testRecordImageBytes)
	require.NoError(t, err)

	got := pool.Descriptors()
	require.Len(t, got, 2)
	assert.Equal(t, descA.UUID, got[0].UUID)
	assert.Equal(t, descB.UUID, got[1].UUID)
}

func TestLargestFreeRunOnLeastFreeSpareTracksTheFullestSpare(t *testing.T) {
	pool := New()

	devRoomy := newSpareDevice(t, 4096)
	_, err := pool.Add(devRoomy, metadata.SpareDescriptor{CapacitySectors: 4096}, testRecordImageBytes)
	require.NoError(t, err)

	devTight := newSpareDevice(t, 16)
	idxTight, err := pool.Add(devTight, metadata.SpareDescriptor{CapacitySectors: 16}, testRecordImageBytes)
	require.NoError(t, err)

	tight, ok := pool.Get(uint16(idxTight))
	require.True(t, ok)
	for tight.Allocator.FreeSectors() > 2 {
		_, err := tight.Allocator.Allocate()
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, pool.LargestFreeRunOnLeastFreeSpare(), uint64(2))
}
