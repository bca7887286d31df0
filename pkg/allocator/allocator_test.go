package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/placement"
)

func TestNewReservesRegions(t *testing.T) {
	a, err := New(100, []placement.Region{{Offset: 0, LengthSectors: 4}})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), a.UsedSectors())
	assert.True(t, a.Test(0))
	assert.True(t, a.Test(3))
	assert.False(t, a.Test(4))
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0, nil)
	assert.ErrorIs(t, err, dmerrors.ErrInvalidArgument)
}

func TestNewRejectsReservedRegionBeyondCapacity(t *testing.T) {
	_, err := New(10, []placement.Region{{Offset: 8, LengthSectors: 4}})
	assert.ErrorIs(t, err, dmerrors.ErrInvalidArgument)
}

func TestAllocateReturnsLowestFreeSector(t *testing.T) {
	a, err := New(4, nil)
	require.NoError(t, err)

	s0, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), s0)

	s1, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s1)
}

func TestAllocateExhaustion(t *testing.T) {
	a, err := New(2, nil)
	require.NoError(t, err)

	_, err = a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	assert.ErrorIs(t, err, dmerrors.ErrAllocatorExhausted)
}

func TestFreeMakesSectorAllocatableAgain(t *testing.T) {
	a, err := New(2, nil)
	require.NoError(t, err)

	s0, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	a.Free(s0)
	assert.False(t, a.Test(s0))

	reused, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, s0, reused)
}

func TestRestoreMarksSectorUsedWithoutAllocating(t *testing.T) {
	a, err := New(4, nil)
	require.NoError(t, err)

	require.NoError(t, a.Restore(3))
	assert.True(t, a.Test(3))
	assert.Equal(t, uint64(1), a.UsedSectors())
}

func TestRestoreRejectsOutOfRange(t *testing.T) {
	a, err := New(4, nil)
	require.NoError(t, err)

	err = a.Restore(4)
	assert.ErrorIs(t, err, dmerrors.ErrInvalidArgument)
}

func TestFreeSectors(t *testing.T) {
	a, err := New(10, []placement.Region{{Offset: 0, LengthSectors: 2}})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), a.FreeSectors())
}

func TestLargestFreeRunWithNoAllocations(t *testing.T) {
	a, err := New(10, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), a.LargestFreeRun())
}

func TestLargestFreeRunAroundReservedRegion(t *testing.T) {
	a, err := New(10, []placement.Region{{Offset: 4, LengthSectors: 2}})
	require.NoError(t, err)
	// sectors 0-3 free (4), 4-5 reserved, 6-9 free (4): both runs tie at 4.
	assert.Equal(t, uint64(4), a.LargestFreeRun())
}

func TestLargestFreeRunShrinksAsSectorsAreAllocated(t *testing.T) {
	a, err := New(10, nil)
	require.NoError(t, err)
	require.NoError(t, a.Restore(5))
	assert.Equal(t, uint64(5), a.LargestFreeRun())
}
