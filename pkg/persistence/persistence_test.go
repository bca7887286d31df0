package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltcore-dev/dm-remap/pkg/blockio"
	"github.com/cobaltcore-dev/dm-remap/pkg/codec"
	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/metadata"
)

type fakeSource struct {
	rec *metadata.Record
}

func (f *fakeSource) CloneRecord() *metadata.Record { return f.rec.Clone() }

func newTarget(t *testing.T, sectors uint64) CopyTarget {
	t.Helper()
	path := filepath.Join(t.TempDir(), "copy.img")
	dev, err := blockio.OpenFile(path, 512, sectors, true)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return CopyTarget{Device: dev, Offset: 0}
}

func baseRecord() *metadata.Record {
	rec := &metadata.Record{
		SectorSizeBytes: 512,
		Entries: []metadata.RemapEntry{
			{LSA: 1, SSA: 2, SpareDeviceIndex: 0, Flags: metadata.FlagManual},
		},
	}
	rec.Header.Magic = metadata.Magic
	rec.Header.FormatVersion = metadata.FormatVersion
	return rec
}

func TestFlushWritesAllCopiesAndClearsDirty(t *testing.T) {
	src := &fakeSource{rec: baseRecord()}
	targets := []CopyTarget{newTarget(t, 64), newTarget(t, 64)}
	mgr := New(src, targets)
	mgr.MarkDirty()

	require.NoError(t, mgr.Flush())
	assert.Equal(t, StateClean, mgr.State())

	ok, attempted := mgr.Counters()
	assert.Equal(t, uint64(1), ok)
	assert.Equal(t, uint64(1), attempted)

	for _, tgt := range targets {
		buf := make([]byte, codec.RequiredBytes(src.rec))
		_, err := tgt.Device.ReadSync(tgt.Offset, buf)
		require.NoError(t, err)
		written, err := codec.Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), written.Header.SequenceNumber)
	}
}

func TestFlushRequiresAtLeastOneSuccess(t *testing.T) {
	src := &fakeSource{rec: baseRecord()}
	broken := blockio.NewFaultInjector(newTarget(t, 64).Device)
	broken.FailWrite(0, 5)
	targets := []CopyTarget{{Device: broken, Offset: 0}}
	mgr := New(src, targets)

	err := mgr.Flush()
	assert.Error(t, err)
	assert.Equal(t, StateDirty, mgr.State())
}

func TestFlushSucceedsIfAnyTargetWrites(t *testing.T) {
	src := &fakeSource{rec: baseRecord()}
	brokenDev := blockio.NewFaultInjector(newTarget(t, 64).Device)
	brokenDev.FailWrite(0, 5)
	good := newTarget(t, 64)
	targets := []CopyTarget{{Device: brokenDev, Offset: 0}, good}
	mgr := New(src, targets)

	require.NoError(t, mgr.Flush())
	ok, attempted := mgr.Counters()
	assert.Equal(t, uint64(1), ok)
	assert.Equal(t, uint64(1), attempted)
}

func TestAttachRecoversHighestSequenceWinner(t *testing.T) {
	target := newTarget(t, 64)
	rec := baseRecord()
	rec.Header.SequenceNumber = 3
	buf, err := codec.Encode(rec, codec.RequiredBytes(rec))
	require.NoError(t, err)
	_, err = target.Device.WriteSync(target.Offset, buf)
	require.NoError(t, err)

	got, err := Attach([]CopyTarget{target}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Header.SequenceNumber)
	assert.Equal(t, rec.Entries, got.Entries)
}

func TestAttachAllowsFreshWhenNoValidCopy(t *testing.T) {
	target := newTarget(t, 64) // never written, all zero bytes
	got, err := Attach([]CopyTarget{target}, true)
	require.NoError(t, err)
	assert.Empty(t, got.Entries)
}

func TestAttachRejectsWithoutFreshFallback(t *testing.T) {
	target := newTarget(t, 64)
	_, err := Attach([]CopyTarget{target}, false)
	assert.ErrorIs(t, err, dmerrors.ErrMetadataCorrupt)
}

func TestAttachDetectsDivergentCopies(t *testing.T) {
	t1 := newTarget(t, 64)
	t2 := newTarget(t, 64)

	rec1 := baseRecord()
	rec1.Header.SequenceNumber = 5
	buf1, err := codec.Encode(rec1, codec.RequiredBytes(rec1))
	require.NoError(t, err)
	_, err = t1.Device.WriteSync(t1.Offset, buf1)
	require.NoError(t, err)

	rec2 := baseRecord()
	rec2.Header.SequenceNumber = 5
	rec2.Entries[0].SSA = 999 // same sequence number, different content
	buf2, err := codec.Encode(rec2, codec.RequiredBytes(rec2))
	require.NoError(t, err)
	_, err = t2.Device.WriteSync(t2.Offset, buf2)
	require.NoError(t, err)

	_, err = Attach([]CopyTarget{t1, t2}, true)
	assert.ErrorIs(t, err, dmerrors.ErrMetadataDivergent)
}

func TestAttachRepairsLosingCopy(t *testing.T) {
	winner := newTarget(t, 64)
	loser := newTarget(t, 64)

	rec := baseRecord()
	rec.Header.SequenceNumber = 9
	buf, err := codec.Encode(rec, codec.RequiredBytes(rec))
	require.NoError(t, err)
	_, err = winner.Device.WriteSync(winner.Offset, buf)
	require.NoError(t, err)

	_, err = Attach([]CopyTarget{winner, loser}, true)
	require.NoError(t, err)

	readBuf := make([]byte, len(buf))
	_, err = loser.Device.ReadSync(loser.Offset, readBuf)
	require.NoError(t, err)
	repaired, err := codec.Decode(readBuf)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), repaired.Header.SequenceNumber)
}

func TestAttachDiscoversCopiesNamedInAWinnersHeader(t *testing.T) {
	dev, err := blockio.OpenFile(filepath.Join(t.TempDir(), "copies.img"), 512, 64, true)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	rec := baseRecord()
	rec.Header.SequenceNumber = 7
	rec.Header.TotalCopies = 2
	rec.Header.CopyOffsets[0] = 0
	rec.Header.CopyOffsets[1] = 8
	buf, err := codec.Encode(rec, codec.RequiredBytes(rec))
	require.NoError(t, err)
	_, err = dev.WriteSync(0, buf)
	require.NoError(t, err)

	// The second copy at offset 8 is never written; Attach only knows
	// about offset 0 up front and must discover offset 8 from the
	// decoded header to repair it.
	known := CopyTarget{Device: dev, Offset: 0}
	got, err := Attach([]CopyTarget{known}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Header.SequenceNumber)

	readBuf := make([]byte, len(buf))
	_, err = dev.ReadSync(8, readBuf)
	require.NoError(t, err)
	repaired, err := codec.Decode(readBuf)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), repaired.Header.SequenceNumber,
		"a copy offset named in the winner's own header must be discovered and repaired")
}

func TestSetSourceAndAddTargetsWireAfterConstruction(t *testing.T) {
	mgr := New(nil, nil)
	src := &fakeSource{rec: baseRecord()}
	mgr.SetSource(src)
	mgr.AddTargets(newTarget(t, 64))

	require.NoError(t, mgr.Flush())
	ok, _ := mgr.Counters()
	assert.Equal(t, uint64(1), ok)
}

func TestTimerActiveReflectsStartAndStop(t *testing.T) {
	src := &fakeSource{rec: baseRecord()}
	mgr := New(src, []CopyTarget{newTarget(t, 64)})

	assert.False(t, mgr.TimerActive(), "timer must be inactive before StartTimer")

	mgr.StartTimer(3600)
	assert.True(t, mgr.TimerActive())

	mgr.StopTimer()
	assert.False(t, mgr.TimerActive(), "timer must report inactive once stopped")
}

func TestStartTimerWithZeroIntervalLeavesTimerInactive(t *testing.T) {
	src := &fakeSource{rec: baseRecord()}
	mgr := New(src, []CopyTarget{newTarget(t, 64)})

	mgr.StartTimer(0)
	assert.False(t, mgr.TimerActive())
}

func TestEnabledReflectsConfiguredTargets(t *testing.T) {
	mgr := New(nil, nil)
	assert.False(t, mgr.Enabled(), "a manager with no copy targets has no metadata persistence")

	mgr.AddTargets(newTarget(t, 64))
	assert.True(t, mgr.Enabled())
}

func TestMarkDirtyAfterFlushReturnsToDirty(t *testing.T) {
	src := &fakeSource{rec: baseRecord()}
	mgr := New(src, []CopyTarget{newTarget(t, 64)})

	require.NoError(t, mgr.Flush())
	assert.Equal(t, StateClean, mgr.State())

	mgr.MarkDirty()
	assert.Equal(t, StateDirty, mgr.State())
}
