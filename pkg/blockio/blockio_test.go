package blockio

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
)

func newTestFile(t *testing.T, sectors uint64) *FileDevice {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spare.img")
	dev, err := OpenFile(path, 512, sectors, true)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestWriteSyncThenReadSyncRoundTrip(t *testing.T) {
	dev := newTestFile(t, 8)

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}

	outcome, err := dev.WriteSync(2, want)
	require.NoError(t, err)
	assert.Equal(t, OK, outcome.Kind)

	got := make([]byte, 512)
	outcome, err = dev.ReadSync(2, got)
	require.NoError(t, err)
	assert.Equal(t, OK, outcome.Kind)
	assert.Equal(t, want, got)
}

func TestAsyncCompletionRunsCallback(t *testing.T) {
	dev := newTestFile(t, 4)

	var wg sync.WaitGroup
	wg.Add(1)
	var got Outcome
	dev.WriteAsync(0, make([]byte, 512), func(o Outcome, ctx any) {
		got = o
		wg.Done()
	}, nil)
	wg.Wait()
	assert.Equal(t, OK, got.Kind)
}

func TestFaultInjectorPinsReadFailures(t *testing.T) {
	dev := newTestFile(t, 4)
	fi := NewFaultInjector(dev)

	fi.FailRead(1, 5)
	_, err := fi.ReadSync(1, make([]byte, 512))
	assert.Error(t, err)

	outcome, _ := fi.ReadSync(1, make([]byte, 512))
	assert.Equal(t, IOError, outcome.Kind)
	assert.Equal(t, 5, outcome.Code)

	// An unaffected sector still passes through to the wrapped device.
	outcome, err = fi.ReadSync(2, make([]byte, 512))
	assert.NoError(t, err)
	assert.Equal(t, OK, outcome.Kind)

	fi.ClearRead(1)
	outcome, err = fi.ReadSync(1, make([]byte, 512))
	assert.NoError(t, err)
	assert.Equal(t, OK, outcome.Kind)
}

func TestFaultInjectorPinsWriteFailures(t *testing.T) {
	dev := newTestFile(t, 4)
	fi := NewFaultInjector(dev)

	fi.FailWrite(0, 28)
	outcome, err := fi.WriteSync(0, make([]byte, 512))
	assert.Error(t, err)
	assert.Equal(t, IOError, outcome.Kind)
	assert.Equal(t, 28, outcome.Code)

	fi.ClearWrite(0)
	outcome, err = fi.WriteSync(0, make([]byte, 512))
	assert.NoError(t, err)
	assert.Equal(t, OK, outcome.Kind)
}

func TestFaultInjectorAsyncReportsInjectedOutcome(t *testing.T) {
	dev := newTestFile(t, 4)
	fi := NewFaultInjector(dev)
	fi.FailWrite(3, 121)

	var wg sync.WaitGroup
	wg.Add(1)
	var got Outcome
	fi.WriteAsync(3, make([]byte, 512), func(o Outcome, ctx any) {
		got = o
		wg.Done()
	}, nil)
	wg.Wait()
	assert.Equal(t, IOError, got.Kind)
	assert.Equal(t, 121, got.Code)
}

func TestOutcomeErrMapping(t *testing.T) {
	assert.NoError(t, Outcome{Kind: OK}.Err())
	assert.ErrorIs(t, Outcome{Kind: IOError}.Err(), dmerrors.ErrIO)
	assert.ErrorIs(t, Outcome{Kind: ShortIO}.Err(), dmerrors.ErrShortIO)
}
