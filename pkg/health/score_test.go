package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScorePerfectWithNoActivity(t *testing.T) {
	assert.Equal(t, 100, Score(Snapshot{}, 0, 100))
}

func TestScoreZeroCapacityTreatedAsZeroDensity(t *testing.T) {
	assert.Equal(t, 100, Score(Snapshot{}, 50, 0))
}

func TestScorePenalizesErrorRate(t *testing.T) {
	s := Snapshot{TotalReads: 1000, TotalWrites: 0, TotalReadErrors: 100}
	got := Score(s, 0, 100)
	assert.Less(t, got, 100)
}

func TestScorePenalizesSpareErrorsMoreSeverely(t *testing.T) {
	s := Snapshot{TotalSpareErrors: 10}
	got := Score(s, 0, 100)
	assert.Equal(t, 70, got) // capped at 30
}

func TestScoreDensityBands(t *testing.T) {
	assert.Equal(t, 100, Score(Snapshot{}, 40, 100))
	assert.Equal(t, 95, Score(Snapshot{}, 50, 100))
	assert.Equal(t, 88, Score(Snapshot{}, 75, 100))
	assert.Equal(t, 80, Score(Snapshot{}, 90, 100))
}

func TestScoreFlushPenalty(t *testing.T) {
	s := Snapshot{TotalFlushesAttempted: 10, TotalFlushesOK: 0}
	got := Score(s, 0, 100)
	assert.Equal(t, 90, got) // 100% failed -> penalty capped at 10
}

func TestScoreClampsToZero(t *testing.T) {
	s := Snapshot{
		TotalReads: 10, TotalWrites: 0, TotalReadErrors: 10,
		TotalSpareErrors:     100,
		TotalFlushesAttempted: 10,
		TotalFlushesOK:        0,
	}
	assert.Equal(t, 0, Score(s, 99, 100))
}

func TestStateForBanding(t *testing.T) {
	assert.Equal(t, StateExcellent, StateFor(100))
	assert.Equal(t, StateExcellent, StateFor(90))
	assert.Equal(t, StateGood, StateFor(89))
	assert.Equal(t, StateGood, StateFor(70))
	assert.Equal(t, StateFair, StateFor(69))
	assert.Equal(t, StateFair, StateFor(40))
	assert.Equal(t, StatePoor, StateFor(39))
	assert.Equal(t, StatePoor, StateFor(10))
	assert.Equal(t, StateCritical, StateFor(9))
	assert.Equal(t, StateCritical, StateFor(0))
}
