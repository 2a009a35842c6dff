package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInitialCapitalStaysNullUntilPositiveRead(t *testing.T) {
	tr := NewTracker(FromBalanceDelta)
	tr.RefreshCapital(0)
	assert.Nil(t, tr.InitialCapital())

	tr.RefreshCapital(1000)
	require := tr.InitialCapital()
	assert.NotNil(t, require)
	assert.Equal(t, 1000.0, *require)
}

func TestInitialCapitalNeverRewrittenAcrossRefreshes(t *testing.T) {
	tr := NewTracker(FromBalanceDelta)
	tr.RefreshCapital(1000)
	tr.RefreshCapital(2000)
	tr.RefreshCapital(500)
	assert.Equal(t, 1000.0, *tr.InitialCapital())
}

func TestInitialCapitalSurvivesReloadViaRestore(t *testing.T) {
	tr := NewTracker(FromBalanceDelta)
	v := 777.0
	tr.RestoreInitialCapital(&v)
	tr.RefreshCapital(5000)
	assert.Equal(t, 777.0, *tr.InitialCapital())
}

func TestSnapshotComputesLongTermPnL(t *testing.T) {
	tr := NewTracker(FromBalanceDelta)
	tr.RefreshCapital(1000)
	tr.RefreshCapital(1100)
	s := tr.Snapshot()
	assert.InDelta(t, 100, s.LongTermPnLUSD, 1e-9)
	assert.InDelta(t, 10, s.LongTermPnLPct, 1e-9)
}

func TestDurationHoursToTheSecond(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)
	assert.InDelta(t, 1.5, DurationHours(start, end), 1.0/3600)
}
