package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeHappyPathColdStartScenario(t *testing.T) {
	// Balances (1000,1000), leverage 1, capital_fraction 0.5 -> notional
	// 500 * 0.95 = 475, mid 100, lot step 0.01 -> size 4.75.
	in := Inputs{
		NotionalUSD:      500,
		Leverage:         1,
		AvailableLong:    1000,
		AvailableShort:   1000,
		LongIsMargined:   true,
		LotStepLong:      0.01,
		LotStepShort:     0.01,
		MinNotionalLong:  5,
		MinNotionalShort: 5,
		MidAvg:           100,
		FloorUSD:         10,
	}
	r, err := Size(in)
	require.NoError(t, err)
	assert.InDelta(t, 4.75, r.SizeBase, 1e-9)
	assert.True(t, r.WasCapitalLimited)
}

func TestSizeInsufficientCapital(t *testing.T) {
	in := Inputs{
		NotionalUSD:    100,
		Leverage:       1,
		AvailableLong:  1,
		AvailableShort: 1,
		LongIsMargined: true,
		LotStepLong:    0.01,
		LotStepShort:   0.01,
		MidAvg:         100,
		FloorUSD:       10,
	}
	_, err := Size(in)
	assert.ErrorIs(t, err, ErrInsufficientCapital)
}

func TestSizeBelowMinimum(t *testing.T) {
	in := Inputs{
		NotionalUSD:      20,
		Leverage:         1,
		AvailableLong:    1000,
		AvailableShort:   1000,
		LongIsMargined:   true,
		LotStepLong:      1,
		LotStepShort:     1,
		MinNotionalLong:  1000,
		MinNotionalShort: 1000,
		MidAvg:           100,
		FloorUSD:         10,
	}
	_, err := Size(in)
	var belowMin *ErrBelowMinimum
	assert.ErrorAs(t, err, &belowMin)
}

func TestSizeExistingHoldingOffsetsLongLeg(t *testing.T) {
	in := Inputs{
		NotionalUSD:      1000,
		Leverage:         1,
		AvailableLong:    2000,
		AvailableShort:   2000,
		LongIsMargined:   true,
		LotStepLong:      0.01,
		LotStepShort:     0.01,
		MinNotionalLong:  5,
		MinNotionalShort: 5,
		MidAvg:           100,
		FloorUSD:         10,
		ExistingHolding:  3.0,
	}
	r, err := Size(in)
	require.NoError(t, err)
	assert.InDelta(t, r.SpotBuyQty+in.ExistingHolding, r.ShortSellQty, 1e-9)
}

func TestSizingIdempotenceAcrossTwoLotSteps(t *testing.T) {
	in := Inputs{
		NotionalUSD:      1000,
		Leverage:         1,
		AvailableLong:    2000,
		AvailableShort:   2000,
		LongIsMargined:   true,
		LotStepLong:      0.001,
		LotStepShort:     0.01,
		MinNotionalLong:  5,
		MinNotionalShort: 5,
		MidAvg:           100,
		FloorUSD:         10,
	}
	r, err := Size(in)
	require.NoError(t, err)
	assert.InDelta(t, r.SizeBase, float64(int(r.SizeBase*100))/100, 1e-9, "size_final must already be a multiple of the coarser 0.01 step")
}

func TestSizeNotCapitalLimitedWhenCeilingExceedsRequest(t *testing.T) {
	in := Inputs{
		NotionalUSD:      100,
		Leverage:         1,
		AvailableLong:    100000,
		AvailableShort:   100000,
		LongIsMargined:   true,
		LotStepLong:      0.01,
		LotStepShort:     0.01,
		MinNotionalLong:  5,
		MinNotionalShort: 5,
		MidAvg:           100,
		FloorUSD:         10,
	}
	r, err := Size(in)
	require.NoError(t, err)
	assert.False(t, r.WasCapitalLimited)
	assert.Empty(t, r.LimitingVenue)
}
