// Package sizing implements the capital-ceiling and lot-aligned sizing
// algorithm: how much base-asset size to open given two venues' available
// balance, leverage, and lot steps, with the existing-spot-holding offset
// for the long leg. Pure functions only, no I/O; the controller supplies
// already-fetched balances/prices/metadata.
package sizing

import (
	"errors"
	"math"

	"github.com/sawpanic/fundingrotor/internal/tickmath"
)

// ErrInsufficientCapital is returned when the ceiling-capped notional
// falls below the configurable floor.
var ErrInsufficientCapital = errors.New("sizing: notional below floor after capital ceiling")

// ErrBelowMinimum is returned when the final aligned size fails either
// venue's minimum-base requirement.
type ErrBelowMinimum struct {
	MinBaseLong, MinBaseShort float64
}

func (e *ErrBelowMinimum) Error() string {
	return "sizing: size_final below venue minimum"
}

// Inputs bundles everything the sizing algorithm needs for one attempt.
type Inputs struct {
	NotionalUSD      float64
	Leverage         int
	AvailableLong    float64 // available balance backing the long leg
	AvailableShort   float64 // available balance backing the short leg (perp margin)
	LongIsMargined   bool    // false for a spot long leg (no leverage multiplier)
	LotStepLong      float64
	LotStepShort     float64
	MinNotionalLong  float64
	MinNotionalShort float64
	MidAvg           float64
	FloorUSD         float64 // default 10
	ExistingHolding  float64 // existing same-side spot balance offsetting the long leg
}

// Result is the sizing engine's output; SpotBuyQty + the existing holding
// always equals ShortSellQty after rounding.
type Result struct {
	SizeBase          float64
	NotionalActual    float64
	LimitingVenue     string
	WasCapitalLimited bool
	SpotBuyQty        float64
	ShortSellQty      float64
}

// Size computes the largest base-asset quantity valid on both venues for
// the requested notional.
func Size(in Inputs) (Result, error) {
	floor := in.FloorUSD
	if floor <= 0 {
		floor = 10
	}

	maxLong := in.AvailableLong
	if in.LongIsMargined {
		maxLong = in.AvailableLong * float64(in.Leverage)
	}
	maxShort := in.AvailableShort * float64(in.Leverage)

	limitingVenue := "long"
	ceilingBase := maxLong
	if maxShort < maxLong {
		limitingVenue = "short"
		ceilingBase = maxShort
	}
	ceiling := ceilingBase * 0.95

	wasCapitalLimited := ceiling < in.NotionalUSD
	n := in.NotionalUSD
	if ceiling < n {
		n = ceiling
	}
	if !wasCapitalLimited {
		limitingVenue = ""
	}

	if n < floor {
		return Result{}, ErrInsufficientCapital
	}

	if in.MidAvg <= 0 {
		return Result{}, errors.New("sizing: mid_avg must be positive")
	}
	sizeIdeal := n / in.MidAvg

	step := tickmath.CoarserStep(in.LotStepLong, in.LotStepShort)
	sizeFinal := tickmath.FloorTo(sizeIdeal, step)

	minBaseLong := math.Max(in.LotStepLong, safeDiv(in.MinNotionalLong, in.MidAvg))
	minBaseShort := math.Max(in.LotStepShort, safeDiv(in.MinNotionalShort, in.MidAvg))
	if sizeFinal < minBaseLong || sizeFinal < minBaseShort {
		return Result{}, &ErrBelowMinimum{MinBaseLong: minBaseLong, MinBaseShort: minBaseShort}
	}

	spotBuyQty := tickmath.FloorTo(math.Max(0, sizeFinal-in.ExistingHolding), step)
	shortSellQty := tickmath.FloorTo(in.ExistingHolding+spotBuyQty, step)

	return Result{
		SizeBase:          shortSellQty,
		NotionalActual:    shortSellQty * in.MidAvg,
		LimitingVenue:     limitingVenue,
		WasCapitalLimited: wasCapitalLimited,
		SpotBuyQty:        spotBuyQty,
		ShortSellQty:      shortSellQty,
	}, nil
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
