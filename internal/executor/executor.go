// Package executor implements the position executor: concurrent dual-leg
// open/close with settle-then-verify, and the two open-position variants
// kept distinct on purpose — cross-venue hedge flow vs. single-venue
// spot+perp flow — never merged. Partial fills escalate to an explicit
// error, never an automatic unwind.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sawpanic/fundingrotor/internal/venue"
)

// SettleDelay is the pause between dispatching leg orders and re-reading
// position size to verify the fill.
var SettleDelay = 2 * time.Second

const crossTicks = 100

// ErrPartialFill is returned when exactly one leg of an open/close
// succeeded; the caller must transition to ERROR and never auto-unwind.
var ErrPartialFill = errors.New("executor: partial fill, one leg succeeded and one did not")

// ErrBothLegsFailed is returned when neither leg could be opened/closed.
var ErrBothLegsFailed = errors.New("executor: both legs failed")

// OpenParams describes one cross-venue hedge open attempt.
type OpenParams struct {
	Symbol         string
	LongVenue      venue.Adapter
	ShortVenue     venue.Adapter
	SizeBase       float64
	LongReference  float64
	ShortReference float64
	LotStep        float64
}

// OpenResult reports both legs' fills.
type OpenResult struct {
	LongAck, ShortAck venue.OrderAck
	LongOK, ShortOK   bool
}

// OpenCrossVenue opens both legs concurrently as aggressive limits,
// settles, then re-reads position size from both venues to verify. It
// never unwinds a partial fill — it returns ErrPartialFill and leaves
// both venues exactly as they are so the caller halts into ERROR.
func OpenCrossVenue(ctx context.Context, p OpenParams) (OpenResult, error) {
	var res OpenResult
	var wg sync.WaitGroup
	var longErr, shortErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		res.LongAck, longErr = p.LongVenue.PlaceAggressiveLimit(ctx, p.Symbol, venue.SideBuy, p.SizeBase, p.LongReference, crossTicks)
	}()
	go func() {
		defer wg.Done()
		res.ShortAck, shortErr = p.ShortVenue.PlaceAggressiveLimit(ctx, p.Symbol, venue.SideSell, p.SizeBase, p.ShortReference, crossTicks)
	}()
	wg.Wait()

	select {
	case <-time.After(SettleDelay):
	case <-ctx.Done():
		return res, ctx.Err()
	}

	longSize, errLong := p.LongVenue.OpenPositionSize(ctx, p.Symbol)
	shortSize, errShort := p.ShortVenue.OpenPositionSize(ctx, p.Symbol)
	if errLong != nil {
		longErr = errLong
	}
	if errShort != nil {
		shortErr = errShort
	}

	res.LongOK = longErr == nil && longSize > 0
	res.ShortOK = shortErr == nil && shortSize < 0
	if res.LongOK && res.ShortOK {
		if math.Abs(math.Abs(longSize)-math.Abs(shortSize)) > p.LotStep {
			return res, fmt.Errorf("executor: leg size mismatch long=%v short=%v exceeds one lot step", longSize, shortSize)
		}
		return res, nil
	}
	if res.LongOK != res.ShortOK {
		return res, ErrPartialFill
	}
	return res, ErrBothLegsFailed
}

// OpenSingleVenueSpotPerpParams describes the second open-path: buy spot
// on one venue for the long leg, open a perp short on the other. Kept as
// a distinct variant from OpenCrossVenue rather than merged.
type OpenSingleVenueSpotPerpParams struct {
	Symbol         string
	SpotVenue      venue.Adapter
	PerpVenue      venue.Adapter
	SpotBuyQty     float64
	ShortSellQty   float64
	ShortReference float64
	LotStep        float64
}

// OpenSingleVenueSpotPerp buys spot (market order, since spot legs are not
// quoted with the aggressive-limit/cross-ticks convention used for perps)
// and opens the perp short as an aggressive limit, concurrently.
func OpenSingleVenueSpotPerp(ctx context.Context, p OpenSingleVenueSpotPerpParams) (OpenResult, error) {
	var res OpenResult
	var wg sync.WaitGroup
	var spotErr, shortErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		if p.SpotBuyQty <= 0 {
			// Existing spot holding already covers the long leg.
			return
		}
		res.LongAck, spotErr = p.SpotVenue.PlaceMarket(ctx, p.Symbol, venue.SideBuy, p.SpotBuyQty)
	}()
	go func() {
		defer wg.Done()
		res.ShortAck, shortErr = p.PerpVenue.PlaceAggressiveLimit(ctx, p.Symbol, venue.SideSell, p.ShortSellQty, p.ShortReference, crossTicks)
	}()
	wg.Wait()

	select {
	case <-time.After(SettleDelay):
	case <-ctx.Done():
		return res, ctx.Err()
	}

	shortSize, errShort := p.PerpVenue.OpenPositionSize(ctx, p.Symbol)
	if errShort != nil {
		shortErr = errShort
	}
	res.ShortOK = shortErr == nil && shortSize < 0
	res.LongOK = spotErr == nil

	if res.LongOK && res.ShortOK {
		if math.Abs(math.Abs(shortSize)-p.ShortSellQty) > p.LotStep {
			return res, fmt.Errorf("executor: spot+perp leg size mismatch short=%v expected=%v exceeds one lot step", shortSize, p.ShortSellQty)
		}
		return res, nil
	}
	if res.LongOK != res.ShortOK {
		return res, ErrPartialFill
	}
	return res, ErrBothLegsFailed
}

// CloseParams describes a cross-venue close attempt.
type CloseParams struct {
	Symbol       string
	LongVenue    venue.Adapter
	ShortVenue   venue.Adapter
	LotStepLong  float64
	LotStepShort float64
}

// CloseCrossVenue reads live position sizes (authoritative), dispatches
// both close orders concurrently, settles, and re-verifies both legs are
// flat.
func CloseCrossVenue(ctx context.Context, p CloseParams) (OpenResult, error) {
	var res OpenResult

	longSize, err := p.LongVenue.OpenPositionSize(ctx, p.Symbol)
	if err != nil {
		return res, fmt.Errorf("executor: read long position before close: %w", err)
	}
	shortSize, err := p.ShortVenue.OpenPositionSize(ctx, p.Symbol)
	if err != nil {
		return res, fmt.Errorf("executor: read short position before close: %w", err)
	}

	var wg sync.WaitGroup
	var longErr, shortErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		if math.Abs(longSize) <= p.LotStepLong {
			res.LongOK = true
			return
		}
		res.LongAck, longErr = p.LongVenue.ClosePosition(ctx, p.Symbol)
	}()
	go func() {
		defer wg.Done()
		if math.Abs(shortSize) <= p.LotStepShort {
			res.ShortOK = true
			return
		}
		res.ShortAck, shortErr = p.ShortVenue.ClosePosition(ctx, p.Symbol)
	}()
	wg.Wait()

	select {
	case <-time.After(SettleDelay):
	case <-ctx.Done():
		return res, ctx.Err()
	}

	finalLong, errLong := p.LongVenue.OpenPositionSize(ctx, p.Symbol)
	finalShort, errShort := p.ShortVenue.OpenPositionSize(ctx, p.Symbol)
	if errLong != nil {
		longErr = errLong
	}
	if errShort != nil {
		shortErr = errShort
	}

	res.LongOK = longErr == nil && math.Abs(finalLong) < p.LotStepLong
	res.ShortOK = shortErr == nil && math.Abs(finalShort) < p.LotStepShort

	if res.LongOK && res.ShortOK {
		return res, nil
	}
	if res.LongOK != res.ShortOK {
		return res, ErrPartialFill
	}
	return res, ErrBothLegsFailed
}
