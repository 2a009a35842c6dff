package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fundingrotor/internal/model"
	"github.com/sawpanic/fundingrotor/internal/venue"
)

type stubAdapter struct {
	venue.Adapter
	name         string
	positionSize float64
	positionErr  error
	placeErr     error
	closeErr     error
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) OpenPositionSize(ctx context.Context, symbol string) (float64, error) {
	return s.positionSize, s.positionErr
}
func (s *stubAdapter) PlaceAggressiveLimit(ctx context.Context, symbol string, side venue.Side, sizeBase, referencePrice float64, crossTicks int) (venue.OrderAck, error) {
	if s.placeErr != nil {
		return venue.OrderAck{}, s.placeErr
	}
	return venue.OrderAck{FilledSize: sizeBase, FilledPrice: referencePrice}, nil
}
func (s *stubAdapter) PlaceMarket(ctx context.Context, symbol string, side venue.Side, sizeBase float64) (venue.OrderAck, error) {
	if s.placeErr != nil {
		return venue.OrderAck{}, s.placeErr
	}
	return venue.OrderAck{FilledSize: sizeBase}, nil
}
func (s *stubAdapter) ClosePosition(ctx context.Context, symbol string) (venue.OrderAck, error) {
	return venue.OrderAck{}, s.closeErr
}
func (s *stubAdapter) SymbolMetadata(ctx context.Context, symbol string) (model.SymbolMeta, error) {
	return model.SymbolMeta{}, nil
}

func TestOpenCrossVenueSuccess(t *testing.T) {
	SettleDelay = time.Millisecond
	long := &stubAdapter{name: "a", positionSize: 5.0}
	short := &stubAdapter{name: "b", positionSize: -5.0}
	res, err := OpenCrossVenue(context.Background(), OpenParams{
		Symbol: "SOL", LongVenue: long, ShortVenue: short, SizeBase: 5, LongReference: 100, ShortReference: 100, LotStep: 0.01,
	})
	require.NoError(t, err)
	assert.True(t, res.LongOK)
	assert.True(t, res.ShortOK)
}

func TestOpenCrossVenuePartialFillDoesNotUnwind(t *testing.T) {
	SettleDelay = time.Millisecond
	long := &stubAdapter{name: "a", positionSize: 5.0}
	short := &stubAdapter{name: "b", positionSize: 0, placeErr: errors.New("rejected")}
	res, err := OpenCrossVenue(context.Background(), OpenParams{
		Symbol: "SOL", LongVenue: long, ShortVenue: short, SizeBase: 5, LongReference: 100, ShortReference: 100, LotStep: 0.01,
	})
	assert.ErrorIs(t, err, ErrPartialFill)
	assert.True(t, res.LongOK)
	assert.False(t, res.ShortOK)
}

func TestOpenCrossVenueBothLegsFailed(t *testing.T) {
	SettleDelay = time.Millisecond
	long := &stubAdapter{name: "a", positionSize: 0, placeErr: errors.New("rejected")}
	short := &stubAdapter{name: "b", positionSize: 0, placeErr: errors.New("rejected")}
	_, err := OpenCrossVenue(context.Background(), OpenParams{
		Symbol: "SOL", LongVenue: long, ShortVenue: short, SizeBase: 5, LongReference: 100, ShortReference: 100, LotStep: 0.01,
	})
	assert.ErrorIs(t, err, ErrBothLegsFailed)
}

func TestOpenCrossVenueSizeMismatchExceedsLotStep(t *testing.T) {
	SettleDelay = time.Millisecond
	long := &stubAdapter{name: "a", positionSize: 5.0}
	short := &stubAdapter{name: "b", positionSize: -4.8}
	_, err := OpenCrossVenue(context.Background(), OpenParams{
		Symbol: "SOL", LongVenue: long, ShortVenue: short, SizeBase: 5, LongReference: 100, ShortReference: 100, LotStep: 0.01,
	})
	assert.Error(t, err)
}

func TestOpenSingleVenueSpotPerpSuccess(t *testing.T) {
	SettleDelay = time.Millisecond
	spot := &stubAdapter{name: "spot"}
	perp := &stubAdapter{name: "perp", positionSize: -5.0}
	res, err := OpenSingleVenueSpotPerp(context.Background(), OpenSingleVenueSpotPerpParams{
		Symbol: "SOL", SpotVenue: spot, PerpVenue: perp,
		SpotBuyQty: 2, ShortSellQty: 5, ShortReference: 100, LotStep: 0.01,
	})
	require.NoError(t, err)
	assert.True(t, res.LongOK)
	assert.True(t, res.ShortOK)
}

func TestOpenSingleVenueSpotPerpSkipsSpotBuyWhenHoldingCovers(t *testing.T) {
	SettleDelay = time.Millisecond
	// A zero spot buy quantity means the existing holding already covers the
	// long leg; only the perp short is placed.
	spot := &stubAdapter{name: "spot", placeErr: errors.New("must not be called")}
	perp := &stubAdapter{name: "perp", positionSize: -5.0}
	res, err := OpenSingleVenueSpotPerp(context.Background(), OpenSingleVenueSpotPerpParams{
		Symbol: "SOL", SpotVenue: spot, PerpVenue: perp,
		SpotBuyQty: 0, ShortSellQty: 5, ShortReference: 100, LotStep: 0.01,
	})
	require.NoError(t, err)
	assert.True(t, res.LongOK)
	assert.True(t, res.ShortOK)
}

func TestOpenSingleVenueSpotPerpPartialFillEscalates(t *testing.T) {
	SettleDelay = time.Millisecond
	spot := &stubAdapter{name: "spot"}
	perp := &stubAdapter{name: "perp", positionSize: 0, placeErr: errors.New("rejected")}
	_, err := OpenSingleVenueSpotPerp(context.Background(), OpenSingleVenueSpotPerpParams{
		Symbol: "SOL", SpotVenue: spot, PerpVenue: perp,
		SpotBuyQty: 2, ShortSellQty: 5, ShortReference: 100, LotStep: 0.01,
	})
	assert.ErrorIs(t, err, ErrPartialFill)
}

func TestCloseCrossVenueSuccess(t *testing.T) {
	SettleDelay = time.Millisecond
	long := &stubAdapter{name: "a", positionSize: 0}
	short := &stubAdapter{name: "b", positionSize: 0}
	res, err := CloseCrossVenue(context.Background(), CloseParams{
		Symbol: "SOL", LongVenue: long, ShortVenue: short, LotStepLong: 0.01, LotStepShort: 0.01,
	})
	require.NoError(t, err)
	assert.True(t, res.LongOK)
	assert.True(t, res.ShortOK)
}

func TestCloseCrossVenuePartialCloseEscalates(t *testing.T) {
	SettleDelay = time.Millisecond
	// Long still reports a nonzero position post-close; short is flat.
	long := &sequencedAdapter{name: "a", sizes: []float64{5.0, 5.0}}
	short := &stubAdapter{name: "b", positionSize: 0}
	_, err := CloseCrossVenue(context.Background(), CloseParams{
		Symbol: "SOL", LongVenue: long, ShortVenue: short, LotStepLong: 0.01, LotStepShort: 0.01,
	})
	assert.ErrorIs(t, err, ErrPartialFill)
}

// sequencedAdapter returns successive OpenPositionSize values so a test can
// simulate "still open after close attempt" without a live exchange.
type sequencedAdapter struct {
	venue.Adapter
	name  string
	sizes []float64
	calls int
}

func (s *sequencedAdapter) Name() string { return s.name }
func (s *sequencedAdapter) OpenPositionSize(ctx context.Context, symbol string) (float64, error) {
	idx := s.calls
	if idx >= len(s.sizes) {
		idx = len(s.sizes) - 1
	}
	s.calls++
	return s.sizes[idx], nil
}
func (s *sequencedAdapter) ClosePosition(ctx context.Context, symbol string) (venue.OrderAck, error) {
	return venue.OrderAck{}, nil
}
