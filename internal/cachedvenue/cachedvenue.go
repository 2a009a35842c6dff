// Package cachedvenue wraps a venue.Adapter with a cache-aside layer for
// the scanner's hottest per-symbol reads: funding rate, 24h volume, and
// best bid/ask. A universe scanned every loop_interval_seconds otherwise
// refetches unchanged venue data on every tick; this puts a TTL window in
// front of the three reads the scanner calls for every symbol. The
// decorator embeds the underlying adapter and overrides only the
// cacheable methods.
package cachedvenue

import (
	"context"
	"time"

	"github.com/sawpanic/fundingrotor/internal/cache/rediscache"
	"github.com/sawpanic/fundingrotor/internal/model"
	"github.com/sawpanic/fundingrotor/internal/venue"
)

// Adapter decorates a venue.Adapter, caching CurrentFundingRate,
// Quote24hVolume, and BestBidAsk for ttl. All other methods — anything
// order-related or account-related — pass straight through to the
// embedded adapter; those must never be served stale.
type Adapter struct {
	venue.Adapter
	cache *rediscache.Cache
	ttl   time.Duration
}

// New builds a caching decorator around underlying. A zero or negative ttl
// disables caching (every call passes through).
func New(underlying venue.Adapter, cache *rediscache.Cache, ttl time.Duration) *Adapter {
	return &Adapter{Adapter: underlying, cache: cache, ttl: ttl}
}

func (a *Adapter) CurrentFundingRate(ctx context.Context, symbol string) (model.FundingSample, error) {
	if a.ttl <= 0 {
		return a.Adapter.CurrentFundingRate(ctx, symbol)
	}
	var cached model.FundingSample
	if err := a.cache.Get(ctx, "funding", symbol, &cached); err == nil {
		return cached, nil
	}
	sample, err := a.Adapter.CurrentFundingRate(ctx, symbol)
	if err != nil {
		return sample, err
	}
	_ = a.cache.Set(ctx, "funding", symbol, sample, a.ttl)
	return sample, nil
}

func (a *Adapter) Quote24hVolume(ctx context.Context, symbol string) (float64, error) {
	if a.ttl <= 0 {
		return a.Adapter.Quote24hVolume(ctx, symbol)
	}
	var cached float64
	if err := a.cache.Get(ctx, "volume", symbol, &cached); err == nil {
		return cached, nil
	}
	v, err := a.Adapter.Quote24hVolume(ctx, symbol)
	if err != nil {
		return v, err
	}
	_ = a.cache.Set(ctx, "volume", symbol, v, a.ttl)
	return v, nil
}

func (a *Adapter) BestBidAsk(ctx context.Context, symbol string) (venue.BidAsk, error) {
	if a.ttl <= 0 {
		return a.Adapter.BestBidAsk(ctx, symbol)
	}
	var cached venue.BidAsk
	if err := a.cache.Get(ctx, "quote", symbol, &cached); err == nil {
		return cached, nil
	}
	q, err := a.Adapter.BestBidAsk(ctx, symbol)
	if err != nil {
		return q, err
	}
	_ = a.cache.Set(ctx, "quote", symbol, q, a.ttl)
	return q, nil
}

var _ venue.Adapter = (*Adapter)(nil)
