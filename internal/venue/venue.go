// Package venue defines the typed façade the rest of the engine requires
// from each perpetual-futures venue. Concrete adapters perform signed HTTP
// requests; this package only specifies the contract and the shared
// failure taxonomy.
package venue

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sawpanic/fundingrotor/internal/model"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// BidAsk is a best-bid/best-ask snapshot.
type BidAsk struct {
	Bid float64
	Ask float64
}

// Mid returns the midpoint price.
func (b BidAsk) Mid() float64 { return (b.Bid + b.Ask) / 2 }

// AccountBalance is the venue account's total and available balance in
// quote currency (USD-equivalent).
type AccountBalance struct {
	Total     float64
	Available float64
}

// OrderAck is returned by order placement calls.
type OrderAck struct {
	OrderID     string
	FilledSize  float64
	FilledPrice float64
}

// Adapter is the capability set every venue adapter must expose.
type Adapter interface {
	Name() string

	BestBidAsk(ctx context.Context, symbol string) (BidAsk, error)
	CurrentFundingRate(ctx context.Context, symbol string) (model.FundingSample, error)
	FundingRateHistory(ctx context.Context, symbol string, n int) ([]model.FundingSample, error)
	FundingIntervalHours(ctx context.Context, symbol string) (float64, error)
	Quote24hVolume(ctx context.Context, symbol string) (float64, error)
	SymbolMetadata(ctx context.Context, symbol string) (model.SymbolMeta, error)

	AccountBalance(ctx context.Context) (AccountBalance, error)
	OpenPositionSize(ctx context.Context, symbol string) (float64, error) // signed: +long/-short/0 flat

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetLeverage(ctx context.Context, symbol string) (int, error)

	PlaceAggressiveLimit(ctx context.Context, symbol string, side Side, sizeBase, referencePrice float64, crossTicks int) (OrderAck, error)
	PlaceMarket(ctx context.Context, symbol string, side Side, sizeBase float64) (OrderAck, error)
	PlaceMarketQuote(ctx context.Context, symbol string, side Side, quoteQty float64) (OrderAck, error)
	ClosePosition(ctx context.Context, symbol string) (OrderAck, error)
}

// ErrKind classifies adapter failures.
type ErrKind int

const (
	ErrTransport ErrKind = iota
	ErrAuth
	ErrRateLimited
	ErrNotFound
	ErrInsufficientBalance
	ErrMinimumSize
	ErrVenueReject
)

func (k ErrKind) String() string {
	switch k {
	case ErrTransport:
		return "TransportError"
	case ErrAuth:
		return "AuthError"
	case ErrRateLimited:
		return "RateLimited"
	case ErrNotFound:
		return "NotFound"
	case ErrInsufficientBalance:
		return "InsufficientBalance"
	case ErrMinimumSize:
		return "MinimumSize"
	case ErrVenueReject:
		return "VenueReject"
	default:
		return "Unknown"
	}
}

// Error is the typed error value adapters return; it always carries a Kind
// so callers (notably C9's retry discipline) can classify the failure
// without string matching, falling back to matching "rate limit" in Msg
// only when the venue gives no structured code.
type Error struct {
	Kind ErrKind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewRejectError builds a VenueReject(code, msg) error.
func NewRejectError(code, msg string) *Error {
	return &Error{Kind: ErrVenueReject, Code: code, Msg: msg}
}

// IsRateLimited reports whether err should be treated as a 429-class
// failure: either explicitly tagged ErrRateLimited, or an untagged error
// whose message reads like a throttle response.
func IsRateLimited(err error) bool {
	var ve *Error
	if asError(err, &ve) {
		if ve.Kind == ErrRateLimited {
			return true
		}
	}
	return containsRateLimitText(err)
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}

func containsRateLimitText(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "rate limit") || strings.Contains(s, "429") || strings.Contains(s, "too many requests")
}

// FundingIntervalFromHistory detects a symbol's funding period as the
// modal difference of the last >=2 historical funding timestamps,
// defaulting to 8h on insufficient data. Callers should always prefer an
// adapter's advertised interval when available, via
// SymbolMetadata/FundingIntervalHours, and only fall back to this when
// the venue exposes none; ambiguous history can miscalibrate 4h and 1h
// venues.
func FundingIntervalFromHistory(samples []model.FundingSample) float64 {
	if len(samples) < 2 {
		return 8.0
	}
	counts := make(map[float64]int)
	for i := 1; i < len(samples); i++ {
		d := samples[i].Timestamp.Sub(samples[i-1].Timestamp)
		if d < 0 {
			// History endpoints differ on newest-first vs oldest-first order.
			d = -d
		}
		hrs := roundToNearestHour(d)
		counts[hrs]++
	}
	best, bestCount := 8.0, 0
	for hrs, c := range counts {
		if c > bestCount || (c == bestCount && hrs < best) {
			best, bestCount = hrs, c
		}
	}
	if bestCount == 0 {
		return 8.0
	}
	return best
}

func roundToNearestHour(d time.Duration) float64 {
	hrs := d.Hours()
	// Snap to the nearest common funding cadence (1, 2, 4, 8, 12 or 24h) to absorb clock jitter.
	candidates := []float64{1, 2, 4, 8, 12, 24}
	best := candidates[0]
	bestDiff := math.Abs(hrs - best)
	for _, c := range candidates[1:] {
		if diff := math.Abs(hrs - c); diff < bestDiff {
			best, bestDiff = c, diff
		}
	}
	return best
}
