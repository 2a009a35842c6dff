// Package portfolio implements the portfolio PnL tracker and the two
// realized-PnL derivation modes: once initial_total_capital is set from
// the first positive balance read, it is never rewritten. Structured as a
// mutex-guarded accumulator read via a snapshot method rather than
// exposed fields.
package portfolio

import (
	"sync"
	"time"

	"github.com/sawpanic/fundingrotor/internal/model"
)

// RealizedPnLMode selects how a CompletedCycle's realized PnL is derived.
// Venues disagree on whether balance reflects realized PnL at the instant
// of close, so both derivations are kept rather than guessing a single
// universal formula.
type RealizedPnLMode int

const (
	// FromBalanceDelta computes realized PnL from the venues' balance
	// change across the position's lifetime. Venue-agnostic; the default.
	FromBalanceDelta RealizedPnLMode = iota
	// FromUnrealizedSnapshot instead uses the last unrealized-PnL reading
	// taken just before close, matching venues (e.g. EdgeX) whose
	// totalEquity balance does not reliably reflect realized PnL at the
	// instant of close.
	FromUnrealizedSnapshot
)

// Tracker accumulates total capital and long-term PnL across the bot's
// lifetime.
type Tracker struct {
	mu                  sync.RWMutex
	initialTotalCapital *float64
	lastTotalCapital    float64
	mode                RealizedPnLMode
}

func NewTracker(mode RealizedPnLMode) *Tracker {
	return &Tracker{mode: mode}
}

// RestoreInitialCapital re-hydrates the once-only invariant from a loaded
// state document; it is the only way to set initialTotalCapital other than
// RefreshCapital's first-positive-read rule.
func (t *Tracker) RestoreInitialCapital(v *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialTotalCapital = v
}

// RefreshCapital records a fresh total-capital reading. If
// initial_total_capital is still null and total_capital > 0, it is set now;
// thereafter it is never modified again, across any number of save/reload
// cycles.
func (t *Tracker) RefreshCapital(totalCapital float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTotalCapital = totalCapital
	if t.initialTotalCapital == nil && totalCapital > 0 {
		v := totalCapital
		t.initialTotalCapital = &v
	}
}

// Snapshot is the display-only long-term PnL view; it is never consulted
// as an exit signal.
type Snapshot struct {
	TotalCapital        float64
	InitialTotalCapital *float64
	LongTermPnLUSD      float64
	LongTermPnLPct      float64
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{TotalCapital: t.lastTotalCapital, InitialTotalCapital: t.initialTotalCapital}
	if t.initialTotalCapital == nil || *t.initialTotalCapital == 0 {
		return s
	}
	s.LongTermPnLUSD = t.lastTotalCapital - *t.initialTotalCapital
	s.LongTermPnLPct = s.LongTermPnLUSD / *t.initialTotalCapital * 100
	return s
}

// InitialCapital returns the once-set initial capital pointer for
// persistence into CapitalStatus.
func (t *Tracker) InitialCapital() *float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.initialTotalCapital
}

// Mode reports which realized-PnL derivation this tracker uses.
func (t *Tracker) Mode() RealizedPnLMode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// RealizedPnL computes a CompletedCycle's RealizedPnLBreakdown according to
// the tracker's configured mode.
func (t *Tracker) RealizedPnL(cumulativeFunding, entryFees, exitFees float64, balancesBefore, balancesAfter model.Balances, lastUnrealizedSnapshot float64) model.RealizedPnLBreakdown {
	fees := entryFees + exitFees
	var priceUPnL float64
	switch t.Mode() {
	case FromUnrealizedSnapshot:
		priceUPnL = lastUnrealizedSnapshot
	default:
		deltaA := (balancesAfter.VenueATotal - balancesBefore.VenueATotal)
		deltaB := (balancesAfter.VenueBTotal - balancesBefore.VenueBTotal)
		priceUPnL = deltaA + deltaB - cumulativeFunding + fees
	}
	net := cumulativeFunding + priceUPnL - fees
	return model.RealizedPnLBreakdown{
		FundingReceived: cumulativeFunding,
		PriceUPnL:       priceUPnL,
		Fees:            fees,
		Net:             net,
	}
}

// DurationHours computes a CompletedCycle's duration to the second.
func DurationHours(openedAt, closedAt time.Time) float64 {
	return closedAt.Sub(openedAt).Hours()
}
