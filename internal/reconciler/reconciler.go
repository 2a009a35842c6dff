// Package reconciler implements the reconciliation algorithm, in which live
// exchange state is the source of truth. The controller runs it once at
// startup and the one-shot reconcile command runs it on demand; it is not
// re-run after the bot enters ERROR or while it is running. It diffs
// persisted state against a freshly queried live set and produces a Verdict
// the controller applies.
package reconciler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sawpanic/fundingrotor/internal/model"
	"github.com/sawpanic/fundingrotor/internal/venue"
)

// LiveSize is one symbol's live position sizes on both venues.
type LiveSize struct {
	Symbol         string
	LongVenueSize  float64
	ShortVenueSize float64
}

// Outcome enumerates the reconciler's possible verdicts.
type Outcome int

const (
	NoAction Outcome = iota
	Adopt
	ClearToIdle
	RefreshHolding
	Halt
)

func (o Outcome) String() string {
	switch o {
	case NoAction:
		return "no_action"
	case Adopt:
		return "adopt"
	case ClearToIdle:
		return "clear_to_idle"
	case RefreshHolding:
		return "refresh_holding"
	case Halt:
		return "halt"
	default:
		return "unknown"
	}
}

// Verdict is the reconciler's decision for the controller to apply.
type Verdict struct {
	Outcome Outcome
	Symbol  string
	Message string
}

// QueryLiveSet fetches open-position sizes for every symbol in the
// monitored universe from both venues, with bounded concurrency, and
// returns only the symbols with a nonzero size on either venue.
func QueryLiveSet(ctx context.Context, symbols []string, longVenue, shortVenue venue.Adapter, maxConcurrent int) ([]LiveSize, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	sem := make(chan struct{}, maxConcurrent)
	results := make([]LiveSize, len(symbols))
	errs := make([]error, len(symbols))

	var wg sync.WaitGroup
	for i, sym := range symbols {
		i, sym := i, sym
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			longSize, err := longVenue.OpenPositionSize(ctx, sym)
			if err != nil {
				errs[i] = err
				return
			}
			shortSize, err := shortVenue.OpenPositionSize(ctx, sym)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = LiveSize{Symbol: sym, LongVenueSize: longSize, ShortVenueSize: shortSize}
		}()
	}
	wg.Wait()

	var out []LiveSize
	for i, r := range results {
		if errs[i] != nil {
			return nil, fmt.Errorf("reconciler: query %s: %w", symbols[i], errs[i])
		}
		if r.LongVenueSize != 0 || r.ShortVenueSize != 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

// Reconcile maps the persisted state, the current position (if any), and
// the freshly queried live set onto a verdict, using the lot steps to
// judge "matching within one lot step".
func Reconcile(currentState model.BotState, currentSymbol string, live []LiveSize, lotStepLong, lotStepShort float64) Verdict {
	switch currentState {
	case model.StateIdle:
		return reconcileIdle(live, lotStepLong, lotStepShort)
	case model.StateHolding:
		return reconcileHolding(currentSymbol, live, lotStepLong, lotStepShort)
	case model.StateOpening, model.StateClosing:
		return Verdict{Outcome: Halt, Message: fmt.Sprintf("state was %s at startup; partial order in flight, operator must reconcile manually", currentState)}
	default:
		return Verdict{Outcome: NoAction}
	}
}

func reconcileIdle(live []LiveSize, lotStepLong, lotStepShort float64) Verdict {
	if len(live) == 0 {
		return Verdict{Outcome: NoAction}
	}
	if len(live) == 1 && hedgedWithinLotStep(live[0], lotStepLong, lotStepShort) {
		return Verdict{Outcome: Adopt, Symbol: live[0].Symbol, Message: "adopting live hedge found while state was IDLE"}
	}
	return Verdict{Outcome: Halt, Message: fmt.Sprintf("state was IDLE but live_set is ambiguous: %v", live)}
}

func reconcileHolding(symbol string, live []LiveSize, lotStepLong, lotStepShort float64) Verdict {
	if len(live) == 0 {
		return Verdict{Outcome: ClearToIdle, Symbol: symbol, Message: "position closed externally; clearing to IDLE"}
	}
	for _, l := range live {
		if l.Symbol != symbol {
			continue
		}
		if hedgedWithinLotStep(l, lotStepLong, lotStepShort) {
			return Verdict{Outcome: RefreshHolding, Symbol: symbol, Message: "live sizes confirm held position"}
		}
		return Verdict{Outcome: Halt, Message: fmt.Sprintf("size mismatch for %s: long=%v short=%v", symbol, l.LongVenueSize, l.ShortVenueSize)}
	}
	return Verdict{Outcome: Halt, Message: fmt.Sprintf("state HOLDING %s but live_set does not contain it: %v", symbol, live)}
}

func hedgedWithinLotStep(l LiveSize, lotStepLong, lotStepShort float64) bool {
	if (l.LongVenueSize <= 0) || (l.ShortVenueSize >= 0) {
		return false
	}
	step := lotStepLong
	if lotStepShort > step {
		step = lotStepShort
	}
	return math.Abs(math.Abs(l.LongVenueSize)-math.Abs(l.ShortVenueSize)) <= step
}

// AdoptedPosition synthesizes a Position for the Adopt outcome with
// best-known entry prices and opened_at = now.
func AdoptedPosition(symbol, longVenue, shortVenue string, longMid, shortMid float64, size float64, leverage int) model.Position {
	now := time.Now().UTC()
	return model.Position{
		Symbol:          symbol,
		LongVenue:       longVenue,
		ShortVenue:      shortVenue,
		Leverage:        leverage,
		OpenedAt:        now,
		SizeBase:        size,
		LongEntryPrice:  longMid,
		ShortEntryPrice: shortMid,
		Recovered:       true,
	}
}
