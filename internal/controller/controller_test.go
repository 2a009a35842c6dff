package controller

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fundingrotor/internal/config"
	"github.com/sawpanic/fundingrotor/internal/executor"
	"github.com/sawpanic/fundingrotor/internal/model"
	"github.com/sawpanic/fundingrotor/internal/portfolio"
	"github.com/sawpanic/fundingrotor/internal/ratelimit"
	"github.com/sawpanic/fundingrotor/internal/state"
	"github.com/sawpanic/fundingrotor/internal/venue"
)

func init() {
	// Tests never wait on a live exchange settlement; shrink the
	// executor's post-order pause so the suite runs in milliseconds.
	executor.SettleDelay = time.Millisecond
}

// fakeVenue is a hand-rolled venue.Adapter double: in-memory balances,
// quotes, funding samples, and a signed per-symbol position size that
// PlaceAggressiveLimit/PlaceMarket/ClosePosition mutate the way a real
// venue's fill would.
type fakeVenue struct {
	mu sync.Mutex

	name    string
	balance venue.AccountBalance

	quotes  map[string]venue.BidAsk
	funding map[string]model.FundingSample
	history map[string][]model.FundingSample
	volume  map[string]float64
	meta    map[string]model.SymbolMeta
	sizes   map[string]float64

	placeErr error
	closeErr error
}

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{
		name:    name,
		quotes:  map[string]venue.BidAsk{},
		funding: map[string]model.FundingSample{},
		history: map[string][]model.FundingSample{},
		volume:  map[string]float64{},
		meta:    map[string]model.SymbolMeta{},
		sizes:   map[string]float64{},
	}
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) BestBidAsk(ctx context.Context, symbol string) (venue.BidAsk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotes[symbol], nil
}

func (f *fakeVenue) CurrentFundingRate(ctx context.Context, symbol string) (model.FundingSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.funding[symbol], nil
}

func (f *fakeVenue) FundingRateHistory(ctx context.Context, symbol string, n int) ([]model.FundingSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[symbol], nil
}

func (f *fakeVenue) FundingIntervalHours(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta[symbol].FundingIntervalHours, nil
}

func (f *fakeVenue) Quote24hVolume(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume[symbol], nil
}

func (f *fakeVenue) SymbolMetadata(ctx context.Context, symbol string) (model.SymbolMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta[symbol], nil
}

func (f *fakeVenue) AccountBalance(ctx context.Context) (venue.AccountBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeVenue) OpenPositionSize(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizes[symbol], nil
}

func (f *fakeVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (f *fakeVenue) GetLeverage(ctx context.Context, symbol string) (int, error)        { return 1, nil }

func (f *fakeVenue) PlaceAggressiveLimit(ctx context.Context, symbol string, side venue.Side, sizeBase, referencePrice float64, crossTicks int) (venue.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return venue.OrderAck{}, f.placeErr
	}
	if side == venue.SideBuy {
		f.sizes[symbol] = sizeBase
	} else {
		f.sizes[symbol] = -sizeBase
	}
	return venue.OrderAck{OrderID: "ord-" + symbol, FilledSize: sizeBase, FilledPrice: referencePrice}, nil
}

func (f *fakeVenue) PlaceMarket(ctx context.Context, symbol string, side venue.Side, sizeBase float64) (venue.OrderAck, error) {
	return f.PlaceAggressiveLimit(ctx, symbol, side, sizeBase, 0, 0)
}

func (f *fakeVenue) PlaceMarketQuote(ctx context.Context, symbol string, side venue.Side, quoteQty float64) (venue.OrderAck, error) {
	return f.PlaceAggressiveLimit(ctx, symbol, side, quoteQty, 0, 0)
}

func (f *fakeVenue) ClosePosition(ctx context.Context, symbol string) (venue.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return venue.OrderAck{}, f.closeErr
	}
	f.sizes[symbol] = 0
	return venue.OrderAck{OrderID: "close-" + symbol}, nil
}

var _ venue.Adapter = (*fakeVenue)(nil)

// testLimiter is a fast, effectively unthrottled limiter for tests.
func testLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	return ratelimit.New(ratelimit.Config{
		Name:                "test",
		MaxConcurrent:       8,
		RequestsPerSecond:   1000,
		Burst:               1000,
		ConsecutiveFailTrip: 100,
		OpenTimeout:         time.Second,
	})
}

func writeConfig(t *testing.T, dir string, symbols []string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	doc := map[string]any{
		"universe": map[string]any{"symbols_to_monitor": symbols},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0644))
	return path
}

// newTestController builds a Controller over two fakeVenues and a fresh
// state file under t.TempDir(), with a single-symbol universe eligible to
// open by default (caller mutates the fakes before calling stepAnalyzing
// for scenarios that should not open).
func newTestController(t *testing.T, symbols []string) (*Controller, *fakeVenue, *fakeVenue, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, symbols)

	a := newFakeVenue(nameVenueA)
	b := newFakeVenue(nameVenueB)
	a.balance = venue.AccountBalance{Total: 10_000, Available: 10_000}
	b.balance = venue.AccountBalance{Total: 10_000, Available: 10_000}

	mgr := state.NewManager(filepath.Join(dir, "state.json"))
	deps := Deps{
		ConfigPath:         cfgPath,
		StateMgr:           mgr,
		VenueA:             a,
		VenueB:             b,
		LimiterA:           testLimiter(t),
		LimiterB:           testLimiter(t),
		Log:                zerolog.Nop(),
		Tracker:            portfolio.NewTracker(portfolio.FromBalanceDelta),
		MaxScanConcurrency: 4,
	}
	ctl, err := New(deps)
	require.NoError(t, err)
	return ctl, a, b, dir
}

// seedEligibleOpportunity makes symbol a clean long-A/short-B eligible
// opportunity: venue B's funding rate well above venue A's, ample volume,
// a tight cross-venue spread.
func seedEligibleOpportunity(a, b *fakeVenue, symbol string) {
	now := time.Now()
	a.funding[symbol] = model.FundingSample{Symbol: symbol, Rate: 0.0001, PeriodHrs: 8, Timestamp: now}
	b.funding[symbol] = model.FundingSample{Symbol: symbol, Rate: 0.0005, PeriodHrs: 8, Timestamp: now}
	a.volume[symbol] = 2_000_000
	b.volume[symbol] = 2_000_000
	a.quotes[symbol] = venue.BidAsk{Bid: 99.9, Ask: 100.1}
	b.quotes[symbol] = venue.BidAsk{Bid: 99.9, Ask: 100.1}
	meta := model.SymbolMeta{Symbol: symbol, PriceTick: 0.01, LotStep: 0.01, MinNotional: 10, FundingIntervalHours: 8}
	a.meta[symbol] = meta
	b.meta[symbol] = meta
}

func TestStepAnalyzingOpensEligibleOpportunity(t *testing.T) {
	ctl, a, b, _ := newTestController(t, []string{"SOL"})
	seedEligibleOpportunity(a, b, "SOL")

	ctl.transition(model.StateAnalyzing)
	ctl.stepAnalyzing(context.Background())

	require.Equal(t, model.StateHolding, ctl.doc.State)
	require.NotNil(t, ctl.doc.CurrentPosition)
	assert.Equal(t, "SOL", ctl.doc.CurrentPosition.Symbol)
	assert.Equal(t, nameVenueA, ctl.doc.CurrentPosition.LongVenue)
	assert.Equal(t, nameVenueB, ctl.doc.CurrentPosition.ShortVenue)
	assert.Greater(t, ctl.doc.CurrentPosition.SizeBase, 0.0)
	assert.Equal(t, ctl.doc.CurrentCycleID, ctl.doc.CurrentPosition.ID)
}

func TestStepAnalyzingNoEligibleOpportunitiesWaits(t *testing.T) {
	ctl, a, b, _ := newTestController(t, []string{"SOL"})
	// Identical, tiny positive rates on both venues: net APR in either
	// direction is ~0, well under the minimum, so nothing clears the scan.
	a.funding["SOL"] = model.FundingSample{Symbol: "SOL", Rate: 0.00001, PeriodHrs: 8, Timestamp: time.Now()}
	b.funding["SOL"] = model.FundingSample{Symbol: "SOL", Rate: 0.00001, PeriodHrs: 8, Timestamp: time.Now()}
	a.volume["SOL"] = 2_000_000
	b.volume["SOL"] = 2_000_000
	a.quotes["SOL"] = venue.BidAsk{Bid: 100, Ask: 100.01}
	b.quotes["SOL"] = venue.BidAsk{Bid: 100, Ask: 100.01}

	ctl.transition(model.StateAnalyzing)
	ctl.stepAnalyzing(context.Background())

	assert.Equal(t, model.StateWaiting, ctl.doc.State)
	assert.Nil(t, ctl.doc.CurrentPosition)
}

func TestStepAnalyzingSkipsSizingRejectionAndTriesNextCandidate(t *testing.T) {
	ctl, a, b, _ := newTestController(t, []string{"LOWCAP", "SOL"})
	seedEligibleOpportunity(a, b, "LOWCAP")
	seedEligibleOpportunity(a, b, "SOL")

	// LOWCAP clears the scanner's eligibility filters (volume/spread/APR)
	// but its minimum notional is set far above what 50% of the account's
	// balance can ever size into, so sizing.Size rejects it with
	// ErrBelowMinimum and stepAnalyzing must move on to SOL.
	a.meta["LOWCAP"] = model.SymbolMeta{Symbol: "LOWCAP", PriceTick: 0.01, LotStep: 0.01, MinNotional: 100_000, FundingIntervalHours: 8}
	b.meta["LOWCAP"] = a.meta["LOWCAP"]

	ctl.transition(model.StateAnalyzing)
	ctl.stepAnalyzing(context.Background())

	require.Equal(t, model.StateHolding, ctl.doc.State)
	require.NotNil(t, ctl.doc.CurrentPosition)
	assert.Equal(t, "SOL", ctl.doc.CurrentPosition.Symbol)
}

func TestTryOpenPartialFillHaltsIntoError(t *testing.T) {
	ctl, a, b, _ := newTestController(t, []string{"SOL"})
	seedEligibleOpportunity(a, b, "SOL")
	b.placeErr = assertErr("short leg rejected")

	cfg, _, err := config.Load(ctl.deps.ConfigPath)
	require.NoError(t, err)
	cap, err := ctl.refreshCapital(context.Background())
	require.NoError(t, err)
	opp := model.Opportunity{
		Symbol: "SOL", LongVenue: nameVenueA, ShortVenue: nameVenueB,
		NetAPR: 40, FundingFreqPerDay: 3,
	}

	moved := ctl.tryOpen(context.Background(), cfg, cap, opp)
	require.True(t, moved)
	assert.Equal(t, model.StateError, ctl.doc.State)
	assert.Contains(t, ctl.doc.CumulativeStats.LastError, "partial fill")
}

func TestTryOpenBothLegsFailedStaysAnalyzingForRetry(t *testing.T) {
	ctl, a, b, _ := newTestController(t, []string{"SOL"})
	seedEligibleOpportunity(a, b, "SOL")
	a.placeErr = assertErr("long leg rejected")
	b.placeErr = assertErr("short leg rejected")

	cfg, _, err := config.Load(ctl.deps.ConfigPath)
	require.NoError(t, err)
	cap, err := ctl.refreshCapital(context.Background())
	require.NoError(t, err)
	opp := model.Opportunity{
		Symbol: "SOL", LongVenue: nameVenueA, ShortVenue: nameVenueB,
		NetAPR: 40, FundingFreqPerDay: 3,
	}

	moved := ctl.tryOpen(context.Background(), cfg, cap, opp)
	require.True(t, moved)
	assert.Equal(t, model.StateAnalyzing, ctl.doc.State)
	assert.Nil(t, ctl.doc.CurrentPosition)
}

func TestStepHoldingStopLossExitClosesPosition(t *testing.T) {
	ctl, a, b, _ := newTestController(t, []string{"SOL"})
	seedEligibleOpportunity(a, b, "SOL")

	openedAt := time.Now().UTC().Add(-time.Hour)
	pos := &model.Position{
		ID: "pos-1", Symbol: "SOL", LongVenue: nameVenueA, ShortVenue: nameVenueB,
		Leverage: 1, OpenedAt: openedAt, TargetCloseAt: openedAt.Add(4 * time.Hour),
		SizeBase: 10, LongEntryPrice: 100, ShortEntryPrice: 100,
		ActualNotional: 1000, ExpectedNetAPR: 40, ExpectedFundingRatePerPeriod: 0.0005,
	}
	ctl.doc.CurrentPosition = pos
	ctl.doc.State = model.StateHolding

	// Crash the long mark price far below entry: well past the leveraged
	// stop-loss threshold for both legs combined.
	a.quotes["SOL"] = venue.BidAsk{Bid: 10, Ask: 10.1}
	b.quotes["SOL"] = venue.BidAsk{Bid: 100, Ask: 100.1}
	a.sizes["SOL"] = 10
	b.sizes["SOL"] = -10

	ctl.stepHolding(context.Background())

	require.Equal(t, model.StateWaiting, ctl.doc.State)
	require.Len(t, ctl.doc.CompletedCycles, 1)
	assert.Equal(t, model.ExitReasonStopLoss, ctl.doc.CompletedCycles[0].ExitReason)
	assert.Nil(t, ctl.doc.CurrentPosition)
}

func TestStepHoldingMaxAgeExitClosesPosition(t *testing.T) {
	ctl, a, b, _ := newTestController(t, []string{"SOL"})
	seedEligibleOpportunity(a, b, "SOL")

	openedAt := time.Now().UTC().Add(-200 * time.Hour) // past the 168h default cap
	pos := &model.Position{
		ID: "pos-1", Symbol: "SOL", LongVenue: nameVenueA, ShortVenue: nameVenueB,
		Leverage: 1, OpenedAt: openedAt, TargetCloseAt: openedAt.Add(4 * time.Hour),
		SizeBase: 10, LongEntryPrice: 100, ShortEntryPrice: 100,
		// A negligible funding rate keeps projected cumulative funding well
		// under the fee-coverage threshold, so MAX_AGE is the rule that
		// actually fires rather than FEE_COVERAGE_MET.
		ActualNotional: 1000, ExpectedNetAPR: 0.001095, ExpectedFundingRatePerPeriod: 1e-8,
	}
	ctl.doc.CurrentPosition = pos
	ctl.doc.State = model.StateHolding

	a.quotes["SOL"] = venue.BidAsk{Bid: 100, Ask: 100.1}
	b.quotes["SOL"] = venue.BidAsk{Bid: 100, Ask: 100.1}
	a.sizes["SOL"] = 10
	b.sizes["SOL"] = -10

	ctl.stepHolding(context.Background())

	require.Equal(t, model.StateWaiting, ctl.doc.State)
	require.Len(t, ctl.doc.CompletedCycles, 1)
	assert.Equal(t, model.ExitReasonMaxAge, ctl.doc.CompletedCycles[0].ExitReason)
}

func TestStepHoldingHealthMismatchExitClosesPosition(t *testing.T) {
	ctl, a, b, _ := newTestController(t, []string{"SOL"})
	seedEligibleOpportunity(a, b, "SOL")

	openedAt := time.Now().UTC().Add(-time.Hour)
	pos := &model.Position{
		ID: "pos-1", Symbol: "SOL", LongVenue: nameVenueA, ShortVenue: nameVenueB,
		Leverage: 1, OpenedAt: openedAt, TargetCloseAt: openedAt.Add(4 * time.Hour),
		SizeBase: 10, LongEntryPrice: 100, ShortEntryPrice: 100,
		ActualNotional: 1000, ExpectedNetAPR: 40, ExpectedFundingRatePerPeriod: 0.0005,
	}
	ctl.doc.CurrentPosition = pos
	ctl.doc.State = model.StateHolding

	a.quotes["SOL"] = venue.BidAsk{Bid: 100, Ask: 100.1}
	b.quotes["SOL"] = venue.BidAsk{Bid: 100, Ask: 100.1}
	// Long leg reads far larger than the short leg: exceeds one lot step.
	a.sizes["SOL"] = 10
	b.sizes["SOL"] = -2

	ctl.stepHolding(context.Background())

	require.Equal(t, model.StateWaiting, ctl.doc.State)
	require.Len(t, ctl.doc.CompletedCycles, 1)
	assert.Equal(t, model.ExitReasonHealth, ctl.doc.CompletedCycles[0].ExitReason)
}

func TestClosePositionPartialCloseHaltsIntoError(t *testing.T) {
	ctl, a, b, _ := newTestController(t, []string{"SOL"})
	seedEligibleOpportunity(a, b, "SOL")
	a.sizes["SOL"] = 10
	b.sizes["SOL"] = -10
	b.closeErr = assertErr("short leg close rejected")

	pos := model.Position{
		ID: "pos-1", Symbol: "SOL", LongVenue: nameVenueA, ShortVenue: nameVenueB,
		Leverage: 1, OpenedAt: time.Now().UTC(), SizeBase: 10,
	}
	ctl.doc.CurrentPosition = &pos
	ctl.doc.State = model.StateHolding

	capBefore, err := ctl.refreshCapital(context.Background())
	require.NoError(t, err)
	ctl.closePosition(context.Background(), config.Defaults(), pos, model.ExitReasonMaxAge, a.quotes["SOL"], b.quotes["SOL"], capBefore)

	assert.Equal(t, model.StateError, ctl.doc.State)
	assert.Contains(t, ctl.doc.CumulativeStats.LastError, "close failed")
}

func TestReconcileIfNeededAdoptsOrphanedHedge(t *testing.T) {
	ctl, a, b, _ := newTestController(t, []string{"SOL"})
	seedEligibleOpportunity(a, b, "SOL")
	a.sizes["SOL"] = 5
	b.sizes["SOL"] = -5
	ctl.doc.State = model.StateIdle

	require.NoError(t, ctl.reconcileIfNeeded(context.Background()))

	assert.Equal(t, model.StateHolding, ctl.doc.State)
	require.NotNil(t, ctl.doc.CurrentPosition)
	pos := ctl.doc.CurrentPosition
	assert.Equal(t, "SOL", pos.Symbol)
	assert.True(t, pos.Recovered)
	assert.Equal(t, 1, pos.Leverage)
	assert.Greater(t, pos.ActualNotional, 0.0)
	// Expected funding is recomputed from the scanner, so the recovered
	// position's fee-coverage and rotation rules judge it like any other.
	assert.Greater(t, pos.ExpectedNetAPR, 0.0)
	assert.Greater(t, pos.ExpectedFundingRatePerPeriod, 0.0)
}

func TestReconcileIfNeededClearsToIdleOnExternalClose(t *testing.T) {
	ctl, _, _, _ := newTestController(t, []string{"SOL"})
	ctl.doc.State = model.StateHolding
	ctl.doc.CurrentPosition = &model.Position{Symbol: "SOL"}

	require.NoError(t, ctl.reconcileIfNeeded(context.Background()))

	assert.Equal(t, model.StateIdle, ctl.doc.State)
	assert.Nil(t, ctl.doc.CurrentPosition)
}

func TestReconcileIfNeededHaltsOnResumedOpening(t *testing.T) {
	ctl, _, _, _ := newTestController(t, []string{"SOL"})
	ctl.doc.State = model.StateOpening

	require.NoError(t, ctl.reconcileIfNeeded(context.Background()))

	assert.Equal(t, model.StateError, ctl.doc.State)
	assert.Contains(t, ctl.doc.CumulativeStats.LastError, "operator must reconcile")
}

func TestScanVenuesFallsBackToUncachedAdapters(t *testing.T) {
	ctl, a, b, _ := newTestController(t, nil)
	scanA, scanB := ctl.scanVenues()
	assert.Same(t, venue.Adapter(a), scanA)
	assert.Same(t, venue.Adapter(b), scanB)

	cachedA := newFakeVenue("cached-a")
	ctl.deps.ScanVenueA = cachedA
	scanA, scanB = ctl.scanVenues()
	assert.Same(t, venue.Adapter(cachedA), scanA)
	assert.Same(t, venue.Adapter(b), scanB)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	ctl, _, _, _ := newTestController(t, nil)
	ctl.doc.State = model.StateIdle
	// IDLE -> HOLDING is not in the allowed table; the transition must be
	// silently refused and the document left in IDLE.
	ctl.transition(model.StateHolding)
	assert.Equal(t, model.StateIdle, ctl.doc.State)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
