// Package controller drives the rotation engine's single cooperative state
// machine loop: analyze, size, open, hold, close, wait, repeat. It is the
// only place that mutates BotState, Position, CapitalStatus, and
// CumulativeStats; every mutation happens between suspension points, so
// nothing else in this repo needs a lock around those types.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/fundingrotor/internal/config"
	"github.com/sawpanic/fundingrotor/internal/executor"
	"github.com/sawpanic/fundingrotor/internal/metrics"
	"github.com/sawpanic/fundingrotor/internal/model"
	"github.com/sawpanic/fundingrotor/internal/monitor"
	"github.com/sawpanic/fundingrotor/internal/portfolio"
	"github.com/sawpanic/fundingrotor/internal/ratelimit"
	"github.com/sawpanic/fundingrotor/internal/reconciler"
	"github.com/sawpanic/fundingrotor/internal/scanner"
	"github.com/sawpanic/fundingrotor/internal/sizing"
	"github.com/sawpanic/fundingrotor/internal/state"
	"github.com/sawpanic/fundingrotor/internal/tickmath"
	"github.com/sawpanic/fundingrotor/internal/venue"
)

// retryShortDelay is the pause before the single close retry after a
// both-legs-failed close attempt.
var retryShortDelay = 5 * time.Second

// Broadcaster receives state-transition/position events for the operator
// dashboard (internal/opsserver). Optional; a nil Broadcaster is a no-op.
type Broadcaster interface {
	Broadcast(event any)
}

// Archiver durably records a CompletedCycle beyond the state file's 100-entry
// FIFO (internal/archive/postgres). Optional; a nil Archiver is a no-op.
type Archiver interface {
	Insert(ctx context.Context, c model.CompletedCycle) error
}

// Deps bundles everything the controller needs from the outside world.
// Every field is a thin external collaborator: the controller owns
// orchestration, nothing else.
type Deps struct {
	ConfigPath string
	StateMgr   *state.Manager

	VenueA, VenueB     venue.Adapter
	LimiterA, LimiterB *ratelimit.Limiter

	// ScanVenueA/ScanVenueB feed the scanner only (stepAnalyzing,
	// bestAlternative). They may be cache-decorated (internal/cachedvenue)
	// since a stale universe-eligibility read just delays a rotation by one
	// tick. Nil falls back to VenueA/VenueB — execution, holding, and
	// health-check reads always use the uncached adapters, since a stale
	// mark price there would delay a stop-loss.
	ScanVenueA, ScanVenueB venue.Adapter

	Log zerolog.Logger

	Tracker            *portfolio.Tracker
	Ops                Broadcaster // may be nil
	Archive            Archiver    // may be nil
	MaxScanConcurrency int
}

// nameVenueA/nameVenueB are the scanner/opportunity's "venue-a"/"venue-b"
// labels; venueByName maps them to the concrete Deps adapters/limiters.
// Both legs are always one of these two.
const (
	nameVenueA = "venue-a"
	nameVenueB = "venue-b"
)

// Controller runs the single cooperative state machine loop.
type Controller struct {
	deps Deps
	doc  state.Document

	shutdown int32 // atomic flag, set by Stop/signal handlers
}

// New constructs a Controller and loads its initial persisted state (a
// missing or corrupt file yields a fresh IDLE document).
func New(deps Deps) (*Controller, error) {
	doc, err := deps.StateMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("controller: load state: %w", err)
	}
	if doc.CapitalStatus.InitialTotalCapital != nil {
		deps.Tracker.RestoreInitialCapital(doc.CapitalStatus.InitialTotalCapital)
	}
	return &Controller{deps: deps, doc: doc}, nil
}

// Stop sets the shutdown flag; Run finishes its current indivisible step
// (never mid-order) and exits.
func (c *Controller) Stop() { atomic.StoreInt32(&c.shutdown, 1) }

func (c *Controller) shuttingDown() bool { return atomic.LoadInt32(&c.shutdown) != 0 }

// Snapshot implements opsserver.StateProvider: a read-only view of the
// persisted document for the operator HTTP surface.
func (c *Controller) Snapshot() any { return c.doc }

func (c *Controller) venueByName(name string) (venue.Adapter, *ratelimit.Limiter) {
	if name == nameVenueB {
		return c.deps.VenueB, c.deps.LimiterB
	}
	return c.deps.VenueA, c.deps.LimiterA
}

// scanVenues returns the adapter pair the scanner should read from,
// preferring the (possibly cache-decorated) ScanVenueA/ScanVenueB.
func (c *Controller) scanVenues() (venue.Adapter, venue.Adapter) {
	a, b := c.deps.ScanVenueA, c.deps.ScanVenueB
	if a == nil {
		a = c.deps.VenueA
	}
	if b == nil {
		b = c.deps.VenueB
	}
	return a, b
}

// limited runs fn under l's concurrency/rate/breaker discipline. Every
// venue call the controller issues outside the scanner (which already
// wraps its own fetches) goes through this helper, so no adapter call
// skips its venue's permit.
func limited[T any](ctx context.Context, l *ratelimit.Limiter, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	res, err := l.Do(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

// Run drives the state machine until ctx is cancelled, Stop is called, or
// an unrecoverable ERROR is reached; ERROR halts the loop for operator
// intervention. It returns nil on a clean shutdown and a non-nil error
// when the loop halted in ERROR (cmd/fundingrotor maps that to exit
// code 1).
func (c *Controller) Run(ctx context.Context) error {
	if err := c.reconcileIfNeeded(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil || c.shuttingDown() {
			return c.persistShutdown()
		}

		switch c.doc.State {
		case model.StateIdle:
			c.transition(model.StateAnalyzing)
		case model.StateAnalyzing:
			c.stepAnalyzing(ctx)
		case model.StateOpening:
			// OPENING is only entered transiently inside stepAnalyzing's
			// open attempt; reaching it here means a prior run crashed
			// mid-open. The reconciler already ran at startup and would
			// have halted into ERROR for this case, so this branch is
			// unreachable in practice but kept exhaustive.
			c.transition(model.StateError)
			c.recordError("controller: resumed into OPENING with no in-flight attempt")
		case model.StateHolding:
			c.stepHolding(ctx)
		case model.StateClosing:
			c.transition(model.StateError)
			c.recordError("controller: resumed into CLOSING with no in-flight attempt")
		case model.StateWaiting:
			c.stepWaiting(ctx)
		case model.StateError:
			return fmt.Errorf("controller: halted in ERROR: %s", c.doc.CumulativeStats.LastError)
		case model.StateShutdown:
			return c.persistShutdown()
		}

		if c.doc.State == model.StateError {
			return fmt.Errorf("controller: halted in ERROR: %s", c.doc.CumulativeStats.LastError)
		}
	}
}

func (c *Controller) persistShutdown() error {
	c.doc.State = model.StateShutdown
	if err := c.deps.StateMgr.Save(c.doc); err != nil {
		c.deps.Log.Warn().Err(err).Msg("controller: failed to persist shutdown state")
	}
	return nil
}

// transition validates and applies a state edge, persisting the document
// atomically and updating the state gauge.
func (c *Controller) transition(to model.BotState) {
	if err := state.Transition(c.doc.State, to); err != nil {
		c.deps.Log.Error().Err(err).Str("from", string(c.doc.State)).Str("to", string(to)).Msg("controller: illegal transition attempted")
		return
	}
	c.deps.Log.Info().Str("from", string(c.doc.State)).Str("to", string(to)).Msg("controller: state transition")
	c.doc.State = to
	c.persist()
	metrics.SetActiveState(allStates, string(to))
	c.broadcast(map[string]any{"event": "state_transition", "state": string(to)})
}

var allStates = []string{
	string(model.StateIdle), string(model.StateAnalyzing), string(model.StateOpening),
	string(model.StateHolding), string(model.StateClosing), string(model.StateWaiting),
	string(model.StateError), string(model.StateShutdown),
}

func (c *Controller) persist() {
	if err := c.deps.StateMgr.Save(c.doc); err != nil {
		c.deps.Log.Error().Err(err).Msg("controller: failed to persist state")
	}
}

func (c *Controller) broadcast(event any) {
	if c.deps.Ops != nil {
		c.deps.Ops.Broadcast(event)
	}
}

func (c *Controller) recordError(msg string) {
	c.deps.Log.Error().Msg(msg)
	c.doc.CumulativeStats.RecordError(msg, time.Now().UTC())
	c.persist()
}

// reconcileIfNeeded runs the reconciler against the monitored universe
// and applies its verdict. Called once at startup, per Run's contract.
func (c *Controller) reconcileIfNeeded(ctx context.Context) error {
	cfg, _, err := config.Load(c.deps.ConfigPath)
	if err != nil {
		return fmt.Errorf("controller: load config for reconciliation: %w", err)
	}
	if len(cfg.Universe.SymbolsToMonitor) == 0 {
		return nil
	}

	switch c.doc.State {
	case model.StateOpening, model.StateClosing:
		c.transition(model.StateError)
		c.recordError(fmt.Sprintf("controller: state was %s at startup; operator must reconcile manually", c.doc.State))
		return nil
	}

	live, err := reconciler.QueryLiveSet(ctx, cfg.Universe.SymbolsToMonitor, c.deps.VenueA, c.deps.VenueB, c.deps.MaxScanConcurrency)
	if err != nil {
		return fmt.Errorf("controller: reconciler query live set: %w", err)
	}

	symbol := ""
	if c.doc.CurrentPosition != nil {
		symbol = c.doc.CurrentPosition.Symbol
	}

	lotLong, lotShort := 0.0, 0.0
	if symbol != "" {
		if meta, err := c.deps.VenueA.SymbolMetadata(ctx, symbol); err == nil {
			lotLong = meta.LotStep
		}
		if meta, err := c.deps.VenueB.SymbolMetadata(ctx, symbol); err == nil {
			lotShort = meta.LotStep
		}
	} else if len(live) > 0 {
		if meta, err := c.deps.VenueA.SymbolMetadata(ctx, live[0].Symbol); err == nil {
			lotLong = meta.LotStep
		}
		if meta, err := c.deps.VenueB.SymbolMetadata(ctx, live[0].Symbol); err == nil {
			lotShort = meta.LotStep
		}
	}

	verdict := reconciler.Reconcile(c.doc.State, symbol, live, lotLong, lotShort)
	c.deps.Log.Info().Str("outcome", verdict.Outcome.String()).Str("message", verdict.Message).Msg("controller: reconciliation result")

	switch verdict.Outcome {
	case reconciler.NoAction:
		return nil
	case reconciler.Adopt:
		longMid, shortMid := 0.0, 0.0
		if q, err := c.deps.VenueA.BestBidAsk(ctx, verdict.Symbol); err == nil {
			longMid = q.Mid()
		}
		if q, err := c.deps.VenueB.BestBidAsk(ctx, verdict.Symbol); err == nil {
			shortMid = q.Mid()
		}
		var size float64
		for _, l := range live {
			if l.Symbol == verdict.Symbol {
				size = math.Abs(l.LongVenueSize)
			}
		}
		pos := reconciler.AdoptedPosition(verdict.Symbol, nameVenueA, nameVenueB, longMid, shortMid, size, cfg.LeverageSettings.Leverage)
		pos.ID = uuid.NewString()
		pos.TargetCloseAt = pos.OpenedAt.Add(cfg.HoldDuration())
		if avgMid := (longMid + shortMid) / 2; avgMid > 0 {
			pos.ActualNotional = size * avgMid
		}
		// An adopted position starts with zero-value expected-funding fields;
		// recompute them so the hold monitor's fee-coverage and rotation
		// rules judge it the same way they judge a freshly opened position.
		pos.ExpectedNetAPR, pos.ExpectedFundingRatePerPeriod = c.expectedFunding(ctx, cfg, verdict.Symbol)
		c.doc.CurrentPosition = &pos
		c.doc.State = model.StateHolding
		c.persist()
		return nil
	case reconciler.ClearToIdle:
		c.doc.CurrentPosition = nil
		c.doc.State = model.StateIdle
		c.persist()
		return nil
	case reconciler.RefreshHolding:
		return nil
	case reconciler.Halt:
		c.doc.State = model.StateError
		c.recordError("controller: reconciler halt: " + verdict.Message)
		return nil
	}
	return nil
}

// stepAnalyzing runs the ANALYZING state: refresh capital, scan, size the
// winning opportunity, and attempt to open it. Sizing rejections skip to
// the next eligible opportunity; if all fail, the cycle moves to WAITING.
func (c *Controller) stepAnalyzing(ctx context.Context) {
	cfg, warning, err := config.Load(c.deps.ConfigPath)
	if err != nil {
		c.deps.Log.Error().Err(err).Msg("controller: reload config before open attempt")
		c.transition(model.StateWaiting)
		return
	}
	if warning != "" {
		c.deps.Log.Warn().Msg("controller: " + warning)
	}
	if len(cfg.Universe.SymbolsToMonitor) == 0 {
		c.transition(model.StateWaiting)
		return
	}

	capStatus, err := c.refreshCapital(ctx)
	if err != nil {
		c.deps.Log.Error().Err(err).Msg("controller: refresh capital")
		c.transition(model.StateWaiting)
		return
	}
	c.doc.CapitalStatus = capStatus
	if snap, err := json.Marshal(cfg); err == nil {
		c.doc.ConfigSnapshot = snap
	}
	c.persist()

	scanA, scanB := c.scanVenues()
	sc := scanner.New(scanA, scanB, c.deps.LimiterA, c.deps.LimiterB, c.deps.Log)
	scanStart := time.Now()
	result := sc.Scan(ctx, cfg.Universe.SymbolsToMonitor, scanConfigFrom(cfg))
	metrics.ScanDurationSeconds.Observe(time.Since(scanStart).Seconds())

	for _, ex := range result.Excluded {
		c.deps.Log.Debug().Str("symbol", ex.Symbol).Str("reason", ex.Reason).Msg("controller: symbol excluded from scan")
	}

	for _, opp := range result.Eligible {
		if c.shuttingDown() || ctx.Err() != nil {
			return
		}
		if c.tryOpen(ctx, cfg, capStatus, opp) {
			return
		}
	}

	c.transition(model.StateWaiting)
}

// tryOpen sizes and opens opp's symbol; it returns true once an open was
// attempted (ending in HOLDING, in ERROR on a partial fill, or back in
// ANALYZING for a retry next tick when both legs failed), false if this
// opportunity was skipped and the caller should try the next one.
func (c *Controller) tryOpen(ctx context.Context, cfg config.Config, cap model.CapitalStatus, opp model.Opportunity) bool {
	longVenue, longLimiter := c.venueByName(opp.LongVenue)
	shortVenue, shortLimiter := c.venueByName(opp.ShortVenue)

	metaLong, err := limited(ctx, longLimiter, func(ctx context.Context) (model.SymbolMeta, error) { return longVenue.SymbolMetadata(ctx, opp.Symbol) })
	if err != nil {
		c.deps.Log.Warn().Err(err).Str("symbol", opp.Symbol).Msg("controller: symbol metadata (long) unavailable, skipping")
		return false
	}
	metaShort, err := limited(ctx, shortLimiter, func(ctx context.Context) (model.SymbolMeta, error) { return shortVenue.SymbolMetadata(ctx, opp.Symbol) })
	if err != nil {
		c.deps.Log.Warn().Err(err).Str("symbol", opp.Symbol).Msg("controller: symbol metadata (short) unavailable, skipping")
		return false
	}
	quoteLong, err := limited(ctx, longLimiter, func(ctx context.Context) (venue.BidAsk, error) { return longVenue.BestBidAsk(ctx, opp.Symbol) })
	if err != nil {
		c.deps.Log.Warn().Err(err).Str("symbol", opp.Symbol).Msg("controller: quote (long) unavailable, skipping")
		return false
	}
	quoteShort, err := limited(ctx, shortLimiter, func(ctx context.Context) (venue.BidAsk, error) { return shortVenue.BestBidAsk(ctx, opp.Symbol) })
	if err != nil {
		c.deps.Log.Warn().Err(err).Str("symbol", opp.Symbol).Msg("controller: quote (short) unavailable, skipping")
		return false
	}
	midAvg := (quoteLong.Mid() + quoteShort.Mid()) / 2

	leverage := cfg.LeverageSettings.Leverage
	availLong, availShort := cap.VenueAAvailable, cap.VenueBAvailable
	if opp.LongVenue == nameVenueB {
		availLong, availShort = cap.VenueBAvailable, cap.VenueAAvailable
	}
	desiredNotional := cfg.CapitalManagement.CapitalFraction * math.Min(availLong, availShort) * float64(leverage)

	sizeResult, err := sizing.Size(sizing.Inputs{
		NotionalUSD:      desiredNotional,
		Leverage:         leverage,
		AvailableLong:    availLong,
		AvailableShort:   availShort,
		LongIsMargined:   true,
		LotStepLong:      metaLong.LotStep,
		LotStepShort:     metaShort.LotStep,
		MinNotionalLong:  metaLong.MinNotional,
		MinNotionalShort: metaShort.MinNotional,
		MidAvg:           midAvg,
		FloorUSD:         10,
	})
	if err != nil {
		c.deps.Log.Warn().Err(err).Str("symbol", opp.Symbol).Msg("controller: sizing rejected opportunity, trying next candidate")
		return false
	}

	_ = longVenue.SetLeverage(ctx, opp.Symbol, leverage)
	_ = shortVenue.SetLeverage(ctx, opp.Symbol, leverage)

	c.doc.State = model.StateOpening
	c.persist()

	openResult, err := executor.OpenCrossVenue(ctx, executor.OpenParams{
		Symbol:         opp.Symbol,
		LongVenue:      longVenue,
		ShortVenue:     shortVenue,
		SizeBase:       sizeResult.SizeBase,
		LongReference:  quoteLong.Ask,
		ShortReference: quoteShort.Bid,
		LotStep:        tickmath.CoarserStep(metaLong.LotStep, metaShort.LotStep),
	})
	if err != nil {
		if err == executor.ErrPartialFill {
			c.doc.State = model.StateError
			c.recordError(fmt.Sprintf("controller: partial fill opening %s: long_ok=%v short_ok=%v", opp.Symbol, openResult.LongOK, openResult.ShortOK))
			return true
		}
		c.deps.Log.Warn().Err(err).Str("symbol", opp.Symbol).Msg("controller: both legs failed to open, retrying next tick")
		c.doc.State = model.StateAnalyzing
		c.persist()
		return true
	}

	now := time.Now().UTC()
	pos := model.Position{
		ID:                 uuid.NewString(),
		Symbol:             opp.Symbol,
		LongVenue:          opp.LongVenue,
		ShortVenue:         opp.ShortVenue,
		Leverage:           leverage,
		OpenedAt:           now,
		TargetCloseAt:      now.Add(cfg.HoldDuration()),
		SizeBase:           sizeResult.SizeBase,
		LongEntryPrice:     openResult.LongAck.FilledPrice,
		ShortEntryPrice:    openResult.ShortAck.FilledPrice,
		ConfiguredNotional: desiredNotional,
		ActualNotional:     sizeResult.NotionalActual,
		WasCapitalLimited:  sizeResult.WasCapitalLimited,
		LimitingVenue:      sizeResult.LimitingVenue,
		BalancesBefore: model.Balances{
			VenueATotal: cap.VenueATotal, VenueAAvailable: cap.VenueAAvailable,
			VenueBTotal: cap.VenueBTotal, VenueBAvailable: cap.VenueBAvailable,
		},
		ExpectedFundingRatePerPeriod: opp.NetAPR / (365 * 100) / opp.FundingFreqPerDay,
		ExpectedNetAPR:               opp.NetAPR,
	}
	if pos.LongEntryPrice == 0 {
		pos.LongEntryPrice = quoteLong.Ask
	}
	if pos.ShortEntryPrice == 0 {
		pos.ShortEntryPrice = quoteShort.Bid
	}
	c.doc.CurrentPosition = &pos
	c.doc.CurrentCycleID = pos.ID
	c.doc.State = model.StateHolding
	c.persist()
	c.broadcast(map[string]any{"event": "position_opened", "symbol": pos.Symbol})
	return true
}

func (c *Controller) refreshCapital(ctx context.Context) (model.CapitalStatus, error) {
	balA, err := limited(ctx, c.deps.LimiterA, func(ctx context.Context) (venue.AccountBalance, error) { return c.deps.VenueA.AccountBalance(ctx) })
	if err != nil {
		return model.CapitalStatus{}, fmt.Errorf("controller: venue A balance: %w", err)
	}
	balB, err := limited(ctx, c.deps.LimiterB, func(ctx context.Context) (venue.AccountBalance, error) { return c.deps.VenueB.AccountBalance(ctx) })
	if err != nil {
		return model.CapitalStatus{}, fmt.Errorf("controller: venue B balance: %w", err)
	}
	total := balA.Total + balB.Total
	c.deps.Tracker.RefreshCapital(total)
	metrics.TotalCapitalUSD.Set(total)
	metrics.LongTermPnLUSD.Set(c.deps.Tracker.Snapshot().LongTermPnLUSD)

	limiting := ""
	if balA.Available < balB.Available {
		limiting = nameVenueA
	} else if balB.Available < balA.Available {
		limiting = nameVenueB
	}

	return model.CapitalStatus{
		VenueATotal:         balA.Total,
		VenueAAvailable:     balA.Available,
		VenueBTotal:         balB.Total,
		VenueBAvailable:     balB.Available,
		TotalCapital:        total,
		TotalAvailable:      balA.Available + balB.Available,
		MaxPositionNotional: math.Min(balA.Available, balB.Available) * 2,
		LimitingVenue:       limiting,
		InitialTotalCapital: c.deps.Tracker.InitialCapital(),
		LastUpdated:         time.Now().UTC(),
	}, nil
}

// stepHolding runs one HOLDING tick: refresh marks/pnl/capital/funding,
// evaluate the exit-rule cascade, and either continue holding or move to
// CLOSING. The per-tick sleep is interruptible in one-second chunks so a
// shutdown signal never waits out a full check interval.
func (c *Controller) stepHolding(ctx context.Context) {
	cfg, _, err := config.Load(c.deps.ConfigPath)
	if err != nil {
		c.deps.Log.Error().Err(err).Msg("controller: reload config during HOLDING")
		cfg = config.Defaults()
	}
	pos := c.doc.CurrentPosition
	if pos == nil {
		c.recordError("controller: HOLDING with no current position")
		c.doc.State = model.StateError
		c.persist()
		return
	}

	longVenue, longLimiter := c.venueByName(pos.LongVenue)
	shortVenue, shortLimiter := c.venueByName(pos.ShortVenue)

	quoteLong, errL := limited(ctx, longLimiter, func(ctx context.Context) (venue.BidAsk, error) { return longVenue.BestBidAsk(ctx, pos.Symbol) })
	quoteShort, errS := limited(ctx, shortLimiter, func(ctx context.Context) (venue.BidAsk, error) { return shortVenue.BestBidAsk(ctx, pos.Symbol) })
	if errL != nil || errS != nil {
		c.deps.Log.Warn().Err(errL).Err(errS).Msg("controller: HOLDING tick failed to refresh quotes, will retry next tick")
		c.sleepInterruptible(ctx, cfg.CheckInterval())
		return
	}

	capStatus, err := c.refreshCapital(ctx)
	if err == nil {
		c.doc.CapitalStatus = capStatus
	}

	freqPerDay := fundingFreqFromAPR(pos)
	fundingElapsedPeriods := time.Since(pos.OpenedAt).Hours() * freqPerDay / 24
	cumFunding := pos.ExpectedFundingRatePerPeriod * pos.ActualNotional * fundingElapsedPeriods
	pos.CumulativeFundingReceived = cumFunding

	healthMismatch, legImbalance := c.healthCheck(ctx, pos, quoteLong, quoteShort)

	bestAltSymbol, bestAltAPR := c.bestAlternative(ctx, cfg, pos.Symbol)

	in := monitor.Inputs{
		OpenedAt:                  pos.OpenedAt,
		Now:                       time.Now().UTC(),
		ActualNotional:            pos.ActualNotional,
		LongEntryPrice:            pos.LongEntryPrice,
		ShortEntryPrice:           pos.ShortEntryPrice,
		LongMarkPrice:             quoteLong.Mid(),
		ShortMarkPrice:            quoteShort.Mid(),
		SizeBase:                  pos.SizeBase,
		CumulativeFundingReceived: cumFunding,
		EntryFees:                 pos.EntryFeesPaid,
		EstimatedExitFees:         pos.ActualNotional * 0.0008, // two legs' taker fee estimate
		CurrentSymbol:             pos.Symbol,
		CurrentNetAPR:             pos.ExpectedNetAPR,
		BestAlternativeSymbol:     bestAltSymbol,
		BestAlternativeNetAPR:     bestAltAPR,
		HealthSizeMismatch:        healthMismatch,
		HealthLegImbalancePct:     legImbalance,
	}
	monitorCfg := monitor.Config{
		FeeCoverageMultiplier:  cfg.PositionManagement.FeeCoverageMultiplier,
		RotationAPRImprovement: 10,
		MinHoldBeforeRotate:    4 * time.Hour,
		MaxPositionAge:         cfg.MaxPositionAge(),
		Leverage:               pos.Leverage,
		MaintenanceMargin:      0.005,
		SafetyBuffer:           0.007,
	}
	result := monitor.Evaluate(monitorCfg, in)
	pos.LastRefreshedPnL = result.UnrealizedPnL
	c.doc.CurrentPosition = pos
	c.persist()

	if !result.ShouldExit {
		c.sleepInterruptible(ctx, cfg.CheckInterval())
		return
	}

	if result.Reason == monitor.StopLoss {
		pos.StopLossTriggered = true
		pos.StopLossReason = result.Detail
	}
	c.deps.Log.Info().Str("symbol", pos.Symbol).Str("reason", result.Reason.String()).Msg("controller: exit rule fired")
	c.doc.CurrentPosition = pos
	c.closePosition(ctx, cfg, *pos, result.Reason.String(), quoteLong, quoteShort, capStatus)
}

// fundingFreqFromAPR recovers funding_freq_per_day from the stored
// expected_net_apr/expected_funding_rate_per_period pair (inverting
// model.FundingSample.APR's rate*(24/period_hours)*365*100), so the
// per-tick cumulative-funding projection below doesn't need the venue's
// interval plumbed through separately. Falls back to 3x/day on an
// ill-formed position.
func fundingFreqFromAPR(pos *model.Position) float64 {
	perPeriodAPR := pos.ExpectedFundingRatePerPeriod * 365 * 100
	if perPeriodAPR == 0 {
		return 3
	}
	freq := pos.ExpectedNetAPR / perPeriodAPR
	if freq <= 0 {
		return 3
	}
	return freq
}

// healthCheck re-reads live position sizes for the held symbol (a narrow,
// single-symbol instance of the reconciler's query, run every HOLDING tick
// rather than across the whole universe) to feed the monitor's Health exit
// rule.
func (c *Controller) healthCheck(ctx context.Context, pos *model.Position, quoteLong, quoteShort venue.BidAsk) (mismatch bool, imbalancePct float64) {
	longVenue, longLimiter := c.venueByName(pos.LongVenue)
	shortVenue, shortLimiter := c.venueByName(pos.ShortVenue)

	longSize, errL := limited(ctx, longLimiter, func(ctx context.Context) (float64, error) { return longVenue.OpenPositionSize(ctx, pos.Symbol) })
	shortSize, errS := limited(ctx, shortLimiter, func(ctx context.Context) (float64, error) { return shortVenue.OpenPositionSize(ctx, pos.Symbol) })
	if errL != nil || errS != nil {
		return false, 0
	}
	metaLong, _ := longVenue.SymbolMetadata(ctx, pos.Symbol)
	step := metaLong.LotStep
	if step <= 0 {
		step = 1e-8
	}
	diff := math.Abs(math.Abs(longSize) - math.Abs(shortSize))
	mismatch = diff > step
	if math.Abs(longSize) > 0 {
		imbalancePct = diff / math.Abs(longSize) * 100
	}
	return mismatch, imbalancePct
}

// scanConfigFrom maps the loaded strategy config onto the scanner's
// thresholds; every scan the controller launches uses the same mapping.
func scanConfigFrom(cfg config.Config) scanner.Config {
	return scanner.Config{
		APRMin:           cfg.FundingRateStrategy.MinFundingAPR,
		VolumeMinUSD:     cfg.FundingRateStrategy.MinVolumeUSD,
		SpreadMaxPct:     cfg.FundingRateStrategy.MaxSpreadPct,
		UseMA:            cfg.FundingRateStrategy.UseFundingMA,
		MAPeriods:        cfg.FundingRateStrategy.FundingMAPeriods,
		PerSymbolTimeout: 90 * time.Second,
		StaggerSpread:    time.Second,
	}
}

// bestAlternative re-scans and returns the top opportunity for a symbol
// other than current, feeding the monitor's BetterOpportunity rule.
func (c *Controller) bestAlternative(ctx context.Context, cfg config.Config, current string) (string, float64) {
	if len(cfg.Universe.SymbolsToMonitor) == 0 {
		return "", 0
	}
	scanA, scanB := c.scanVenues()
	sc := scanner.New(scanA, scanB, c.deps.LimiterA, c.deps.LimiterB, c.deps.Log)
	result := sc.Scan(ctx, cfg.Universe.SymbolsToMonitor, scanConfigFrom(cfg))
	for _, opp := range result.Eligible {
		if opp.Symbol != current {
			return opp.Symbol, opp.NetAPR
		}
	}
	return "", 0
}

// expectedFunding recomputes a position's expected net APR and per-period
// funding rate for symbol, always for the long-venue-A/short-venue-B
// direction adopted positions are held in. The scanner's ranked result is
// preferred; a symbol that no longer clears the eligibility filters falls
// back to the venues' raw current rates, since an adopted hedge is held
// regardless of whether it would be opened fresh today.
func (c *Controller) expectedFunding(ctx context.Context, cfg config.Config, symbol string) (netAPR, ratePerPeriod float64) {
	scanA, scanB := c.scanVenues()
	sc := scanner.New(scanA, scanB, c.deps.LimiterA, c.deps.LimiterB, c.deps.Log)
	result := sc.Scan(ctx, []string{symbol}, scanConfigFrom(cfg))
	for _, opp := range result.Eligible {
		if opp.Symbol == symbol && opp.LongVenue == nameVenueA && opp.FundingFreqPerDay > 0 {
			return opp.NetAPR, opp.NetAPR / (365 * 100) / opp.FundingFreqPerDay
		}
	}

	rateA, errA := limited(ctx, c.deps.LimiterA, func(ctx context.Context) (model.FundingSample, error) {
		return c.deps.VenueA.CurrentFundingRate(ctx, symbol)
	})
	rateB, errB := limited(ctx, c.deps.LimiterB, func(ctx context.Context) (model.FundingSample, error) {
		return c.deps.VenueB.CurrentFundingRate(ctx, symbol)
	})
	if errA != nil || errB != nil {
		return 0, 0
	}
	netAPR = rateB.APR() - rateA.APR()
	period := rateB.PeriodHrs
	if period <= 0 {
		period = 8
	}
	return netAPR, netAPR / (365 * 100) / (24 / period)
}

// closePosition runs the CLOSING state: one retry on a both-legs-failed
// close, ERROR on any partial close.
func (c *Controller) closePosition(ctx context.Context, cfg config.Config, pos model.Position, exitReason string, quoteLong, quoteShort venue.BidAsk, capBefore model.CapitalStatus) {
	c.doc.State = model.StateClosing
	c.persist()

	longVenue, _ := c.venueByName(pos.LongVenue)
	shortVenue, _ := c.venueByName(pos.ShortVenue)
	metaLong, _ := longVenue.SymbolMetadata(ctx, pos.Symbol)
	metaShort, _ := shortVenue.SymbolMetadata(ctx, pos.Symbol)

	closeParams := executor.CloseParams{
		Symbol:       pos.Symbol,
		LongVenue:    longVenue,
		ShortVenue:   shortVenue,
		LotStepLong:  metaLong.LotStep,
		LotStepShort: metaShort.LotStep,
	}

	closeResult, err := executor.CloseCrossVenue(ctx, closeParams)
	if err != nil && err == executor.ErrBothLegsFailed {
		c.sleepInterruptible(ctx, retryShortDelay)
		closeResult, err = executor.CloseCrossVenue(ctx, closeParams)
	}
	if err != nil {
		c.doc.State = model.StateError
		c.recordError(fmt.Sprintf("controller: close failed for %s: %v (long_ok=%v short_ok=%v)", pos.Symbol, err, closeResult.LongOK, closeResult.ShortOK))
		return
	}

	capAfter, capErr := c.refreshCapital(ctx)
	if capErr != nil {
		capAfter = capBefore
	}

	cycle := model.CompletedCycle{
		Position:   pos,
		ClosedAt:   time.Now().UTC(),
		ExitReason: exitReason,
		ExitPrices: model.ExitPrices{
			LongExitPrice:  closeResult.LongAck.FilledPrice,
			ShortExitPrice: closeResult.ShortAck.FilledPrice,
		},
		ExitBalances: model.Balances{
			VenueATotal: capAfter.VenueATotal, VenueAAvailable: capAfter.VenueAAvailable,
			VenueBTotal: capAfter.VenueBTotal, VenueBAvailable: capAfter.VenueBAvailable,
		},
	}
	cycle.DurationHours = portfolio.DurationHours(pos.OpenedAt, cycle.ClosedAt)
	cycle.RealizedPnLBreakdown = c.deps.Tracker.RealizedPnL(
		pos.CumulativeFundingReceived, pos.EntryFeesPaid, pos.ActualNotional*0.0008,
		pos.BalancesBefore, cycle.ExitBalances, pos.LastRefreshedPnL,
	)

	c.doc.AppendCompletedCycle(cycle)
	c.doc.CumulativeStats.RecordCycle(cycle, true)
	c.doc.CurrentPosition = nil
	c.doc.CurrentCycleID = ""
	c.doc.State = model.StateWaiting
	c.persist()

	metrics.CyclesTotal.WithLabelValues("success").Inc()
	metrics.ExitReasonsTotal.WithLabelValues(exitReason).Inc()
	c.broadcast(map[string]any{"event": "position_closed", "symbol": pos.Symbol, "exit_reason": exitReason})

	if c.deps.Archive != nil {
		if err := c.deps.Archive.Insert(ctx, cycle); err != nil {
			c.deps.Log.Warn().Err(err).Msg("controller: archive insert failed, cycle remains in state file FIFO only")
		}
	}
}

func (c *Controller) stepWaiting(ctx context.Context) {
	cfg, _, err := config.Load(c.deps.ConfigPath)
	wait := 15 * time.Minute
	if err == nil {
		wait = cfg.WaitBetweenCycles()
	}
	c.sleepInterruptible(ctx, wait)
	if ctx.Err() == nil && !c.shuttingDown() {
		c.transition(model.StateIdle)
	}
}

// sleepInterruptible sleeps d in chunks of at most one second so shutdown
// signals produce a prompt exit.
func (c *Controller) sleepInterruptible(ctx context.Context, d time.Duration) {
	const chunk = time.Second
	remaining := d
	for remaining > 0 {
		if ctx.Err() != nil || c.shuttingDown() {
			return
		}
		step := chunk
		if remaining < step {
			step = remaining
		}
		select {
		case <-time.After(step):
		case <-ctx.Done():
			return
		}
		remaining -= step
	}
}
