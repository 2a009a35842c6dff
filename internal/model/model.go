// Package model holds the tagged records that flow between components:
// Opportunity, Position, CompletedCycle, CapitalStatus, BotState. Every
// cross-component hand-off in this repo goes through one of these.
package model

import "time"

// BotState is the controller's state machine position.
type BotState string

const (
	StateIdle      BotState = "IDLE"
	StateAnalyzing BotState = "ANALYZING"
	StateOpening   BotState = "OPENING"
	StateHolding   BotState = "HOLDING"
	StateClosing   BotState = "CLOSING"
	StateWaiting   BotState = "WAITING"
	StateError     BotState = "ERROR"
	StateShutdown  BotState = "SHUTDOWN"
)

// Symbol metadata looked up from exchange info.
type SymbolMeta struct {
	Symbol               string  `json:"symbol"`
	PriceTick            float64 `json:"price_tick"`
	LotStep              float64 `json:"lot_step"`
	MinNotional          float64 `json:"min_notional"`
	FundingIntervalHours float64 `json:"funding_interval_hours"`
}

// FundingSample is one immutable funding-rate observation.
type FundingSample struct {
	Symbol    string    `json:"symbol"`
	Rate      float64   `json:"rate"` // signed, per period
	PeriodHrs float64   `json:"period_hours"`
	Timestamp time.Time `json:"timestamp"`
}

// APR annualizes a per-period funding rate: rate * (24/period_hours) * 365 * 100.
func (f FundingSample) APR() float64 {
	if f.PeriodHrs <= 0 {
		return 0
	}
	return f.Rate * (24.0 / f.PeriodHrs) * 365.0 * 100.0
}

// Opportunity is one scanner ranking output.
type Opportunity struct {
	Symbol               string  `json:"symbol"`
	LongVenue            string  `json:"long_venue"`
	ShortVenue           string  `json:"short_venue"`
	LongAPR              float64 `json:"long_apr"`
	ShortAPR             float64 `json:"short_apr"`
	NetAPR               float64 `json:"net_apr"`
	Combined24hVolumeUSD float64 `json:"combined_24h_volume_usd"`
	CrossSpreadPct       float64 `json:"cross_spread_pct"`
	FundingFreqPerDay    float64 `json:"funding_freq_per_day"`
	UsingMA              bool    `json:"using_ma_flag"`
}

// ExcludedSymbol records why a candidate was not ranked.
type ExcludedSymbol struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

const (
	ReasonVolumeTooLow      = "VOLUME_TOO_LOW"
	ReasonSpreadTooWide     = "SPREAD_TOO_WIDE"
	ReasonNegativeRate      = "NEGATIVE_RATE"
	ReasonDataUnavailable   = "DATA_UNAVAILABLE"
	ReasonTimeout           = "TIMEOUT"
	ReasonBelowAPRThreshold = "BELOW_APR_THRESHOLD"
)

// ScanResult is the full scanner output: ranked eligible opportunities plus
// the excluded-candidate diagnostics.
type ScanResult struct {
	Eligible []Opportunity    `json:"eligible"`
	Excluded []ExcludedSymbol `json:"excluded"`
}

// Position is the singleton open hedge while state == HOLDING.
type Position struct {
	ID                           string    `json:"id"`
	Symbol                       string    `json:"symbol"`
	LongVenue                    string    `json:"long_venue"`
	ShortVenue                   string    `json:"short_venue"`
	Leverage                     int       `json:"leverage"`
	OpenedAt                     time.Time `json:"opened_at"`
	TargetCloseAt                time.Time `json:"target_close_at"`
	SizeBase                     float64   `json:"size_base"`
	LongEntryPrice               float64   `json:"long_entry_price"`
	ShortEntryPrice              float64   `json:"short_entry_price"`
	ConfiguredNotional           float64   `json:"configured_notional"`
	ActualNotional               float64   `json:"actual_notional"`
	WasCapitalLimited            bool      `json:"was_capital_limited"`
	LimitingVenue                string    `json:"limiting_venue,omitempty"`
	BalancesBefore               Balances  `json:"balances_before"`
	ExpectedFundingRatePerPeriod float64   `json:"expected_funding_rate_per_period"`
	ExpectedNetAPR               float64   `json:"expected_net_apr"`
	CumulativeFundingReceived    float64   `json:"cumulative_funding_received"`
	EntryFeesPaid                float64   `json:"entry_fees_paid"`
	LastRefreshedPnL             float64   `json:"last_refreshed_pnl"`
	StopLossTriggered            bool      `json:"stop_loss_triggered"`
	StopLossReason               string    `json:"stop_loss_reason,omitempty"`
	Recovered                    bool      `json:"recovered,omitempty"`
}

// Balances captures the per-venue totals seen at a point in time.
type Balances struct {
	VenueATotal     float64 `json:"venue_a_total"`
	VenueAAvailable float64 `json:"venue_a_available"`
	VenueBTotal     float64 `json:"venue_b_total"`
	VenueBAvailable float64 `json:"venue_b_available"`
}

// ExitPrices/ExitBalances/RealizedPnLBreakdown are small value types
// embedded in CompletedCycle.
type ExitPrices struct {
	LongExitPrice  float64 `json:"long_exit_price"`
	ShortExitPrice float64 `json:"short_exit_price"`
}

type RealizedPnLBreakdown struct {
	FundingReceived float64 `json:"funding_received"`
	PriceUPnL       float64 `json:"price_upnl"`
	Fees            float64 `json:"fees"`
	Net             float64 `json:"net"`
}

// CompletedCycle is an immutable record of a closed Position.
type CompletedCycle struct {
	Position
	ClosedAt             time.Time            `json:"closed_at"`
	DurationHours        float64              `json:"duration_hours"`
	ExitPrices           ExitPrices           `json:"exit_prices"`
	ExitBalances         Balances             `json:"exit_balances"`
	RealizedPnLBreakdown RealizedPnLBreakdown `json:"realized_pnl_breakdown"`
	ExitReason           string               `json:"exit_reason"`
}

// Exit reasons recorded on CompletedCycle.ExitReason.
const (
	ExitReasonStopLoss          = "STOP_LOSS"
	ExitReasonFeeCoverageMet    = "FEE_COVERAGE_MET"
	ExitReasonBetterOpportunity = "BETTER_OPPORTUNITY"
	ExitReasonMaxAge            = "MAX_AGE"
	ExitReasonHealth            = "HEALTH"
	ExitReasonExternal          = "EXTERNAL"
)

// SymbolStats aggregates realized PnL per symbol for CumulativeStats.
type SymbolStats struct {
	Cycles   int     `json:"cycles"`
	TotalPnL float64 `json:"total_pnl"`
	AvgPnL   float64 `json:"avg_pnl"`
}

// CumulativeStats accumulates across the lifetime of the bot.
type CumulativeStats struct {
	TotalCycles       int                     `json:"total_cycles"`
	SuccessfulCycles  int                     `json:"successful_cycles"`
	FailedCycles      int                     `json:"failed_cycles"`
	TotalRealizedPnL  float64                 `json:"total_realized_pnl"`
	BestCyclePnL      float64                 `json:"best_cycle_pnl"`
	WorstCyclePnL     float64                 `json:"worst_cycle_pnl"`
	TotalVolumeTraded float64                 `json:"total_volume_traded"`
	TotalHoldTimeHrs  float64                 `json:"total_hold_time_hours"`
	BySymbol          map[string]*SymbolStats `json:"by_symbol"`
	LastError         string                  `json:"last_error,omitempty"`
	LastErrorAt       *time.Time              `json:"last_error_at,omitempty"`
}

// NewCumulativeStats returns a zero-value CumulativeStats with its map initialized.
func NewCumulativeStats() CumulativeStats {
	return CumulativeStats{BySymbol: make(map[string]*SymbolStats)}
}

// RecordCycle folds a completed cycle's realized PnL into the running stats.
func (cs *CumulativeStats) RecordCycle(c CompletedCycle, success bool) {
	if cs.BySymbol == nil {
		cs.BySymbol = make(map[string]*SymbolStats)
	}
	cs.TotalCycles++
	if success {
		cs.SuccessfulCycles++
	} else {
		cs.FailedCycles++
	}
	pnl := c.RealizedPnLBreakdown.Net
	cs.TotalRealizedPnL += pnl
	if cs.TotalCycles == 1 || pnl > cs.BestCyclePnL {
		cs.BestCyclePnL = pnl
	}
	if cs.TotalCycles == 1 || pnl < cs.WorstCyclePnL {
		cs.WorstCyclePnL = pnl
	}
	cs.TotalVolumeTraded += c.ActualNotional * 2 // both legs
	cs.TotalHoldTimeHrs += c.DurationHours

	st, ok := cs.BySymbol[c.Symbol]
	if !ok {
		st = &SymbolStats{}
		cs.BySymbol[c.Symbol] = st
	}
	st.Cycles++
	st.TotalPnL += pnl
	st.AvgPnL = st.TotalPnL / float64(st.Cycles)
}

// RecordError stamps the last-error fields and increments FailedCycles;
// every ERROR transition routes through here so the counters and the
// halt reason survive a restart.
func (cs *CumulativeStats) RecordError(msg string, at time.Time) {
	cs.LastError = msg
	cs.LastErrorAt = &at
	cs.FailedCycles++
}

// CapitalStatus is refreshed every monitor tick and before every open
// attempt.
type CapitalStatus struct {
	VenueATotal         float64   `json:"venue_a_total"`
	VenueAAvailable     float64   `json:"venue_a_available"`
	VenueBTotal         float64   `json:"venue_b_total"`
	VenueBAvailable     float64   `json:"venue_b_available"`
	TotalCapital        float64   `json:"total_capital"`
	TotalAvailable      float64   `json:"total_available"`
	MaxPositionNotional float64   `json:"max_position_notional"`
	LimitingVenue       string    `json:"limiting_venue,omitempty"`
	InitialTotalCapital *float64  `json:"initial_total_capital"`
	LastUpdated         time.Time `json:"last_updated"`
}
