// Package monitor implements the hold monitor: the precedence cascade of
// exit rules evaluated on every HOLDING tick ("first trigger wins"), and
// the pure stop-loss formula derived from leverage, maintenance margin,
// and safety buffer.
package monitor

import (
	"fmt"
	"math"
	"time"
)

// ExitReason enumerates the precedence-ordered exit rules.
type ExitReason int

const (
	NoExit ExitReason = iota
	StopLoss
	FeeCoverageMet
	BetterOpportunity
	MaxAge
	Health
)

func (r ExitReason) String() string {
	switch r {
	case NoExit:
		return "no_exit"
	case StopLoss:
		return "STOP_LOSS"
	case FeeCoverageMet:
		return "FEE_COVERAGE_MET"
	case BetterOpportunity:
		return "BETTER_OPPORTUNITY"
	case MaxAge:
		return "MAX_AGE"
	case Health:
		return "HEALTH"
	default:
		return "unknown"
	}
}

// Config holds the position_management thresholds read from the JSON config.
type Config struct {
	FeeCoverageMultiplier  float64
	RotationAPRImprovement float64       // default 10 absolute APR points
	MinHoldBeforeRotate    time.Duration // default 4h
	MaxPositionAge         time.Duration
	Leverage               int
	MaintenanceMargin      float64 // default 0.005
	SafetyBuffer           float64 // default 0.007
}

// DefaultConfig carries the documented defaults.
func DefaultConfig(leverage int) Config {
	return Config{
		FeeCoverageMultiplier:  1.5,
		RotationAPRImprovement: 10,
		MinHoldBeforeRotate:    4 * time.Hour,
		MaxPositionAge:         7 * 24 * time.Hour,
		Leverage:               leverage,
		MaintenanceMargin:      0.005,
		SafetyBuffer:           0.007,
	}
}

// Inputs is one tick's worth of refreshed data.
type Inputs struct {
	OpenedAt                  time.Time
	Now                       time.Time
	ActualNotional            float64
	LongEntryPrice            float64
	ShortEntryPrice           float64
	LongMarkPrice             float64
	ShortMarkPrice            float64
	SizeBase                  float64
	CumulativeFundingReceived float64
	EntryFees                 float64
	EstimatedExitFees         float64
	CurrentSymbol             string
	CurrentNetAPR             float64
	BestAlternativeSymbol     string
	BestAlternativeNetAPR     float64
	HealthSizeMismatch        bool    // reconciler reports size mismatch > one lot step
	HealthLegImbalancePct     float64 // per-leg imbalance, compared to 10%
}

// Result is the monitor's verdict for this tick.
type Result struct {
	ShouldExit     bool
	Reason         ExitReason
	Detail         string
	UnrealizedPnL  float64
	WorstLegPnLPct float64
}

// Evaluate runs the precedence cascade: stop-loss, then fee-coverage,
// then better-opportunity, then max-age, then health.
func Evaluate(cfg Config, in Inputs) Result {
	longUPnL := (in.LongMarkPrice - in.LongEntryPrice) * in.SizeBase
	shortUPnL := (in.ShortEntryPrice - in.ShortMarkPrice) * in.SizeBase
	totalUPnL := longUPnL + shortUPnL

	longPct := safePct(longUPnL, in.ActualNotional)
	shortPct := safePct(shortUPnL, in.ActualNotional)
	worstPct := math.Min(longPct, shortPct)

	result := Result{UnrealizedPnL: totalUPnL, WorstLegPnLPct: worstPct}

	stopPct := EmergencyStopLossPct(cfg.Leverage, cfg.MaintenanceMargin, cfg.SafetyBuffer)
	if worstPct <= stopPct {
		result.ShouldExit = true
		result.Reason = StopLoss
		result.Detail = formatStopDetail(worstPct, stopPct)
		return result
	}

	requiredFunding := cfg.FeeCoverageMultiplier * (in.EntryFees + in.EstimatedExitFees)
	if requiredFunding > 0 && in.CumulativeFundingReceived >= requiredFunding {
		result.ShouldExit = true
		result.Reason = FeeCoverageMet
		result.Detail = "cumulative funding received covers required fee multiple"
		return result
	}

	holdDuration := in.Now.Sub(in.OpenedAt)
	if in.BestAlternativeSymbol != "" && in.BestAlternativeSymbol != in.CurrentSymbol {
		improvement := in.BestAlternativeNetAPR - in.CurrentNetAPR
		if improvement > cfg.RotationAPRImprovement && holdDuration >= cfg.MinHoldBeforeRotate {
			result.ShouldExit = true
			result.Reason = BetterOpportunity
			result.Detail = "better-ranked opportunity available after minimum hold"
			return result
		}
	}

	if holdDuration >= cfg.MaxPositionAge {
		result.ShouldExit = true
		result.Reason = MaxAge
		result.Detail = "max position age reached"
		return result
	}

	if in.HealthSizeMismatch || in.HealthLegImbalancePct > 10 {
		result.ShouldExit = true
		result.Reason = Health
		result.Detail = "reconciler-reported size mismatch or leg imbalance"
		return result
	}

	return result
}

func safePct(upnl, notional float64) float64 {
	if notional == 0 {
		return 0
	}
	return upnl / notional * 100
}

func formatStopDetail(worstPct, stopPct float64) string {
	return fmt.Sprintf("worst-leg pnl_pct %.2f <= stop threshold %.2f", worstPct, stopPct)
}

// EmergencyStopLossPct computes the stop-loss threshold:
//
//	s_max = ((1 + 1/L) / (1 + m)) - 1 - b
//	pnl_pct_at_stop = -s_max * (L / (L+1)) * 100
//	emergency_stop_loss_pct = floor(pnl_pct_at_stop)
func EmergencyStopLossPct(leverage int, maintenanceMargin, safetyBuffer float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	L := float64(leverage)
	sMax := ((1 + 1/L) / (1 + maintenanceMargin)) - 1 - safetyBuffer
	pnlPctAtStop := -sMax * (L / (L + 1)) * 100
	return math.Floor(pnlPctAtStop)
}

// ShortLiquidationPrice returns the short leg's liquidation price given
// the entry price and leverage: P_liq = P_e*(1+1/L)/(1+m). Exposed for
// operator diagnostics alongside the stop threshold.
func ShortLiquidationPrice(entryPrice float64, leverage int, maintenanceMargin float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	L := float64(leverage)
	return entryPrice * (1 + 1/L) / (1 + maintenanceMargin)
}
