// Package config loads the bot's JSON strategy configuration. The file is
// a human-edited external contract: missing keys receive documented
// defaults and invalid leverage is clamped with a warning rather than a
// hard failure, so an operator's in-flight edit can't strand the loop.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const MaxLeverage = 3

// Config is the full JSON document the bot reads its strategy from.
type Config struct {
	CapitalManagement   CapitalManagement   `json:"capital_management"`
	FundingRateStrategy FundingRateStrategy `json:"funding_rate_strategy"`
	PositionManagement  PositionManagement  `json:"position_management"`
	LeverageSettings    LeverageSettings    `json:"leverage_settings"`
	Universe            Universe            `json:"universe"`
}

type CapitalManagement struct {
	CapitalFraction float64 `json:"capital_fraction"`
}

type FundingRateStrategy struct {
	MinFundingAPR    float64 `json:"min_funding_apr"`
	UseFundingMA     bool    `json:"use_funding_ma"`
	FundingMAPeriods int     `json:"funding_ma_periods"`
	MinVolumeUSD     float64 `json:"min_volume_usd"`
	MaxSpreadPct     float64 `json:"max_spread_pct"`
}

type PositionManagement struct {
	FeeCoverageMultiplier    float64 `json:"fee_coverage_multiplier"`
	MaxPositionAgeHours      float64 `json:"max_position_age_hours"`
	HoldDurationHours        float64 `json:"hold_duration_hours"`
	LoopIntervalSeconds      int     `json:"loop_interval_seconds"`
	WaitBetweenCyclesMinutes int     `json:"wait_between_cycles_minutes"`
	CheckIntervalSeconds     int     `json:"check_interval_seconds"`
}

type LeverageSettings struct {
	Leverage int `json:"leverage"`
}

type Universe struct {
	SymbolsToMonitor []string `json:"symbols_to_monitor"`
}

// Defaults returns the documented defaults applied to any missing keys.
func Defaults() Config {
	return Config{
		CapitalManagement: CapitalManagement{CapitalFraction: 0.5},
		FundingRateStrategy: FundingRateStrategy{
			MinFundingAPR:    10,
			UseFundingMA:     false,
			FundingMAPeriods: 3,
			MinVolumeUSD:     1_000_000,
			MaxSpreadPct:     0.5,
		},
		PositionManagement: PositionManagement{
			FeeCoverageMultiplier:    1.5,
			MaxPositionAgeHours:      168,
			HoldDurationHours:        4,
			LoopIntervalSeconds:      60,
			WaitBetweenCyclesMinutes: 15,
			CheckIntervalSeconds:     60,
		},
		LeverageSettings: LeverageSettings{Leverage: 1},
		Universe:         Universe{SymbolsToMonitor: []string{}},
	}
}

// Load reads and parses path, filling in documented defaults for any
// missing keys. Invalid leverage is clamped to [1, MaxLeverage] with a returned warning
// string rather than a hard failure.
func Load(path string) (Config, string, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, "", fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, "", fmt.Errorf("config: parse %s: %w", path, err)
	}

	warning := ""
	if cfg.LeverageSettings.Leverage < 1 {
		warning = fmt.Sprintf("leverage %d below minimum, clamped to 1", cfg.LeverageSettings.Leverage)
		cfg.LeverageSettings.Leverage = 1
	} else if cfg.LeverageSettings.Leverage > MaxLeverage {
		warning = fmt.Sprintf("leverage %d exceeds max %d, clamped", cfg.LeverageSettings.Leverage, MaxLeverage)
		cfg.LeverageSettings.Leverage = MaxLeverage
	}
	if cfg.FundingRateStrategy.FundingMAPeriods < 2 {
		cfg.FundingRateStrategy.FundingMAPeriods = 2
	}
	return cfg, warning, nil
}

// LoopInterval returns the HOLDING-tick period as a time.Duration.
func (c Config) LoopInterval() time.Duration {
	return time.Duration(c.PositionManagement.LoopIntervalSeconds) * time.Second
}

// CheckInterval returns the monitor-tick period as a time.Duration.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.PositionManagement.CheckIntervalSeconds) * time.Second
}

// WaitBetweenCycles returns the WAITING cooldown as a time.Duration.
func (c Config) WaitBetweenCycles() time.Duration {
	return time.Duration(c.PositionManagement.WaitBetweenCyclesMinutes) * time.Minute
}

// MaxPositionAge returns the hard age cap as a time.Duration.
func (c Config) MaxPositionAge() time.Duration {
	return time.Duration(c.PositionManagement.MaxPositionAgeHours * float64(time.Hour))
}

// HoldDuration returns the nominal hold as a time.Duration; the controller
// uses it to set a position's target_close_at.
func (c Config) HoldDuration() time.Duration {
	return time.Duration(c.PositionManagement.HoldDurationHours * float64(time.Hour))
}
