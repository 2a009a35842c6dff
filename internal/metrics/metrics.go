// Package metrics exposes the bot's Prometheus gauges and counters:
// package-level collectors registered once, updated from the controller
// and the rate limiter.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fundingrotor_cycles_total", Help: "Completed cycles by outcome"},
		[]string{"outcome"}, // success|failed
	)

	ExitReasonsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fundingrotor_exit_reasons_total", Help: "Closed cycles by exit reason"},
		[]string{"reason"},
	)

	StateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "fundingrotor_state", Help: "1 for the currently active BotState, 0 otherwise"},
		[]string{"state"},
	)

	TotalCapitalUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fundingrotor_total_capital_usd", Help: "Total capital across both venues"},
	)

	LongTermPnLUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fundingrotor_long_term_pnl_usd", Help: "total_capital - initial_total_capital"},
	)

	RateLimitRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fundingrotor_rate_limit_retries_total", Help: "Retries triggered by rate-limited venue calls"},
		[]string{"venue"},
	)

	ScanDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "fundingrotor_scan_duration_seconds", Help: "Wall-clock time of one opportunity scan"},
	)
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		ExitReasonsTotal,
		StateGauge,
		TotalCapitalUSD,
		LongTermPnLUSD,
		RateLimitRetriesTotal,
		ScanDurationSeconds,
	)
}

// SetActiveState flips StateGauge so exactly one label reads 1.
func SetActiveState(states []string, active string) {
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1.0
		}
		StateGauge.WithLabelValues(s).Set(v)
	}
}
