// Package scanner implements the opportunity scanner: for every candidate
// symbol, fetch both venues' funding rate, volume, and quotes
// concurrently, rank eligible opportunities by net APR, and report why
// ineligible symbols were excluded.
package scanner

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/fundingrotor/internal/model"
	"github.com/sawpanic/fundingrotor/internal/ratelimit"
	"github.com/sawpanic/fundingrotor/internal/venue"
)

// Config carries the filtering thresholds read from the JSON config file's
// funding_rate_strategy section.
type Config struct {
	APRMin           float64
	VolumeMinUSD     float64
	SpreadMaxPct     float64
	UseMA            bool
	MAPeriods        int
	PerSymbolTimeout time.Duration
	StaggerSpread    time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		APRMin:           10,
		VolumeMinUSD:     1_000_000,
		SpreadMaxPct:     0.5,
		UseMA:            false,
		MAPeriods:        3,
		PerSymbolTimeout: 90 * time.Second,
		StaggerSpread:    time.Second,
	}
}

// Scanner holds the two venue adapters and their rate limiters.
type Scanner struct {
	VenueA, VenueB     venue.Adapter
	LimiterA, LimiterB *ratelimit.Limiter
	Log                zerolog.Logger
}

func New(a, b venue.Adapter, la, lb *ratelimit.Limiter, log zerolog.Logger) *Scanner {
	return &Scanner{VenueA: a, VenueB: b, LimiterA: la, LimiterB: lb, Log: log}
}

type symbolData struct {
	symbol           string
	rateA, rateB     model.FundingSample
	volA, volB       float64
	quoteA, quoteB   venue.BidAsk
	maRateA, maRateB float64
	err              error
	errReason        string
}

// Scan fetches and ranks every candidate symbol concurrently under the
// rate-limit discipline of C9, with staggered fan-out starts.
func (s *Scanner) Scan(ctx context.Context, symbols []string, cfg Config) model.ScanResult {
	results := make([]symbolData, len(symbols))
	var wg sync.WaitGroup
	for i, sym := range symbols {
		i, sym := i, sym
		wg.Add(1)
		go func() {
			defer wg.Done()
			delay := ratelimit.Stagger(i, cfg.StaggerSpread, len(symbols))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			results[i] = s.fetchSymbol(ctx, sym, cfg)
		}()
	}
	wg.Wait()

	var out model.ScanResult
	for _, r := range results {
		if r.err != nil {
			out.Excluded = append(out.Excluded, model.ExcludedSymbol{Symbol: r.symbol, Reason: r.errReason})
			continue
		}
		opp, reason, ok := evaluate(r, cfg)
		if !ok {
			out.Excluded = append(out.Excluded, model.ExcludedSymbol{Symbol: r.symbol, Reason: reason})
			continue
		}
		out.Eligible = append(out.Eligible, opp)
	}

	sort.Slice(out.Eligible, func(i, j int) bool {
		a, b := out.Eligible[i], out.Eligible[j]
		if a.NetAPR != b.NetAPR {
			return a.NetAPR > b.NetAPR
		}
		if a.Combined24hVolumeUSD != b.Combined24hVolumeUSD {
			return a.Combined24hVolumeUSD > b.Combined24hVolumeUSD
		}
		return a.Symbol < b.Symbol
	})
	return out
}

func (s *Scanner) fetchSymbol(ctx context.Context, sym string, cfg Config) symbolData {
	ctx, cancel := context.WithTimeout(ctx, cfg.PerSymbolTimeout)
	defer cancel()

	var d symbolData
	d.symbol = sym

	type fetchResult struct {
		rate  model.FundingSample
		vol   float64
		quote venue.BidAsk
		hist  []model.FundingSample
		err   error
	}

	fetchVenue := func(a venue.Adapter, l *ratelimit.Limiter) fetchResult {
		var fr fetchResult
		rateAny, err := l.Do(ctx, func(ctx context.Context) (any, error) { return a.CurrentFundingRate(ctx, sym) })
		if err != nil {
			fr.err = err
			return fr
		}
		fr.rate = rateAny.(model.FundingSample)

		volAny, err := l.Do(ctx, func(ctx context.Context) (any, error) { return a.Quote24hVolume(ctx, sym) })
		if err != nil {
			fr.err = err
			return fr
		}
		fr.vol = volAny.(float64)

		quoteAny, err := l.Do(ctx, func(ctx context.Context) (any, error) { return a.BestBidAsk(ctx, sym) })
		if err != nil {
			fr.err = err
			return fr
		}
		fr.quote = quoteAny.(venue.BidAsk)

		if cfg.UseMA {
			histAny, err := l.Do(ctx, func(ctx context.Context) (any, error) { return a.FundingRateHistory(ctx, sym, cfg.MAPeriods) })
			if err == nil {
				fr.hist = histAny.([]model.FundingSample)
			}
		}
		return fr
	}

	var frA, frB fetchResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); frA = fetchVenue(s.VenueA, s.LimiterA) }()
	go func() { defer wg.Done(); frB = fetchVenue(s.VenueB, s.LimiterB) }()
	wg.Wait()

	if ctx.Err() != nil {
		d.err = ctx.Err()
		d.errReason = model.ReasonTimeout
		return d
	}
	if frA.err != nil || frB.err != nil {
		d.err = frA.err
		if d.err == nil {
			d.err = frB.err
		}
		d.errReason = model.ReasonDataUnavailable
		return d
	}

	d.rateA, d.rateB = frA.rate, frB.rate
	d.volA, d.volB = frA.vol, frB.vol
	d.quoteA, d.quoteB = frA.quote, frB.quote
	d.maRateA = meanRate(frA.hist, d.rateA.Rate)
	d.maRateB = meanRate(frB.hist, d.rateB.Rate)
	return d
}

func meanRate(hist []model.FundingSample, fallback float64) float64 {
	if len(hist) == 0 {
		return fallback
	}
	sum := 0.0
	for _, h := range hist {
		sum += h.Rate
	}
	return sum / float64(len(hist))
}

// evaluate applies the eligibility filters to one symbol's fetched data.
func evaluate(d symbolData, cfg Config) (model.Opportunity, string, bool) {
	combinedVol := d.volA + d.volB
	if combinedVol < cfg.VolumeMinUSD {
		return model.Opportunity{}, model.ReasonVolumeTooLow, false
	}

	midA, midB := d.quoteA.Mid(), d.quoteB.Mid()
	avgMid := (midA + midB) / 2
	var spreadPct float64
	if avgMid > 0 {
		spreadPct = math.Abs(midA-midB) / avgMid * 100
	}
	if spreadPct > cfg.SpreadMaxPct {
		return model.Opportunity{}, model.ReasonSpreadTooWide, false
	}

	aprA := d.rateA.APR()
	aprB := d.rateB.APR()

	// Decision rates pick direction and net_apr: the current rate unless
	// use_ma is set, in which case the MA-smoothed rate decides. Either way
	// the *current* rate's sign on the chosen short leg still vetoes the
	// opportunity, so a negative current rate can never be hidden behind a
	// favorable MA.
	decisionAprA, decisionAprB := aprA, aprB
	if cfg.UseMA {
		decisionAprA = model.FundingSample{Rate: d.maRateA, PeriodHrs: d.rateA.PeriodHrs}.APR()
		decisionAprB = model.FundingSample{Rate: d.maRateB, PeriodHrs: d.rateB.PeriodHrs}.APR()
	}
	netAB := decisionAprB - decisionAprA // long A, short B
	netBA := decisionAprA - decisionAprB // long B, short A

	// Direction picks the larger net APR; the short leg is paid funding only
	// while the short venue's rate is positive, so that venue's *current*
	// (never MA-smoothed) rate is what vetoes the opportunity when non-positive.
	var longVenue, shortVenue string
	var netAPR float64
	var currentRateSign float64
	longAPR, shortAPR := aprA, aprB
	if netAB >= netBA {
		longVenue, shortVenue = "venue-a", "venue-b"
		netAPR = netAB
		currentRateSign = d.rateB.Rate
	} else {
		longVenue, shortVenue = "venue-b", "venue-a"
		netAPR = netBA
		currentRateSign = d.rateA.Rate
		longAPR, shortAPR = aprB, aprA
	}

	if currentRateSign <= 0 {
		return model.Opportunity{}, model.ReasonNegativeRate, false
	}
	if netAPR < cfg.APRMin {
		return model.Opportunity{}, model.ReasonBelowAPRThreshold, false
	}

	return model.Opportunity{
		Symbol:               d.symbol,
		LongVenue:            longVenue,
		ShortVenue:           shortVenue,
		LongAPR:              longAPR,
		ShortAPR:             shortAPR,
		NetAPR:               netAPR,
		Combined24hVolumeUSD: combinedVol,
		CrossSpreadPct:       spreadPct,
		FundingFreqPerDay:    24 / math.Max(d.rateA.PeriodHrs, 1),
		UsingMA:              cfg.UseMA,
	}, "", true
}
