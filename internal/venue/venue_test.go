package venue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/fundingrotor/internal/model"
)

func samplesEvery(interval time.Duration, n int) []model.FundingSample {
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.FundingSample, n)
	for i := range out {
		out[i] = model.FundingSample{Symbol: "BTC", Timestamp: start.Add(time.Duration(i) * interval)}
	}
	return out
}

func TestFundingIntervalFromHistoryDetectsModalDifference(t *testing.T) {
	assert.Equal(t, 8.0, FundingIntervalFromHistory(samplesEvery(8*time.Hour, 6)))
	assert.Equal(t, 4.0, FundingIntervalFromHistory(samplesEvery(4*time.Hour, 6)))
	assert.Equal(t, 1.0, FundingIntervalFromHistory(samplesEvery(time.Hour, 6)))
}

func TestFundingIntervalFromHistoryOrderIndependent(t *testing.T) {
	samples := samplesEvery(4*time.Hour, 6)
	reversed := make([]model.FundingSample, len(samples))
	for i, s := range samples {
		reversed[len(samples)-1-i] = s
	}
	assert.Equal(t, 4.0, FundingIntervalFromHistory(reversed))
}

func TestFundingIntervalFromHistoryDefaultsOnInsufficientData(t *testing.T) {
	assert.Equal(t, 8.0, FundingIntervalFromHistory(nil))
	assert.Equal(t, 8.0, FundingIntervalFromHistory(samplesEvery(8*time.Hour, 1)))
}

func TestFundingIntervalFromHistoryAbsorbsClockJitter(t *testing.T) {
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	samples := []model.FundingSample{
		{Timestamp: start},
		{Timestamp: start.Add(8*time.Hour + 3*time.Minute)},
		{Timestamp: start.Add(16*time.Hour - 2*time.Minute)},
	}
	assert.Equal(t, 8.0, FundingIntervalFromHistory(samples))
}

func TestIsRateLimitedClassification(t *testing.T) {
	assert.True(t, IsRateLimited(&Error{Kind: ErrRateLimited, Msg: "slow down"}))
	assert.True(t, IsRateLimited(fmt.Errorf("wrapped: %w", &Error{Kind: ErrRateLimited, Msg: "slow down"})))
	assert.True(t, IsRateLimited(errors.New("HTTP 429 too many requests")))
	assert.False(t, IsRateLimited(&Error{Kind: ErrAuth, Msg: "bad key"}))
	assert.False(t, IsRateLimited(errors.New("connection refused")))
	assert.False(t, IsRateLimited(nil))
}

func TestErrorStringIncludesCode(t *testing.T) {
	e := NewRejectError("-1013", "filter failure")
	assert.Contains(t, e.Error(), "VenueReject")
	assert.Contains(t, e.Error(), "-1013")
}
