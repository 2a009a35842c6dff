// Package ratelimit coordinates outbound venue traffic: one semaphore
// plus token bucket per venue to cap concurrency and steady-state rate, a
// circuit breaker to stop hammering a venue that is actively failing, and
// jittered exponential backoff for rate-limited retries.
package ratelimit

import (
	"context"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/fundingrotor/internal/metrics"
	"github.com/sawpanic/fundingrotor/internal/venue"
)

// Limiter gates all outbound calls to a single venue: a semaphore bounds
// in-flight requests, a token bucket bounds steady-state rate, and a
// circuit breaker opens after sustained failures so the engine backs off
// entirely rather than retrying into an outage. Rate-limited failures are
// retried in place with jittered exponential backoff before they surface
// to the caller.
type Limiter struct {
	name       string
	sem        chan struct{}
	bucket     *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
}

// Config configures a single venue's Limiter.
type Config struct {
	Name                string
	MaxConcurrent       int
	RequestsPerSecond   float64
	Burst               int
	ConsecutiveFailTrip int
	OpenTimeout         time.Duration

	// MaxRetries counts total attempts for a rate-limited call; zero means
	// a single attempt with no retry. RetryBaseDelay doubles per attempt up
	// to RetryMaxDelay.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultConfig returns a conservative default: trip after 3 consecutive
// failures, 60s open timeout, four attempts for a rate-limited call.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxConcurrent:       4,
		RequestsPerSecond:   8,
		Burst:               8,
		ConsecutiveFailTrip: 3,
		OpenTimeout:         60 * time.Second,
		MaxRetries:          4,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       30 * time.Second,
	}
}

func New(cfg Config) *Limiter {
	st := gobreaker.Settings{
		Name:     cfg.Name,
		Interval: 60 * time.Second,
		Timeout:  cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if int(counts.ConsecutiveFailures) >= cfg.ConsecutiveFailTrip {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
	}
	return &Limiter{
		name:       cfg.Name,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		bucket:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker:    gobreaker.NewCircuitBreaker(st),
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBaseDelay,
		retryMax:   cfg.RetryMaxDelay,
	}
}

// Do runs fn under this venue's concurrency limit, rate limit, and circuit
// breaker. It blocks (respecting ctx) for a rate-bucket token and a free
// concurrency slot before invoking fn. A rate-limited failure is retried in
// place with jittered exponential backoff, holding the concurrency slot so
// the retries themselves can't stack new load onto a throttling venue; any
// other error propagates immediately.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := l.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-l.sem }()

	attempts := l.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := l.retryBase
	if delay <= 0 {
		delay = time.Second
	}

	var res any
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		res, err = l.breaker.Execute(func() (any, error) {
			return fn(ctx)
		})
		if err == nil || !venue.IsRateLimited(err) {
			return res, err
		}
		if attempt == attempts-1 {
			break
		}
		metrics.RateLimitRetriesTotal.WithLabelValues(l.name).Inc()
		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if l.retryMax > 0 && delay > l.retryMax {
			delay = l.retryMax
		}
	}
	return res, err
}

// RetryWithBackoff retries fn up to maxAttempts times on rate-limited
// errors, sleeping an exponentially growing, jittered delay between
// attempts. Non-rate-limit errors are returned immediately without retry;
// the caller's own error handling decides what to do with them.
func RetryWithBackoff(ctx context.Context, maxAttempts int, base time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !venue.IsRateLimited(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		delay := base * time.Duration(1<<uint(attempt))
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Stagger returns a per-index delay used to spread a fan-out scan's
// starting requests across a short window instead of bursting all symbols'
// first calls in the same instant. index is the symbol's position in the
// scan batch.
func Stagger(index int, spread time.Duration, batchSize int) time.Duration {
	if batchSize <= 1 {
		return 0
	}
	step := spread / time.Duration(batchSize)
	return step * time.Duration(index)
}
