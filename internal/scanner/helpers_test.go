package scanner

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/fundingrotor/internal/ratelimit"
)

func noopLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		Name:                "test",
		MaxConcurrent:       8,
		RequestsPerSecond:   1000,
		Burst:               1000,
		ConsecutiveFailTrip: 100,
		OpenTimeout:         time.Second,
	})
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
