package fetch

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter paces requests to the origin with a token bucket (burst 1).
// A nil limiter or a non-positive rate never blocks.
type RateLimiter struct {
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewRateLimiter creates a limiter allowing rps requests per second; rps <= 0 disables limiting
func NewRateLimiter(rps float64, log *logrus.Entry) *RateLimiter {
	rl := &RateLimiter{log: log}
	if rps > 0 {
		rl.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return rl
}

// Wait blocks until the next request may be sent or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil || rl.limiter == nil {
		return nil
	}
	if rl.limiter.Tokens() < 1 {
		rl.log.Debug("Rate limit applying sleep")
	}
	return rl.limiter.Wait(ctx)
}
