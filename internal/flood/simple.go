package flood

import "golang.org/x/time/rate"

// SimpleLimiter wraps golang.org/x/time/rate for single-window limits,
// mirroring the rate limiter the teacher's WebhookHandler used ahead of its
// circuit breaker. No component of the gateway constructs one; the stats
// endpoint is not rate-limited. Prefer Control
// for the multi-window FloodControlFast-shaped limits spec.md calls for.
type SimpleLimiter struct {
	limiter *rate.Limiter
}

// NewSimpleLimiter creates a token-bucket limiter refilling at
// requestsPerSecond with the given burst size.
func NewSimpleLimiter(requestsPerSecond float64, burst int) *SimpleLimiter {
	return &SimpleLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Allow reports whether a request may proceed right now.
func (s *SimpleLimiter) Allow() bool {
	return s.limiter.Allow()
}
