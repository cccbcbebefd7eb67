package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Operation types with a built-in retry policy.
const (
	OpDatabase         = "database_operation"
	OpStatusCheck      = "status_check"
	OpCache            = "cache_operation"
	OpDestinationWrite = "destination_write"
)

const (
	jitterRatio = 0.1
	minDelay    = 100 * time.Millisecond
)

// Policy is the exponential backoff of one operation type.
type Policy struct {
	// MaxAttempts is the total number of calls, first one included.
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

// DefaultPolicies returns the built-in policy of every operation type.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		OpDatabase:         {MaxAttempts: 6, BaseDelay: 500 * time.Millisecond, Factor: 2, MaxDelay: 10 * time.Second},
		OpStatusCheck:      {MaxAttempts: 8, BaseDelay: 2 * time.Second, Factor: 2, MaxDelay: time.Minute},
		OpCache:            {MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Factor: 2, MaxDelay: time.Second},
		OpDestinationWrite: {MaxAttempts: 4, BaseDelay: time.Second, Factor: 2, MaxDelay: 30 * time.Second},
	}
}

// Backoff returns the delay before retry n (n >= 1) without jitter:
// min(BaseDelay * Factor^(n-1), MaxDelay). It never decreases as n grows.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(p.BaseDelay) * math.Pow(factor, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns Backoff(n) jittered uniformly by up to 10% in either
// direction, with a floor of 100ms.
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.Backoff(n))
	d *= 1 + jitterRatio*(2*rand.Float64()-1)

	if d < float64(minDelay) {
		return minDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether attempt n is still allowed.
func (p Policy) ShouldRetry(n int) bool {
	return n <= p.MaxAttempts
}
