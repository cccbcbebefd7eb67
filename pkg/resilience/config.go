package resilience

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/config"
)

// ConfigFromExecution overlays the configured tunables on the built-in
// policies. A non-nil redis client makes the circuit states shared across
// workers.
func ConfigFromExecution(cfg config.ExecutionConfig, rc *redis.Client, logger *zap.Logger) Config {
	c := DefaultConfig(logger)

	for op, pc := range cfg.Retry {
		p, ok := c.Policies[op]
		if !ok {
			p = c.Fallback
		}
		if pc.MaxAttempts > 0 {
			p.MaxAttempts = pc.MaxAttempts
		}
		if pc.BaseDelay > 0 {
			p.BaseDelay = pc.BaseDelay
		}
		if pc.MaxDelay > 0 {
			p.MaxDelay = pc.MaxDelay
		}
		if pc.Factor > 0 {
			p.Factor = pc.Factor
		}
		c.Policies[op] = p
	}

	cb := cfg.CircuitBreaker
	if cb.FailureThreshold > 0 {
		c.Breaker.Threshold = cb.FailureThreshold
	}
	if cb.Window > 0 {
		c.Breaker.Window = cb.Window
	}
	if cb.Cooldown > 0 {
		c.Breaker.Cooldown = cb.Cooldown
	}

	if rc != nil {
		c.BreakerStore = NewRedisStateStore(rc)
	}

	return c
}
