package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/pkg/metrics"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

// OnRetryFunc runs after a transient failure, before the backoff sleep.
// attempt is the number of the call that failed.
type OnRetryFunc func(ctx context.Context, op string, attempt int, err error)

// Config is the resilience setup shared by the clients built at startup.
type Config struct {
	Policies map[string]Policy
	// Fallback applies to operation types without an entry in Policies.
	Fallback Policy
	Breaker  BreakerPolicy
	// BreakerStore defaults to an in-memory store.
	BreakerStore StateStore
	Clock        clockwork.Clock
	Classifier   Classifier
	OnRetry      []OnRetryFunc
	Logger       *zap.Logger
}

// DefaultConfig returns the built-in policies with an in-memory breaker.
func DefaultConfig(logger *zap.Logger) Config {
	return Config{
		Policies:   DefaultPolicies(),
		Fallback:   DefaultPolicies()[OpDatabase],
		Breaker:    DefaultBreakerPolicy(),
		Clock:      clockwork.NewRealClock(),
		Classifier: DefaultClassifier,
		Logger:     logger,
	}
}

// WithOnRetry returns a copy of the config with an extra retry hook.
func (c Config) WithOnRetry(h OnRetryFunc) Config {
	hooks := make([]OnRetryFunc, 0, len(c.OnRetry)+1)
	hooks = append(hooks, c.OnRetry...)
	c.OnRetry = append(hooks, h)
	return c
}

// ExhaustedError is returned when an operation still fails after its last
// allowed attempt.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Retryer runs operations with classification, backoff and a circuit
// breaker. It holds no per-call state and can be shared by goroutines.
type Retryer struct {
	policies   map[string]Policy
	fallback   Policy
	breaker    *Breaker
	classifier Classifier
	onRetry    []OnRetryFunc
	logger     *zap.Logger
	clock      clockwork.Clock
}

// NewRetryer builds a retryer from cfg.
func NewRetryer(cfg Config) *Retryer {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.Fallback.MaxAttempts == 0 {
		cfg.Fallback = DefaultPolicies()[OpDatabase]
	}

	return &Retryer{
		policies:   cfg.Policies,
		fallback:   cfg.Fallback,
		breaker:    NewBreaker(cfg.Breaker, cfg.BreakerStore, cfg.Clock),
		classifier: cfg.Classifier,
		onRetry:    cfg.OnRetry,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
	}
}

// Policy returns the policy applied to op.
func (r *Retryer) Policy(op string) Policy {
	if p, ok := r.policies[op]; ok {
		return p
	}
	return r.fallback
}

// Breaker exposes the circuit breaker of the retryer.
func (r *Retryer) Breaker() *Breaker {
	return r.breaker
}

// Do calls fn until it succeeds, fails with a non-transient error or runs
// out of attempts. key scopes the circuit breaker, e.g. a resource or an
// execution; the circuit of an operation is tracked as "op:key".
//
// The circuit is checked once, before the first attempt, and an operation
// that runs out of attempts counts as one circuit failure. A context from
// BypassBreaker skips the circuit altogether.
func (r *Retryer) Do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	policy := r.Policy(op)
	circuit := op + ":" + key
	logger := r.logger.With(zap.String("operation", op), zap.String("key", key))

	useBreaker := !bypassesBreaker(ctx)
	dirty := false
	if useBreaker {
		allowed, d, err := r.breaker.check(ctx, circuit)
		switch {
		case err != nil:
			logger.Warn("Couldn't read circuit state", zap.Error(err))
		case !allowed:
			return fmt.Errorf("%s: %w", op, errdomain.ErrCircuitOpen)
		}
		dirty = d
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry", zap.Int("attempts", attempt))
			}
			if useBreaker && dirty {
				if err := r.breaker.RecordSuccess(ctx, circuit); err != nil {
					logger.Warn("Couldn't reset circuit state", zap.Error(err))
				}
			}
			return nil
		}

		kind := r.classifier(err)
		if kind != Transient {
			return err
		}

		if !policy.ShouldRetry(attempt + 1) {
			metrics.RecordRetriesExhausted(op)
			logger.Error("Retries exhausted", zap.Int("attempts", attempt), zap.Error(err))
			if useBreaker {
				r.recordExhausted(ctx, logger, op, circuit)
			}
			return &ExhaustedError{Operation: op, Attempts: attempt, Err: err}
		}

		delay := policy.Delay(attempt)
		logger.Warn("Retrying operation",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.RecordRetry(op)

		for _, h := range r.onRetry {
			h(ctx, op, attempt, err)
		}

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%s interrupted after %d attempts: %w", op, attempt, errors.Join(sleepErr, err))
		}
	}
}

func (r *Retryer) recordExhausted(ctx context.Context, logger *zap.Logger, op, circuit string) {
	tripped, err := r.breaker.RecordFailure(ctx, circuit)
	if err != nil {
		logger.Warn("Couldn't record circuit failure", zap.Error(err))
		return
	}
	if tripped {
		metrics.RecordCircuitOpen(op)
		logger.Error("Circuit breaker opened", zap.String("circuit", circuit))
	}
}

type bypassBreakerKey struct{}

// BypassBreaker returns a context whose operations are retried with their
// policy but neither consult nor update the circuit breaker. It is meant for
// the writes that must land for an execution to reach a terminal status.
func BypassBreaker(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassBreakerKey{}, true)
}

func bypassesBreaker(ctx context.Context) bool {
	v, _ := ctx.Value(bypassBreakerKey{}).(bool)
	return v
}

func (r *Retryer) sleep(ctx context.Context, d time.Duration) error {
	t := r.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}
