package resilience

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// BreakerState is the persisted state of one circuit.
type BreakerState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowStart         time.Time `json:"window_start"`
	OpenUntil           time.Time `json:"open_until"`
}

// IsZero reports whether the circuit has no recorded failure.
func (s BreakerState) IsZero() bool {
	return s.ConsecutiveFailures == 0 && s.OpenUntil.IsZero()
}

// BreakerPolicy decides when a circuit opens. The decision functions are pure
// so they can be driven with arbitrary timestamps.
type BreakerPolicy struct {
	// Threshold is the number of consecutive failures that opens the
	// circuit. Zero disables the breaker.
	Threshold int
	// Window bounds how far apart the counted failures can be.
	Window time.Duration
	// Cooldown is how long the circuit stays open.
	Cooldown time.Duration
}

// DefaultBreakerPolicy opens after 5 failures in 10 minutes for 5 minutes.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{
		Threshold: 5,
		Window:    10 * time.Minute,
		Cooldown:  5 * time.Minute,
	}
}

// IsOpen reports whether calls are rejected at now.
func (p BreakerPolicy) IsOpen(s BreakerState, now time.Time) bool {
	return p.Threshold > 0 && now.Before(s.OpenUntil)
}

// Allow reports whether a call may go through at now. Once the cooldown has
// elapsed calls are allowed again; the next outcome decides whether the
// circuit closes or opens for another cooldown.
func (p BreakerPolicy) Allow(s BreakerState, now time.Time) bool {
	return !p.IsOpen(s, now)
}

// OnFailure returns the state after a failed call at now and whether this
// failure opened the circuit.
func (p BreakerPolicy) OnFailure(s BreakerState, now time.Time) (BreakerState, bool) {
	if p.Threshold <= 0 {
		return s, false
	}

	// A failure right after the cooldown (half-open probe) opens the circuit
	// again straight away.
	if !s.OpenUntil.IsZero() && !now.Before(s.OpenUntil) && now.Sub(s.OpenUntil) <= p.Window {
		return BreakerState{
			ConsecutiveFailures: p.Threshold,
			WindowStart:         now,
			OpenUntil:           now.Add(p.Cooldown),
		}, true
	}

	if s.WindowStart.IsZero() || (p.Window > 0 && now.Sub(s.WindowStart) > p.Window) {
		s.ConsecutiveFailures = 0
		s.WindowStart = now
	}

	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= p.Threshold && !now.Before(s.OpenUntil) {
		s.OpenUntil = now.Add(p.Cooldown)
		return s, true
	}
	return s, false
}

// OnSuccess returns the state after a successful call: a closed circuit with
// no failures.
func (p BreakerPolicy) OnSuccess(BreakerState) BreakerState {
	return BreakerState{}
}

// Breaker applies a BreakerPolicy to the states kept in a StateStore.
type Breaker struct {
	policy BreakerPolicy
	store  StateStore
	clock  clockwork.Clock
}

// NewBreaker returns a breaker. A nil store keeps the state in memory and a
// nil clock uses the real time.
func NewBreaker(policy BreakerPolicy, store StateStore, clock clockwork.Clock) *Breaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if store == nil {
		store = NewMemoryStateStore(clock)
	}
	return &Breaker{policy: policy, store: store, clock: clock}
}

// Allow reports whether a call for key may go through. The circuit stays
// closed when its state can't be read.
func (b *Breaker) Allow(ctx context.Context, key string) (bool, error) {
	allowed, _, err := b.check(ctx, key)
	return allowed, err
}

// check also reports whether the circuit has failures to reset on success.
func (b *Breaker) check(ctx context.Context, key string) (allowed, dirty bool, err error) {
	s, err := b.store.Load(ctx, key)
	if err != nil {
		return true, true, err
	}
	return b.policy.Allow(s, b.clock.Now()), !s.IsZero(), nil
}

// RecordFailure counts a failed call for key and reports whether it opened
// the circuit.
func (b *Breaker) RecordFailure(ctx context.Context, key string) (bool, error) {
	var tripped bool
	_, err := b.store.Update(ctx, key, b.ttl(), func(s BreakerState) BreakerState {
		s, tripped = b.policy.OnFailure(s, b.clock.Now())
		return s
	})
	return tripped, err
}

// RecordSuccess closes the circuit of key.
func (b *Breaker) RecordSuccess(ctx context.Context, key string) error {
	_, err := b.store.Update(ctx, key, b.ttl(), b.policy.OnSuccess)
	return err
}

// State returns the current state of key.
func (b *Breaker) State(ctx context.Context, key string) (BreakerState, error) {
	return b.store.Load(ctx, key)
}

func (b *Breaker) ttl() time.Duration {
	return b.policy.Window + b.policy.Cooldown
}
