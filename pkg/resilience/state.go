package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// StateStore keeps circuit states by key. Losing a state only forgets past
// failures.
type StateStore interface {
	Load(ctx context.Context, key string) (BreakerState, error)
	// Update applies fn to the state of key atomically and keeps the result
	// for ttl.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(BreakerState) BreakerState) (BreakerState, error)
}

type memoryEntry struct {
	state    BreakerState
	expireAt time.Time
}

type memoryStateStore struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]memoryEntry
}

// NewMemoryStateStore returns a process-local StateStore.
func NewMemoryStateStore(clock clockwork.Clock) StateStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &memoryStateStore{
		clock:   clock,
		entries: map[string]memoryEntry{},
	}
}

func (m *memoryStateStore) Load(_ context.Context, key string) (BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.load(key), nil
}

func (m *memoryStateStore) load(key string) BreakerState {
	e, ok := m.entries[key]
	if !ok {
		return BreakerState{}
	}
	if !e.expireAt.IsZero() && !m.clock.Now().Before(e.expireAt) {
		delete(m.entries, key)
		return BreakerState{}
	}
	return e.state
}

func (m *memoryStateStore) Update(_ context.Context, key string, ttl time.Duration, fn func(BreakerState) BreakerState) (BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := fn(m.load(key))
	e := memoryEntry{state: s}
	if ttl > 0 {
		e.expireAt = m.clock.Now().Add(ttl)
	}
	m.entries[key] = e
	return s, nil
}

const (
	breakerKeyPrefix  = "resilience:breaker:"
	maxUpdateAttempts = 5
)

type redisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore returns a StateStore shared by every worker connected to
// the same redis.
func NewRedisStateStore(client *redis.Client) StateStore {
	return &redisStateStore{client: client}
}

func breakerKey(key string) string {
	return breakerKeyPrefix + key
}

func (r *redisStateStore) Load(ctx context.Context, key string) (BreakerState, error) {
	return loadState(ctx, r.client, breakerKey(key))
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadState(ctx context.Context, c getter, key string) (BreakerState, error) {
	var s BreakerState
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("loading breaker state: %w", err)
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return BreakerState{}, fmt.Errorf("decoding breaker state: %w", err)
	}
	return s, nil
}

// Update uses optimistic locking so that workers sharing a key don't lose
// each other's failures.
func (r *redisStateStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(BreakerState) BreakerState) (BreakerState, error) {
	k := breakerKey(key)

	var result BreakerState
	txf := func(tx *redis.Tx) error {
		s, err := loadState(ctx, tx, k)
		if err != nil {
			return err
		}

		result = fn(s)
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encoding breaker state: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, b, ttl)
			return nil
		})
		return err
	}

	for range maxUpdateAttempts {
		err := r.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return BreakerState{}, err
		}
		return result, nil
	}

	return BreakerState{}, fmt.Errorf("updating breaker state: too many concurrent updates")
}
