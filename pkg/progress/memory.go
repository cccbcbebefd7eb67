package progress

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/instill-ai/execution-backend/pkg/types"
)

type memoryEntry struct {
	counts    Counts
	hasTotal  bool
	status    Status
	hasStatus bool
	stopped   bool
	expireAt  time.Time
}

type memoryCache struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ttl     time.Duration
	entries map[types.ExecutionUIDType]*memoryEntry
}

// NewMemoryCache returns a process-local Cache, used when no redis is
// configured and in tests.
func NewMemoryCache(ttl time.Duration, clock clockwork.Clock) Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &memoryCache{
		clock:   clock,
		ttl:     ttl,
		entries: map[types.ExecutionUIDType]*memoryEntry{},
	}
}

// entry returns the live entry of the execution, creating it when asked to.
// The lifetime is extended on every write.
func (m *memoryCache) entry(uid types.ExecutionUIDType, create bool) *memoryEntry {
	now := m.clock.Now()
	e, ok := m.entries[uid]
	if ok && !now.Before(e.expireAt) {
		delete(m.entries, uid)
		e, ok = nil, false
	}
	if !ok && create {
		e = &memoryEntry{}
		m.entries[uid] = e
	}
	if e != nil && create {
		e.expireAt = now.Add(m.ttl)
	}
	return e
}

func (m *memoryCache) SetTotal(_ context.Context, executionUID types.ExecutionUIDType, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(executionUID, true)
	e.counts.Total = int64(total)
	e.hasTotal = true
	return nil
}

func (m *memoryCache) IncrementCompleted(_ context.Context, executionUID types.ExecutionUIDType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entry(executionUID, true).counts.Completed++
	return nil
}

func (m *memoryCache) IncrementFailed(_ context.Context, executionUID types.ExecutionUIDType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entry(executionUID, true).counts.Failed++
	return nil
}

func (m *memoryCache) GetCounts(_ context.Context, executionUID types.ExecutionUIDType) (Counts, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(executionUID, false)
	if e == nil {
		return Counts{}, false, nil
	}
	return e.counts, e.hasTotal, nil
}

func (m *memoryCache) SetStatus(_ context.Context, executionUID types.ExecutionUIDType, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(executionUID, true)
	if e.hasStatus && e.status.Status.IsTerminal() && !status.Status.IsTerminal() {
		return nil
	}
	e.status = status
	e.hasStatus = true
	return nil
}

func (m *memoryCache) GetStatus(_ context.Context, executionUID types.ExecutionUIDType) (Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(executionUID, false)
	if e == nil || !e.hasStatus {
		return Status{}, false, nil
	}
	return e.status, true, nil
}

func (m *memoryCache) MarkStopped(_ context.Context, executionUID types.ExecutionUIDType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entry(executionUID, true).stopped = true
	return nil
}

func (m *memoryCache) IsStopped(_ context.Context, executionUID types.ExecutionUIDType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(executionUID, false)
	return e != nil && e.stopped, nil
}

func (m *memoryCache) Delete(_ context.Context, executionUID types.ExecutionUIDType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, executionUID)
	return nil
}
