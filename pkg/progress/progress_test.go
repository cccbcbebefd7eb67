package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/execution-backend/pkg/resilience"
	"github.com/instill-ai/execution-backend/pkg/types"
)

func TestCache(t *testing.T) {
	c := qt.New(t)

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c.Cleanup(func() { _ = rc.Close() })

	retryer := resilience.NewRetryer(resilience.DefaultConfig(zap.NewNop()))

	caches := map[string]Cache{
		"memory": NewMemoryCache(time.Minute, nil),
		"redis":  NewRedisCache(rc, time.Minute, retryer),
	}

	for name, cache := range caches {
		c.Run(name, func(c *qt.C) {
			ctx := context.Background()
			uid := uuid.Must(uuid.NewV4())

			_, found, err := cache.GetCounts(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(found, qt.IsFalse)

			c.Assert(cache.SetTotal(ctx, uid, 23), qt.IsNil)

			var wg sync.WaitGroup
			for i := range 23 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if i%10 == 0 {
						c.Check(cache.IncrementFailed(ctx, uid), qt.IsNil)
						return
					}
					c.Check(cache.IncrementCompleted(ctx, uid), qt.IsNil)
				}()
			}
			wg.Wait()

			counts, found, err := cache.GetCounts(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(found, qt.IsTrue)
			c.Check(counts, qt.Equals, Counts{Total: 23, Completed: 20, Failed: 3})
			c.Check(counts.Done(), qt.Equals, int64(23))

			stopped, err := cache.IsStopped(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(stopped, qt.IsFalse)

			c.Assert(cache.MarkStopped(ctx, uid), qt.IsNil)
			stopped, err = cache.IsStopped(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(stopped, qt.IsTrue)

			c.Assert(cache.Delete(ctx, uid), qt.IsNil)
			_, found, err = cache.GetCounts(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(found, qt.IsFalse)
			stopped, err = cache.IsStopped(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(stopped, qt.IsFalse)
		})
	}
}

func TestCache_Status(t *testing.T) {
	c := qt.New(t)

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c.Cleanup(func() { _ = rc.Close() })

	caches := map[string]Cache{
		"memory": NewMemoryCache(time.Minute, nil),
		"redis":  NewRedisCache(rc, time.Minute, nil),
	}

	for name, cache := range caches {
		c.Run(name, func(c *qt.C) {
			ctx := context.Background()
			uid := uuid.Must(uuid.NewV4())

			_, found, err := cache.GetStatus(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(found, qt.IsFalse)

			c.Assert(cache.SetStatus(ctx, uid, Status{Status: types.ExecutionStatusExecuting}), qt.IsNil)
			got, found, err := cache.GetStatus(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(found, qt.IsTrue)
			c.Check(got, qt.Equals, Status{Status: types.ExecutionStatusExecuting})

			// A status cached alone doesn't count as progress.
			_, found, err = cache.GetCounts(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(found, qt.IsFalse)

			stopped := Status{Status: types.ExecutionStatusStopped}
			c.Assert(cache.SetStatus(ctx, uid, stopped), qt.IsNil)

			// A late non-terminal write doesn't hide the terminal status.
			c.Assert(cache.SetStatus(ctx, uid, Status{Status: types.ExecutionStatusExecuting}), qt.IsNil)
			got, _, err = cache.GetStatus(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(got, qt.Equals, stopped)

			failed := Status{Status: types.ExecutionStatusError, ErrorMessage: "All 2 files failed to process."}
			c.Assert(cache.SetStatus(ctx, uid, failed), qt.IsNil)
			got, _, err = cache.GetStatus(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(got, qt.Equals, failed)

			c.Assert(cache.Delete(ctx, uid), qt.IsNil)
			_, found, err = cache.GetStatus(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(found, qt.IsFalse)
		})
	}

	c.Run("redis status expires", func(c *qt.C) {
		ctx := context.Background()
		uid := uuid.Must(uuid.NewV4())

		c.Assert(caches["redis"].SetStatus(ctx, uid, Status{Status: types.ExecutionStatusCompleted}), qt.IsNil)
		c.Check(mr.TTL(statusKey(uid)), qt.Equals, time.Minute)
	})
}

func TestRedisCache_TTL(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c.Cleanup(func() { _ = rc.Close() })

	cache := NewRedisCache(rc, 0, nil)
	uid := uuid.Must(uuid.NewV4())

	c.Assert(cache.IncrementCompleted(ctx, uid), qt.IsNil)
	c.Check(mr.TTL(counterKey(uid, completedCounter)), qt.Equals, DefaultTTL)

	mr.FastForward(DefaultTTL)
	counts, _, err := cache.GetCounts(ctx, uid)
	c.Assert(err, qt.IsNil)
	c.Check(counts.Completed, qt.Equals, int64(0))
}

func TestMemoryCache_TTL(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	clock := clockwork.NewFakeClock()
	cache := NewMemoryCache(time.Minute, clock)
	uid := uuid.Must(uuid.NewV4())

	c.Assert(cache.SetTotal(ctx, uid, 2), qt.IsNil)
	clock.Advance(59 * time.Second)
	c.Assert(cache.IncrementCompleted(ctx, uid), qt.IsNil)

	// Writes extend the lifetime.
	clock.Advance(59 * time.Second)
	counts, found, err := cache.GetCounts(ctx, uid)
	c.Assert(err, qt.IsNil)
	c.Check(found, qt.IsTrue)
	c.Check(counts, qt.Equals, Counts{Total: 2, Completed: 1})

	clock.Advance(time.Minute)
	_, found, err = cache.GetCounts(ctx, uid)
	c.Assert(err, qt.IsNil)
	c.Check(found, qt.IsFalse)
}
