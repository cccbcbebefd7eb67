package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/instill-ai/execution-backend/pkg/resilience"
	"github.com/instill-ai/execution-backend/pkg/types"
)

const keyPrefix = "execution:progress:"

func counterKey(executionUID types.ExecutionUIDType, counter string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, executionUID, counter)
}

func stopKey(executionUID types.ExecutionUIDType) string {
	return fmt.Sprintf("%s%s:stopped", keyPrefix, executionUID)
}

func statusKey(executionUID types.ExecutionUIDType) string {
	return fmt.Sprintf("%s%s:status", keyPrefix, executionUID)
}

// setStatusScript writes the status hash unless it would replace a terminal
// status with a non-terminal one.
// KEYS[1]: status key. ARGV: status, error message, "1" when the status is
// terminal, TTL in milliseconds.
var setStatusScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if ARGV[3] == '0' and (current == 'COMPLETED' or current == 'ERROR' or current == 'STOPPED') then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'error', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

const (
	totalCounter     = "total"
	completedCounter = "completed"
	failedCounter    = "failed"
)

type redisCache struct {
	client  *redis.Client
	ttl     time.Duration
	retryer *resilience.Retryer
}

// NewRedisCache returns a Cache backed by redis. Every call goes through the
// cache_operation retry policy of the retryer.
func NewRedisCache(client *redis.Client, ttl time.Duration, retryer *resilience.Retryer) Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &redisCache{
		client:  client,
		ttl:     ttl,
		retryer: retryer,
	}
}

func (r *redisCache) do(ctx context.Context, fn func(context.Context) error) error {
	if r.retryer == nil {
		return fn(ctx)
	}
	return r.retryer.Do(ctx, resilience.OpCache, "progress", fn)
}

func (r *redisCache) SetTotal(ctx context.Context, executionUID types.ExecutionUIDType, total int) error {
	return r.do(ctx, func(ctx context.Context) error {
		if err := r.client.Set(ctx, counterKey(executionUID, totalCounter), total, r.ttl).Err(); err != nil {
			return fmt.Errorf("setting progress total: %w", err)
		}
		return nil
	})
}

func (r *redisCache) IncrementCompleted(ctx context.Context, executionUID types.ExecutionUIDType) error {
	return r.incr(ctx, counterKey(executionUID, completedCounter))
}

func (r *redisCache) IncrementFailed(ctx context.Context, executionUID types.ExecutionUIDType) error {
	return r.incr(ctx, counterKey(executionUID, failedCounter))
}

// incr isn't retried: a transport error after the server applied the
// increment would count the file twice.
func (r *redisCache) incr(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("incrementing %s: %w", key, err)
	}
	return nil
}

func (r *redisCache) GetCounts(ctx context.Context, executionUID types.ExecutionUIDType) (Counts, bool, error) {
	var counts Counts
	var found bool

	err := r.do(ctx, func(ctx context.Context) error {
		vals, err := r.client.MGet(ctx,
			counterKey(executionUID, totalCounter),
			counterKey(executionUID, completedCounter),
			counterKey(executionUID, failedCounter),
		).Result()
		if err != nil {
			return fmt.Errorf("reading progress: %w", err)
		}

		found = vals[0] != nil
		dst := []*int64{&counts.Total, &counts.Completed, &counts.Failed}
		for i, v := range vals {
			if v == nil {
				*dst[i] = 0
				continue
			}
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("unexpected progress value %v", v)
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("parsing progress value: %w", err)
			}
			*dst[i] = n
		}
		return nil
	})
	if err != nil {
		return Counts{}, false, err
	}

	return counts, found, nil
}

func (r *redisCache) SetStatus(ctx context.Context, executionUID types.ExecutionUIDType, status Status) error {
	terminal := "0"
	if status.Status.IsTerminal() {
		terminal = "1"
	}

	return r.do(ctx, func(ctx context.Context) error {
		err := setStatusScript.Run(ctx, r.client,
			[]string{statusKey(executionUID)},
			status.Status.String(), status.ErrorMessage, terminal, r.ttl.Milliseconds(),
		).Err()
		if err != nil {
			return fmt.Errorf("setting status: %w", err)
		}
		return nil
	})
}

func (r *redisCache) GetStatus(ctx context.Context, executionUID types.ExecutionUIDType) (Status, bool, error) {
	var status Status
	var found bool

	err := r.do(ctx, func(ctx context.Context) error {
		vals, err := r.client.HGetAll(ctx, statusKey(executionUID)).Result()
		if err != nil {
			return fmt.Errorf("reading status: %w", err)
		}
		s, ok := vals["status"]
		if !ok {
			found = false
			return nil
		}
		status = Status{
			Status:       types.ExecutionStatus(s),
			ErrorMessage: vals["error"],
		}
		found = true
		return nil
	})
	if err != nil {
		return Status{}, false, err
	}

	return status, found, nil
}

func (r *redisCache) MarkStopped(ctx context.Context, executionUID types.ExecutionUIDType) error {
	return r.do(ctx, func(ctx context.Context) error {
		if err := r.client.Set(ctx, stopKey(executionUID), 1, r.ttl).Err(); err != nil {
			return fmt.Errorf("setting stop flag: %w", err)
		}
		return nil
	})
}

func (r *redisCache) IsStopped(ctx context.Context, executionUID types.ExecutionUIDType) (bool, error) {
	var stopped bool
	err := r.do(ctx, func(ctx context.Context) error {
		err := r.client.Get(ctx, stopKey(executionUID)).Err()
		if errors.Is(err, redis.Nil) {
			stopped = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stop flag: %w", err)
		}
		stopped = true
		return nil
	})
	return stopped, err
}

func (r *redisCache) Delete(ctx context.Context, executionUID types.ExecutionUIDType) error {
	return r.do(ctx, func(ctx context.Context) error {
		err := r.client.Del(ctx,
			counterKey(executionUID, totalCounter),
			counterKey(executionUID, completedCounter),
			counterKey(executionUID, failedCounter),
			statusKey(executionUID),
			stopKey(executionUID),
		).Err()
		if err != nil {
			return fmt.Errorf("deleting progress: %w", err)
		}
		return nil
	})
}
