// Package locks provides the distributed per-source mutex. One TTL'd Redis
// key per source guarantees that at most one worker process anywhere executes
// a job for that source at a time, while jobs for different sources proceed
// fully in parallel.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const pollInterval = 1 * time.Second

type SourceLock struct {
	rdb *redis.Client
}

func NewSourceLock(rdb *redis.Client) *SourceLock {
	return &SourceLock{rdb: rdb}
}

func key(source string) string { return "lock:" + source }

// Acquire polls SET NX PX until the lock is held or maxWait elapses.
// Returns false on timeout. The lease bounds how long a crashed holder can
// wedge its source; it must exceed the longest expected job.
func (l *SourceLock) Acquire(ctx context.Context, source string, maxWait, lease time.Duration) (bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(maxWait)

	for {
		ok, err := l.rdb.SetNX(ctx, key(source), token, lease).Result()
		if err != nil {
			return false, fmt.Errorf("locks: acquire %s: %w", source, err)
		}
		if ok {
			return true, nil
		}
		if time.Now().Add(pollInterval).After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release deletes the lock key unconditionally. Safe to call when the lock
// already expired.
func (l *SourceLock) Release(ctx context.Context, source string) error {
	if err := l.rdb.Del(ctx, key(source)).Err(); err != nil {
		return fmt.Errorf("locks: release %s: %w", source, err)
	}
	return nil
}
