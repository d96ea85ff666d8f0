// Package ratelimit enforces per-domain request pacing shared by every
// worker process. State lives in Redis so that N workers hitting the same
// marketplace domain look like one polite client.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix        = "ratelimit:"
	counterPrefix    = "ratelimit:403:"
	window           = time.Hour
	maxTxRetries     = 5
	counterRetention = 48 * time.Hour
)

// ErrHourlyCapReached is returned by Wait when the fixed hourly window for a
// domain is exhausted. Callers treat it like being rate limited remotely.
var ErrHourlyCapReached = errors.New("ratelimit: hourly request cap reached")

// Limiter coordinates request spacing and an hourly cap per domain across
// processes. The Redis transaction is the serialization point: two workers
// racing for the same slot will have one of them retry and observe the
// other's claim.
type Limiter struct {
	rdb        *redis.Client
	minSpacing time.Duration
	hourlyCap  int64
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewLimiter builds a limiter with the given per-domain minimum spacing
// between requests and hard hourly cap.
func NewLimiter(rdb *redis.Client, minSpacing time.Duration, hourlyCap int) *Limiter {
	return &Limiter{
		rdb:        rdb,
		minSpacing: minSpacing,
		hourlyCap:  int64(hourlyCap),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until the caller may issue one request against domain, then
// records the slot. It returns ErrHourlyCapReached when the current window
// is full and a Redis error when the shared state is unreachable; callers
// must not fall back to unthrottled requests on error.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	for {
		delay, err := l.tryClaim(ctx, domain)
		if err != nil {
			return err
		}
		if delay <= 0 {
			return nil
		}
		// Small jitter spreads workers that woke up together.
		delay += time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// tryClaim attempts to take a request slot now. It returns (0, nil) when the
// slot was claimed, (d, nil) when the caller must wait d and retry, and a
// non-nil error for cap exhaustion or Redis failure.
func (l *Limiter) tryClaim(ctx context.Context, domain string) (time.Duration, error) {
	key := keyPrefix + domain
	var wait time.Duration

	txn := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		now := l.now()
		count := parseInt(vals["request_count"])
		windowStart := parseTime(vals["window_start"])
		lastRequest := parseTime(vals["last_request_at"])

		if windowStart.IsZero() || now.Sub(windowStart) >= window {
			count = 0
			windowStart = now
		}
		if count >= l.hourlyCap {
			return ErrHourlyCapReached
		}
		if !lastRequest.IsZero() {
			if since := now.Sub(lastRequest); since < l.minSpacing {
				wait = l.minSpacing - since
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"request_count", count+1,
				"window_start", windowStart.UnixMilli(),
				"last_request_at", now.UnixMilli(),
			)
			pipe.Expire(ctx, key, 2*window)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		wait = 0
		err := l.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrHourlyCapReached) {
				return 0, err
			}
			return 0, fmt.Errorf("ratelimit: %s: %w", domain, err)
		}
		return wait, nil
	}
	return 0, fmt.Errorf("ratelimit: %s: transaction contention persisted", domain)
}

// Consecutive403s returns the current run of rate-limit responses recorded
// for domain.
func (l *Limiter) Consecutive403s(ctx context.Context, domain string) (int, error) {
	n, err := l.rdb.Get(ctx, counterPrefix+domain).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: 403 counter %s: %w", domain, err)
	}
	return n, nil
}

// Record403 bumps the consecutive rate-limit counter for domain and returns
// the new value.
func (l *Limiter) Record403(ctx context.Context, domain string) (int, error) {
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, counterPrefix+domain)
	pipe.Expire(ctx, counterPrefix+domain, counterRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit: 403 counter %s: %w", domain, err)
	}
	return int(incr.Val()), nil
}

// Reset403 clears the consecutive counter after a successful request.
func (l *Limiter) Reset403(ctx context.Context, domain string) error {
	if err := l.rdb.Del(ctx, counterPrefix+domain).Err(); err != nil {
		return fmt.Errorf("ratelimit: 403 counter %s: %w", domain, err)
	}
	return nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
