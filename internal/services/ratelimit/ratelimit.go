package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a per-user requests-per-minute limit. When a Redis
// client is available the counter is shared across instances; otherwise a
// local sliding window stands in so a single instance still has protection.
type RateLimiter struct {
	rdb *redis.Client

	mu       sync.Mutex
	requests map[string][]time.Time
}

func NewRateLimiter(redisURL string) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
	}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			fiberlog.Warnf("invalid redis url, falling back to local rate limiting: %v", err)
		} else {
			rl.rdb = redis.NewClient(opts)
		}
	}

	go rl.cleanup()
	return rl
}

// CheckRateLimit reports whether the user is within limitRpm. A zero or
// negative limit disables limiting for that user.
func (rl *RateLimiter) CheckRateLimit(ctx context.Context, userID string, limitRpm int) (bool, error) {
	if limitRpm <= 0 {
		return true, nil
	}

	if rl.rdb != nil {
		allowed, err := rl.checkRedis(ctx, userID, limitRpm)
		if err == nil {
			return allowed, nil
		}
		fiberlog.Warnf("redis rate limit check failed for user %s, using local window: %v", userID, err)
	}

	return rl.checkLocal(userID, limitRpm), nil
}

// checkRedis uses a fixed one-minute counter window. INCR and EXPIRE are
// not atomic together, so the expiry is set only on the first hit.
func (rl *RateLimiter) checkRedis(ctx context.Context, userID string, limitRpm int) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%d", userID, time.Now().Unix()/60)

	count, err := rl.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := rl.rdb.Expire(ctx, key, 2*time.Minute).Err(); err != nil {
			return false, err
		}
	}

	return count <= int64(limitRpm), nil
}

func (rl *RateLimiter) checkLocal(userID string, limitRpm int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	oneMinuteAgo := now.Add(-1 * time.Minute)

	filtered := rl.requests[userID][:0]
	for _, reqTime := range rl.requests[userID] {
		if reqTime.After(oneMinuteAgo) {
			filtered = append(filtered, reqTime)
		}
	}
	rl.requests[userID] = filtered

	if len(filtered) >= limitRpm {
		return false
	}

	rl.requests[userID] = append(filtered, now)
	return true
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		oneMinuteAgo := time.Now().Add(-1 * time.Minute)
		for userID, requests := range rl.requests {
			filtered := []time.Time{}
			for _, reqTime := range requests {
				if reqTime.After(oneMinuteAgo) {
					filtered = append(filtered, reqTime)
				}
			}
			if len(filtered) == 0 {
				delete(rl.requests, userID)
			} else {
				rl.requests[userID] = filtered
			}
		}
		rl.mu.Unlock()
	}
}

// Close releases the Redis connection when one exists.
func (rl *RateLimiter) Close() error {
	if rl.rdb != nil {
		return rl.rdb.Close()
	}
	return nil
}
