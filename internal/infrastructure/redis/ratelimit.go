package redis

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RateLimiter is a fixed-window counter per subject.
type RateLimiter struct {
	client RedisClient
	prefix string
	limit  int
	window time.Duration
}

func NewRateLimiter(client RedisClient, prefix string, limit int, window time.Duration) *RateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "rate_limit"
	}
	return &RateLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow records a hit for subject. When the limit is exceeded it reports how
// long the caller should wait. A limit of zero disables limiting.
func (r *RateLimiter) Allow(ctx context.Context, scope, subject string) (bool, time.Duration, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return true, 0, nil
	}
	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	count, ttl, err := r.client.IncrWindow(ctx, key, r.window)
	if err != nil {
		return false, 0, err
	}
	if count > int64(r.limit) {
		if ttl < time.Second {
			ttl = time.Second
		}
		return false, ttl, nil
	}
	return true, 0, nil
}
