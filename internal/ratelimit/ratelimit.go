// Package ratelimit caps how often an agent may open protocols.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/agentlink/internal/errs"
	"github.com/eldtechnologies/agentlink/internal/metrics"
)

// Limiter rejects agents that exceed their quota with an errs.KindRateLimited error.
type Limiter interface {
	CheckLimit(ctx context.Context, agentID string) error
}

// Unlimited never rejects.
type Unlimited struct{}

// CheckLimit implements Limiter.
func (Unlimited) CheckLimit(context.Context, string) error { return nil }

type window struct {
	count int
	start time.Time
}

// Local is a fixed-window limiter per agent, held in process.
type Local struct {
	mu      sync.Mutex
	windows map[string]*window
	rate    int
	period  time.Duration
	now     func() time.Time
}

// NewLocal allows rate calls per agent per period.
func NewLocal(rate int, period time.Duration) *Local {
	return &Local{
		windows: make(map[string]*window),
		rate:    rate,
		period:  period,
		now:     time.Now,
	}
}

// CheckLimit implements Limiter.
func (l *Local) CheckLimit(_ context.Context, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[agentID]
	if !ok || now.Sub(w.start) > l.period {
		w = &window{start: now}
		l.windows[agentID] = w
	}
	w.count++
	if w.count > l.rate {
		metrics.RateLimitHits.WithLabelValues("agent").Inc()
		return errs.RateLimited(agentID)
	}
	return nil
}

// SlidingWindow counts events per key in Redis sorted sets.
type SlidingWindow struct {
	client *redis.Client
}

// NewSlidingWindow creates a counter on client.
func NewSlidingWindow(client *redis.Client) *SlidingWindow {
	return &SlidingWindow{client: client}
}

// CheckAndIncrement checks the limit and records the call.
// Returns (allowed, remaining, resetAt).
func (s *SlidingWindow) CheckAndIncrement(ctx context.Context, key string, limit int, period time.Duration) (bool, int, time.Time, error) {
	now := time.Now()
	windowStart := now.Add(-period)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: ulid.Make().String(),
	})
	pipe.Expire(ctx, key, period*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, now, err
	}

	count := countCmd.Val()
	remaining := limit - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}
	return count < int64(limit), remaining, now.Add(period), nil
}

// Redis limits agents through a shared SlidingWindow.
type Redis struct {
	window *SlidingWindow
	rate   int
	period time.Duration
}

// NewRedis allows rate calls per agent per period across all nodes.
func NewRedis(client *redis.Client, rate int, period time.Duration) *Redis {
	return &Redis{window: NewSlidingWindow(client), rate: rate, period: period}
}

// agentKey returns the sorted-set key for an agent.
func agentKey(agentID string) string {
	return "ratelimit:agent:" + agentID
}

// CheckLimit implements Limiter.
func (r *Redis) CheckLimit(ctx context.Context, agentID string) error {
	allowed, _, _, err := r.window.CheckAndIncrement(ctx, agentKey(agentID), r.rate, r.period)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		metrics.RateLimitHits.WithLabelValues("agent").Inc()
		return errs.RateLimited(agentID)
	}
	return nil
}
