// Package ratelimit implements fixed, wall-clock aligned quota windows over a
// shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/cache"
	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/models"
)

// Unlimited marks a tier without a daily quota
const Unlimited = -1

const (
	scopeDaily  = "daily"
	scopeGlobal = "global"
)

// Decision is the outcome of one quota check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter checks per-identity quotas
type Limiter struct {
	store           cache.CounterStore
	daily           map[models.Tier]int
	globalPerMinute int
	now             func() time.Time
}

// New creates a limiter from config; now may be nil
func New(store cache.CounterStore, cfg config.RateLimitConfig, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		store: store,
		daily: map[models.Tier]int{
			models.TierFree:    cfg.DailyLimit(string(models.TierFree)),
			models.TierBasic:   cfg.DailyLimit(string(models.TierBasic)),
			models.TierPremium: cfg.DailyLimit(string(models.TierPremium)),
		},
		globalPerMinute: cfg.GlobalPerMinute,
		now:             now,
	}
}

// DailyLimit returns the quota of a tier; unknown tiers get the free quota
func (l *Limiter) DailyLimit(tier models.Tier) int {
	if limit, ok := l.daily[tier]; ok {
		return limit
	}
	return l.daily[models.TierFree]
}

// dayWindow returns the UTC day containing now and its end
func dayWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

func minuteWindow(now time.Time) (time.Time, time.Time) {
	start := now.UTC().Truncate(time.Minute)
	return start, start.Add(time.Minute)
}

// Key formats the counter key of a window
func Key(scope, identity string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope, identity, windowStart.Unix())
}

func (l *Limiter) check(ctx context.Context, scope, identity string, limit int, start, reset time.Time) (Decision, error) {
	count, err := l.store.Incr(ctx, Key(scope, identity, start), reset)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}

	d := Decision{Limit: limit, ResetAt: reset, Allowed: count <= int64(limit)}
	if d.Allowed {
		d.Remaining = limit - int(count)
		return d, nil
	}
	return d, apperr.RateLimited(reset)
}

// Allow consumes one unit of the identity's daily tier quota. Each attempt
// counts, denied ones included.
func (l *Limiter) Allow(ctx context.Context, identity string, tier models.Tier) (Decision, error) {
	start, reset := dayWindow(l.now())
	limit := l.DailyLimit(tier)
	if limit == Unlimited {
		return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited, ResetAt: reset}, nil
	}
	return l.check(ctx, scopeDaily, identity, limit, start, reset)
}

// AllowGlobal consumes one unit of the per-minute protection window that
// guards every authenticated request
func (l *Limiter) AllowGlobal(ctx context.Context, identity string) (Decision, error) {
	start, reset := minuteWindow(l.now())
	if l.globalPerMinute <= 0 {
		return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited, ResetAt: reset}, nil
	}
	return l.check(ctx, scopeGlobal, identity, l.globalPerMinute, start, reset)
}
