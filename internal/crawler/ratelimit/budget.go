// Package ratelimit enforces the worker-side per-client request budgets
// (max_requests_per_minute, max_requests_per_hour): every upstream HTTP call
// waits on both windows before it is allowed to proceed.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Config bounds requests per minute and per hour for one HTTP client. A zero
// value disables that window (unlimited).
type Config struct {
	PerMinute int
	PerHour   int
}

// Budget enforces both windows; a request proceeds only once neither bucket
// is exhausted, suspending the caller until it is.
type Budget struct {
	minute *rate.Limiter
	hour   *rate.Limiter
}

// New creates a Budget from cfg.
func New(cfg Config) *Budget {
	b := &Budget{}
	if cfg.PerMinute > 0 {
		b.minute = rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60), cfg.PerMinute)
	}
	if cfg.PerHour > 0 {
		b.hour = rate.NewLimiter(rate.Limit(float64(cfg.PerHour)/3600), cfg.PerHour)
	}
	return b
}

// Wait blocks until both windows have room for one more request, or ctx is
// cancelled.
func (b *Budget) Wait(ctx context.Context) error {
	if b.hour != nil {
		if err := b.hour.Wait(ctx); err != nil {
			return err
		}
	}
	if b.minute != nil {
		if err := b.minute.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
