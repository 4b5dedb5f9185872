// ABOUTME: Token-bucket gate protecting an external resource from overuse
// ABOUTME: Callers wait for a permit instead of failing; reservations are handed out FIFO

package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	// Delay is the minimum spacing between permits once the burst is spent.
	Delay time.Duration
	// Burst is the bucket capacity. Defaults to 1, which serializes callers.
	Burst int
}

// Limiter hands out permits from a shared token bucket.
// All sessions using the same external resource share one Limiter.
type Limiter struct {
	lim *rate.Limiter

	acquired atomic.Int64
	waited   atomic.Int64 // nanoseconds spent waiting, summed
}

// New creates a Limiter. A zero or negative Delay disables limiting.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	return &Limiter{lim: rate.NewLimiter(limit, burst)}
}

// Acquire consumes one permit, sleeping until it is available, and returns
// how long the caller waited. Reservations are made in call order, so no
// caller is starved. If ctx ends while waiting, the reservation is returned
// to the bucket and ctx's error is returned.
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r := l.lim.Reserve()
	if !r.OK() {
		// Only possible with a zero burst, which New never builds.
		return 0, context.Canceled
	}

	delay := r.Delay()
	if delay <= 0 {
		l.acquired.Add(1)
		return 0, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		l.acquired.Add(1)
		l.waited.Add(int64(delay))
		return delay, nil
	case <-ctx.Done():
		r.Cancel()
		return 0, ctx.Err()
	}
}

// Stats is a snapshot of limiter activity.
type Stats struct {
	Acquired    int64         `json:"acquired"`
	TotalWaited time.Duration `json:"total_waited"`
}

// Stats returns counters for the stats endpoint.
func (l *Limiter) Stats() Stats {
	return Stats{
		Acquired:    l.acquired.Load(),
		TotalWaited: time.Duration(l.waited.Load()),
	}
}
