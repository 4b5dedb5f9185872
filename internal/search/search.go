// ABOUTME: Rate-limited, retrying, cached search client used as the agent's tool
// ABOUTME: Wraps a Backend with the shared limiter, exponential backoff, and a TTL cache

package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/2389/rig-gateway/internal/cache"
	"github.com/2389/rig-gateway/internal/ratelimit"
)

// ErrSearchFailed is wrapped by every error Search returns after retries are exhausted.
var ErrSearchFailed = errors.New("search failed")

// ErrSearchTimeout is returned when one attempt exceeds the configured timeout.
var ErrSearchTimeout = errors.New("search timed out")

// Result is a single search hit.
type Result struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Backend performs one search against an external provider.
type Backend interface {
	Search(ctx context.Context, query string, max int) ([]Result, error)
}

// Config configures a Client.
type Config struct {
	MaxResults     int
	Timeout        time.Duration // per attempt
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CacheTTL       time.Duration // zero disables caching
	CacheSize      int
	// OnWait, when set, observes every rate-limit permit wait.
	OnWait func(time.Duration)
}

// Stats reports search activity.
type Stats struct {
	Total      int64 `json:"total_searches"`
	Successful int64 `json:"successful_searches"`
	Failed     int64 `json:"failed_searches"`
	CacheHits  int64 `json:"cache_hits"`
}

// Client is safe for concurrent use by every session. All calls share one
// limiter, so the external provider sees at most one request per permit.
type Client struct {
	backend Backend
	limiter *ratelimit.Limiter
	cache   *cache.Cache[[]Result]
	cfg     Config
	logger  *slog.Logger

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	cacheHits  atomic.Int64
}

// NewClient creates a search client.
func NewClient(backend Backend, limiter *ratelimit.Limiter, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	c := &Client{
		backend: backend,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With("component", "search"),
	}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 256
		}
		c.cache = cache.New[[]Result](cfg.CacheTTL, size)
	}
	return c
}

// Search returns results for query. Cached results are served without
// consuming a rate-limit permit. Otherwise each attempt waits for a permit,
// and failed attempts are retried with exponential backoff.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	if c.cache != nil {
		if results, ok := c.cache.Get(key); ok {
			c.cacheHits.Add(1)
			c.logger.Debug("search cache hit", "query", query)
			return results, nil
		}
	}

	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		b.InitialInterval = c.cfg.InitialBackoff
	}
	if c.cfg.MaxBackoff > 0 {
		b.MaxInterval = c.cfg.MaxBackoff
	}

	attempt := 0
	operation := func() ([]Result, error) {
		attempt++
		waited, err := c.limiter.Acquire(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if c.cfg.OnWait != nil {
			c.cfg.OnWait(waited)
		}
		results, err := c.once(ctx, query)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return results, err
	}

	results, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("search attempt failed, retrying",
				"query", query, "attempt", attempt, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrSearchFailed, attempt, err)
	}

	if c.cache != nil {
		c.cache.Put(key, results)
	}
	return results, nil
}

// once performs a single bounded attempt and updates the counters.
func (c *Client) once(ctx context.Context, query string) ([]Result, error) {
	c.total.Add(1)
	c.logger.Info("starting search", "query", query)

	attemptCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	results, err := c.backend.Search(attemptCtx, query, c.cfg.MaxResults)
	if err != nil {
		c.failed.Add(1)
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrSearchTimeout, c.cfg.Timeout)
		}
		c.logger.Error("search failed", "query", query, "error", err)
		return nil, err
	}

	c.successful.Add(1)
	c.logger.Info("search completed", "query", query, "results_count", len(results))
	return results, nil
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	return Stats{
		Total:      c.total.Load(),
		Successful: c.successful.Load(),
		Failed:     c.failed.Load(),
		CacheHits:  c.cacheHits.Load(),
	}
}

// Close releases the result cache.
func (c *Client) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// Format renders results the way the agent's observation expects them.
func Format(results []Result) string {
	if len(results) == 0 {
		return "No search results found."
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("Title: %s\nDescription: %s\nURL: %s", r.Title, r.Body, r.URL))
	}
	return strings.Join(parts, "\n\n")
}
