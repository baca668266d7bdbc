// Package embedding turns text into fixed-dimension vectors with bounded
// timeouts, retry on transient backend failures and strict dimension checks.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/metrics"
	"github.com/cloo-solutions/kbagent/internal/retry"
)

const (
	DefaultDimensions = 1536
	DefaultTimeout    = 30 * time.Second
	DefaultWorkers    = 4
)

type Config struct {
	Dimensions int
	Timeout    time.Duration
	Retry      retry.Policy
	Workers    int
}

// Client wraps an EmbeddingAPI
type Client struct {
	api        EmbeddingAPI
	dimensions int
	timeout    time.Duration
	policy     retry.Policy
	workers    int
	cache      Cache
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type Option func(*Client)

func WithCache(c Cache) Option {
	return func(cl *Client) { cl.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func NewClient(api EmbeddingAPI, cfg Config, opts ...Option) *Client {
	c := &Client{
		api:        api,
		dimensions: cfg.Dimensions,
		timeout:    cfg.Timeout,
		policy:     cfg.Retry,
		workers:    cfg.Workers,
		logger:     slog.Default(),
	}
	if c.dimensions <= 0 {
		c.dimensions = DefaultDimensions
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.workers <= 0 {
		c.workers = DefaultWorkers
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Dimensions() int {
	return c.dimensions
}

func (c *Client) Model() string {
	return c.api.Model()
}

// Embed returns the vector for text. Blank text is rejected before any
// backend call; a vector of the wrong length is never padded or truncated.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, domain.ErrEmptyText
	}

	key := CacheKey(c.api.Model(), trimmed)
	if c.cache != nil {
		if vec, ok := c.cache.Get(ctx, key); ok && len(vec) == c.dimensions {
			c.metrics.ObserveEmbedding(metrics.OutcomeCached, 0)
			return vec, nil
		}
	}

	start := time.Now()
	var vec []float32
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		v, err := c.api.CreateEmbeddings(attemptCtx, trimmed)
		if err != nil {
			return err
		}
		vec = v
		return nil
	}, func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "embedding attempt failed, retrying",
			"model", c.api.Model(), "error", err, "wait", wait)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.metrics.ObserveEmbedding(metrics.OutcomeError, time.Since(start))
			return nil, ctxErr
		}
		c.metrics.ObserveEmbedding(metrics.OutcomeError, time.Since(start))
		return nil, domain.ErrEmbeddingBackendUnavailable.WithCause(err)
	}

	if len(vec) != c.dimensions {
		c.metrics.ObserveEmbedding(metrics.OutcomeError, time.Since(start))
		c.logger.ErrorContext(ctx, "embedding dimension mismatch",
			"model", c.api.Model(), "got", len(vec), "want", c.dimensions)
		return nil, domain.ErrEmbeddingDimensionMismatch.WithCause(
			fmt.Errorf("got %d, want %d", len(vec), c.dimensions))
	}

	c.metrics.ObserveEmbedding(metrics.OutcomeOK, time.Since(start))
	if c.cache != nil {
		c.cache.Set(ctx, key, vec)
	}
	return vec, nil
}

// EmbedBatch embeds texts on a bounded worker pool. The result order matches
// the input order; the first failure cancels the remaining work.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("text %d: %w", i, domain.ErrEmptyText)
		}
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := c.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
