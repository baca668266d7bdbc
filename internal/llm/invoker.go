// Package llm invokes the language-model backend with per-call timeouts,
// bounded retries and a shared circuit breaker.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/metrics"
	"github.com/cloo-solutions/kbagent/internal/retry"
)

const DefaultTimeout = 120 * time.Second

var errEmptyCompletion = errors.New("backend returned an empty completion")

type InvokerConfig struct {
	Timeout time.Duration
	Retry   retry.Policy
}

type Invoker struct {
	api     ChatAPI
	breaker *Breaker
	timeout time.Duration
	policy  retry.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Invoker)

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Invoker) { i.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) { i.logger = l }
}

// NewInvoker wires api behind breaker. A nil breaker gets default settings.
func NewInvoker(api ChatAPI, breaker *Breaker, cfg InvokerConfig, opts ...Option) *Invoker {
	inv := &Invoker{
		api:     api,
		breaker: breaker,
		timeout: cfg.Timeout,
		policy:  cfg.Retry,
		logger:  slog.Default(),
	}
	if inv.breaker == nil {
		inv.breaker = NewBreaker(BreakerConfig{})
	}
	if inv.timeout <= 0 {
		inv.timeout = DefaultTimeout
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (inv *Invoker) Breaker() *Breaker {
	return inv.breaker
}

// Generate returns a non-empty completion or a typed error:
// domain.ErrGenerationTimeout when attempts time out,
// domain.ErrGenerationBackendUnavailable otherwise (including an open circuit).
// Caller cancellation is returned unchanged.
func (inv *Invoker) Generate(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()

	var out *Completion
	err := retry.Do(ctx, inv.policy, func(ctx context.Context) error {
		return inv.breaker.Execute(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, inv.timeout)
			defer cancel()

			c, err := inv.api.Generate(attemptCtx, req)
			if err != nil {
				return err
			}
			if c == nil || strings.TrimSpace(c.Content) == "" {
				return errEmptyCompletion
			}
			out = c
			return nil
		}, func(error) bool {
			return ctx.Err() == nil
		})
	}, func(err error, wait time.Duration) {
		inv.logger.WarnContext(ctx, "generation attempt failed, retrying", "error", err, "wait", wait)
	})

	if err == nil {
		inv.metrics.ObserveGeneration(metrics.OutcomeOK, time.Since(start))
		return out, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		inv.metrics.ObserveGeneration(metrics.OutcomeError, time.Since(start))
		return nil, ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		inv.metrics.ObserveGeneration(metrics.OutcomeTimeout, time.Since(start))
		return nil, domain.ErrGenerationTimeout.WithCause(err)
	}
	inv.metrics.ObserveGeneration(metrics.OutcomeError, time.Since(start))
	return nil, domain.ErrGenerationBackendUnavailable.WithCause(err)
}
