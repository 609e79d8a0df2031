package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatbotgo/internal/config"
	"chatbotgo/internal/observability"

	"github.com/cenkalti/backoff/v5"
)

// ErrGateway is the single failure kind surfaced for any completion problem:
// transport, quota, timeout or an unusable upstream reply.
var ErrGateway = errors.New("completion gateway failed")

var errEmptyReply = errors.New("empty completion")

// Backend performs one upstream completion call.
type Backend interface {
	Generate(ctx context.Context, system, message string) (string, error)
}

// Gateway bounds every backend call with a per-attempt timeout and a small
// number of retries.
type Gateway struct {
	backend       Backend
	provider      string
	timeout       time.Duration
	maxRetries    int
	retryInterval time.Duration
	metrics       *observability.Metrics
}

func NewGateway(backend Backend, cfg config.CompletionConfig, metrics *observability.Metrics) *Gateway {
	retries := 1
	if cfg.MaxRetries != nil {
		retries = *cfg.MaxRetries
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Gateway{
		backend:       backend,
		provider:      cfg.Provider,
		timeout:       timeout,
		maxRetries:    retries,
		retryInterval: 500 * time.Millisecond,
		metrics:       metrics,
	}
}

func (g *Gateway) Provider() string { return g.provider }

// Complete returns the raw generated text for message under the system instruction.
func (g *Gateway) Complete(ctx context.Context, system, message string) (string, error) {
	started := time.Now()
	attempt := 0
	op := func() (string, error) {
		attempt++
		if attempt > 1 {
			g.metrics.RecordRetry(g.provider)
			slog.Warn("retrying completion", "provider", g.provider, "attempt", attempt)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		reply, err := g.backend.Generate(attemptCtx, system, message)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			return "", err
		}
		if strings.TrimSpace(reply) == "" {
			return "", errEmptyReply
		}
		return reply, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.retryInterval
	reply, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(g.maxRetries+1)),
	)
	g.metrics.RecordGateway(g.provider, started, err)
	if err != nil {
		return "", fmt.Errorf("%w: %s after %d attempt(s): %w", ErrGateway, g.provider, attempt, err)
	}
	return reply, nil
}
