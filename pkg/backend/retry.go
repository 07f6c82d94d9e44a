package backend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"relay/pkg/backend/llmerrors"
	"relay/pkg/logx"
)

// RetryableClient wraps an LLMClient with classification-aware retry logic:
// rate-limit and transient errors back off exponentially up to a bounded
// attempt count; auth and bad-prompt errors surface immediately.
type RetryableClient struct {
	client LLMClient
	logger *logx.Logger
}

// NewRetryableClient wraps a raw client with retry behavior.
func NewRetryableClient(client LLMClient) *RetryableClient {
	return &RetryableClient{
		client: client,
		logger: logx.NewLogger("llm-retry"),
	}
}

// GetModelName returns the wrapped client's model name.
func (r *RetryableClient) GetModelName() string {
	return r.client.GetModelName()
}

// Complete implements LLMClient with retry logic.
func (r *RetryableClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	var lastErr error

	attempt := 0
	for {
		resp, err := r.client.Complete(ctx, in)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var llmErr *llmerrors.Error
		if !errors.As(err, &llmErr) {
			llmErr = llmerrors.Classify(err)
		}
		if !llmErr.IsRetryable() {
			return CompletionResponse{}, err
		}

		cfg := llmErr.GetRetryConfig()
		if attempt >= cfg.MaxRetries {
			break
		}
		attempt++

		delay := backoffDelay(&cfg, attempt)
		r.logger.Warn("LLM call failed (%s), retry %d/%d in %s: %v",
			llmErr.Type.String(), attempt, cfg.MaxRetries, delay, err)

		select {
		case <-ctx.Done():
			return CompletionResponse{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return CompletionResponse{}, fmt.Errorf("LLM call failed after %d attempts: %w", attempt+1, lastErr)
}

// backoffDelay computes the exponential backoff delay for the given attempt.
func backoffDelay(cfg *llmerrors.RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		// Up to ±10% jitter.
		jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10 //nolint:gosec // non-crypto jitter
		delay += jitter
	}
	if delay < 0 {
		delay = cfg.InitialDelay
	}
	return delay
}
