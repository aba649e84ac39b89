package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures retry behavior for one priority tier.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// retryConfigFor returns the tier-appropriate retry policy. CRITICAL calls get
// more attempts on a shorter base so a close order keeps trying; scanner reads
// back off harder and give up sooner.
func retryConfigFor(p Priority) RetryConfig {
	switch p {
	case PriorityCritical:
		return RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			BackoffFactor:  2.0,
		}
	case PriorityHigh:
		return RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     4 * time.Second,
			BackoffFactor:  2.0,
		}
	default:
		return RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     8 * time.Second,
			BackoffFactor:  2.0,
		}
	}
}

// withRetry executes op with exponential backoff, retrying only classified
// transient and rate-limited failures. The final error is always classified.
func withRetry(ctx context.Context, op string, cfg RetryConfig, fn func() error) error {
	var lastErr *ExchangeError
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("op", op).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = Classify(op, err)
		if !lastErr.Retryable() {
			return lastErr
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		log.Warn().
			Str("op", op).
			Str("kind", lastErr.Kind.String()).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Operation failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled during backoff: %w", op, ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastErr
}
