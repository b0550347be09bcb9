package resilience

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig controls [Retry]. Zero-value fields get defaults.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first. Default: 2.
	Attempts int

	// Backoff is the wait between tries. Default: 250ms.
	Backoff time.Duration

	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(error) bool
}

// Retry runs fn up to cfg.Attempts times, sleeping cfg.Backoff between tries.
// It stops early when ctx is done or when cfg.Retryable rejects the error,
// and returns the last error observed.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.Attempts {
			break
		}
		slog.Debug("retrying after failure",
			"attempt", attempt,
			"backoff", cfg.Backoff,
			"error", err)
		select {
		case <-time.After(cfg.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
