package stereocapture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig controls exponential backoff for OpenWithRetry.
type RetryConfig struct {
	MaxRetries    int           // retries after the first attempt (default: 5)
	RetryDelay    time.Duration // delay before the first retry (default: 1 second)
	MaxRetryDelay time.Duration // cap on the delay (default: 30 seconds)
}

// DefaultRetryConfig returns the default backoff: 1s, 2s, 4s, 8s, 16s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// backoff returns retryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func (cfg RetryConfig) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// OpenWithRetry calls Open until it succeeds, the error is not retryable,
// retries are exhausted or ctx is done. Devices that are still booting or
// held by a process that is exiting report not-found or busy for a while.
func (c *CameraHandle) OpenWithRetry(ctx context.Context, id string, cfg RetryConfig) error {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryConfig().RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultRetryConfig().MaxRetryDelay
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.Open(id)
		if err == nil {
			return nil
		}

		var oerr *CameraOpenError
		if !errors.As(err, &oerr) || !oerr.Category.Retryable() || errors.Is(err, ErrCameraOpen) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("stereo-capture: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		if oerr.Category == CategoryNotFound {
			if derr := c.dc.Rediscover(ctx); derr != nil {
				slog.Debug("stereo-capture: rediscovery failed", "error", derr)
			}
		}

		delay := cfg.backoff(attempt + 1)
		slog.Warn("stereo-capture: retrying camera open",
			"camera", c.Name(),
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"category", oerr.Category,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
