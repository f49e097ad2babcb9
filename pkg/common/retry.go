package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/ackpine/pkg/common/logger"
)

// RetryConfig controls the exponential backoff used by Retry.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig mirrors the connection retry policy used for brokers and
// databases: start at 5s, give up after 5 minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 5 * time.Second,
		MaxInterval:     time.Minute,
		MaxElapsedTime:  5 * time.Minute,
	}
}

// Retry runs operation with exponential backoff until it succeeds, the policy
// gives up, or ctx is done. Each failed attempt is logged at warn level.
func Retry(ctx context.Context, log *logger.Logger, name string, cfg RetryConfig, operation func() error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.InitialInterval
	expBackoff.MaxInterval = cfg.MaxInterval
	expBackoff.MaxElapsedTime = cfg.MaxElapsedTime

	attempt := 0
	op := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := operation(); err != nil {
			log.Warn(ctx, "Operation failed, will retry", "operation", name, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", name, attempt, err)
	}
	return nil
}
