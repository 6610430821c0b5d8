// Package retry provides common retry logic with backoff for pairsync.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxRetries    uint64 // retries after the initial attempt
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
	Constant      bool // fixed inter-attempt delay instead of exponential backoff
}

// ConnectDefaults returns sensible defaults for establishing database connections
func ConnectDefaults() *Config {
	return &Config{
		MaxRetries:    10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// ApplyDefaults returns the profile for applying a single change record:
// three attempts total with a fixed delay in between.
func ApplyDefaults() *Config {
	return &Config{
		MaxRetries: 2,
		BaseDelay:  5 * time.Second,
		MaxDelay:   5 * time.Second,
		Constant:   true,
	}
}

// ApplyConfig builds an apply profile from configured attempt count and delay.
// attempts is the total number of attempts, so attempts=3 retries twice.
func ApplyConfig(attempts int, delay time.Duration) *Config {
	if attempts < 1 {
		attempts = 1
	}
	return &Config{
		MaxRetries: uint64(attempts - 1),
		BaseDelay:  delay,
		MaxDelay:   delay,
		Constant:   true,
	}
}

// WithOperation performs a general operation with retry logic
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err != nil {
			logrus.WithError(err).
				WithField("operation", operationName).
				Warn("Operation failed, retrying...")
			return retry.RetryableError(err)
		}
		return nil
	})
}

// CreateBackoff creates a reusable backoff strategy from config
func (c *Config) CreateBackoff() retry.Backoff {
	var backoff retry.Backoff
	if c.Constant {
		backoff = retry.NewConstant(c.BaseDelay)
	} else {
		backoff = retry.NewExponential(c.BaseDelay)
		backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
		if c.JitterPercent > 0 {
			backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
		}
	}
	return retry.WithMaxRetries(c.MaxRetries, backoff)
}
