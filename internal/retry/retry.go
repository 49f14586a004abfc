// Package retry wraps remote calls with bounded attempts and exponential
// backoff. A server-provided retry-after hint overrides the computed delay;
// uniform jitter is added in both cases.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/sheetbridge/internal/retry"

// retryableError is implemented by errors that know whether another attempt
// can succeed. Errors that do not implement it are treated as retryable
// (network failures, timeouts).
type retryableError interface {
	Retryable() bool
}

// retryAfterError is implemented by errors carrying a server-directed delay.
type retryAfterError interface {
	RetryAfterHint() (time.Duration, bool)
}

// Config controls retry behavior.
type Config struct {
	// MaxAttempts is the total attempt budget, including the first call.
	MaxAttempts int `koanf:"max_attempts"`

	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration `koanf:"base_backoff"`

	// MaxJitter bounds the uniform random jitter added to every delay.
	MaxJitter time.Duration `koanf:"max_jitter"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxJitter:   time.Second,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if c.BaseBackoff <= 0 {
		return errors.New("base_backoff must be positive")
	}
	if c.MaxJitter < 0 {
		return errors.New("max_jitter cannot be negative")
	}
	return nil
}

// Policy retries remote calls. Safe for concurrent use.
type Policy struct {
	config *Config
	logger *zap.Logger

	// sleep is replaceable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	retriesTotal metric.Int64Counter
}

// NewPolicy creates a retry policy.
func NewPolicy(cfg *Config, logger *zap.Logger) (*Policy, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Policy{
		config: cfg,
		logger: logger,
		sleep:  sleepCtx,
	}

	meter := otel.Meter(instrumentationName)
	var err error
	p.retriesTotal, err = meter.Int64Counter(
		"sheetbridge.retry.attempts_total",
		metric.WithDescription("Retry attempts after a failed remote call, labeled by operation"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		logger.Warn("failed to create retry counter", zap.Error(err))
	}

	return p, nil
}

// Do invokes fn up to MaxAttempts times. Non-retryable errors are raised
// immediately; after the budget is exhausted the last error is raised.
// The delay before attempt n is the server retry-after hint when the failure
// carries one, otherwise BaseBackoff * 2^(n-1), plus uniform jitter.
func (p *Policy) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < p.config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				p.logger.Info("remote call recovered after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt+1),
				)
			}
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == p.config.MaxAttempts-1 {
			break
		}

		delay := p.delay(err, attempt)
		p.logger.Debug("retrying remote call",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.config.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if p.retriesTotal != nil {
			p.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
		}

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, p.config.MaxAttempts, lastErr)
}

// delay computes the pre-jitter sleep for the attempt that just failed
// (0-based), then adds jitter.
func (p *Policy) delay(err error, attempt int) time.Duration {
	d := p.config.BaseBackoff << uint(attempt)

	var ra retryAfterError
	if errors.As(err, &ra) {
		if hint, ok := ra.RetryAfterHint(); ok {
			d = hint
		}
	}

	if p.config.MaxJitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.config.MaxJitter)))
	}
	return d
}

func isRetryable(err error) bool {
	var r retryableError
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
