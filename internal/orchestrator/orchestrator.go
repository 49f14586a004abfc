// Package orchestrator ties the batch pipeline together: idempotency check,
// rate-limit check, session acquisition, sequential execution, and idempotent
// result recording.
//
// Data flows one way: request → idempotency lookup → rate limit → session →
// execution → idempotency store → response. Batch-level failures (validation,
// auth exchange, rate limit, session acquisition) abort the whole batch and
// return no partial result; operation-level failures live inside the result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/sheetbridge/internal/credential"
	"github.com/fyrsmithlabs/sheetbridge/internal/ratelimit"
	"github.com/fyrsmithlabs/sheetbridge/internal/workbook"
)

const instrumentationName = "github.com/fyrsmithlabs/sheetbridge/internal/orchestrator"

// Caller identifies the requesting end-user: a stable user ID for rate
// limiting plus the inbound credential to exchange for remote access.
type Caller struct {
	UserID     string
	Credential string
}

// SessionAcquirer is the session cache contract.
type SessionAcquirer interface {
	Acquire(ctx context.Context, token string, handle workbook.DocumentHandle) (*workbook.Session, error)
}

// BatchExecutor is the operation executor contract.
type BatchExecutor interface {
	Apply(ctx context.Context, token string, handle workbook.DocumentHandle, session *workbook.Session, ops []workbook.Operation) *workbook.OperationResult
}

// IdempotencyStore is the replay store contract.
type IdempotencyStore interface {
	Get(key string) (*workbook.OperationResult, bool)
	Put(key string, result *workbook.OperationResult)
}

// RateLimiter is the admission control contract.
type RateLimiter interface {
	Check(userID string, quota int, window time.Duration) ratelimit.Decision
}

// Config controls orchestration.
type Config struct {
	// RateQuota is the per-user request quota per window.
	RateQuota int `koanf:"rate_quota"`

	// RateWindow is the sliding-window length.
	RateWindow time.Duration `koanf:"rate_window"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		RateQuota:  30,
		RateWindow: time.Minute,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.RateQuota <= 0 {
		return errors.New("rate_quota must be positive")
	}
	if c.RateWindow <= 0 {
		return errors.New("rate_window must be positive")
	}
	return nil
}

// Orchestrator runs batches end to end. All shared registries it holds are
// process-wide state with process lifetime.
type Orchestrator struct {
	config    *Config
	exchanger credential.Exchanger
	sessions  SessionAcquirer
	executor  BatchExecutor
	idem      IdempotencyStore
	limiter   RateLimiter
	logger    *zap.Logger

	// inflight coalesces concurrent submissions of the same idempotency
	// key: the second caller awaits the first and shares its result.
	inflight singleflight.Group

	tracer           trace.Tracer
	batchesTotal     metric.Int64Counter
	replaysTotal     metric.Int64Counter
	rateLimitedTotal metric.Int64Counter
	batchDur         metric.Float64Histogram
}

// New creates an orchestrator.
func New(cfg *Config, exchanger credential.Exchanger, sessions SessionAcquirer, executor BatchExecutor, idem IdempotencyStore, limiter RateLimiter, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if exchanger == nil {
		return nil, errors.New("credential exchanger is required")
	}
	if sessions == nil {
		return nil, errors.New("session acquirer is required")
	}
	if executor == nil {
		return nil, errors.New("batch executor is required")
	}
	if idem == nil {
		return nil, errors.New("idempotency store is required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config:    cfg,
		exchanger: exchanger,
		sessions:  sessions,
		executor:  executor,
		idem:      idem,
		limiter:   limiter,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	o.batchesTotal, err = meter.Int64Counter(
		"sheetbridge.batches_total",
		metric.WithDescription("Batches run, labeled by outcome"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		o.logger.Warn("failed to create batch counter", zap.Error(err))
	}

	o.replaysTotal, err = meter.Int64Counter(
		"sheetbridge.idempotent_replays_total",
		metric.WithDescription("Batches answered from the idempotency store without remote calls"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		o.logger.Warn("failed to create replay counter", zap.Error(err))
	}

	o.rateLimitedTotal, err = meter.Int64Counter(
		"sheetbridge.rate_limited_total",
		metric.WithDescription("Batches denied by the per-user rate limiter"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		o.logger.Warn("failed to create rate-limited counter", zap.Error(err))
	}

	o.batchDur, err = meter.Float64Histogram(
		"sheetbridge.batch_duration_seconds",
		metric.WithDescription("End-to-end batch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		o.logger.Warn("failed to create batch duration histogram", zap.Error(err))
	}
}

// Run executes one batch for the caller. The returned error, when non-nil,
// is a batch-level failure: validation, auth exchange, rate limit, or session
// acquisition. Operation-level failures are inside the result.
func (o *Orchestrator) Run(ctx context.Context, caller Caller, batch *workbook.OperationBatch) (*workbook.OperationResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("document", batch.Handle.CacheKey()),
		attribute.Int("operations", len(batch.Operations)),
	)

	start := time.Now()
	result, err := o.run(ctx, caller, batch)
	if o.batchDur != nil {
		o.batchDur.Record(ctx, time.Since(start).Seconds())
	}

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failed"
	case result != nil && len(result.Errors) > 0:
		outcome = "partial"
	}
	if o.batchesTotal != nil {
		o.batchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, caller Caller, batch *workbook.OperationBatch) (*workbook.OperationResult, error) {
	if err := workbook.ValidateBatch(batch); err != nil {
		return nil, err
	}

	// Idempotent replay never touches the remote API and never consumes
	// rate-limit quota.
	if batch.IdempotencyKey != "" {
		if stored, ok := o.idem.Get(batch.IdempotencyKey); ok {
			o.logger.Debug("idempotent replay",
				zap.String("key", batch.IdempotencyKey),
				zap.String("user_id", caller.UserID),
			)
			if o.replaysTotal != nil {
				o.replaysTotal.Add(ctx, 1)
			}
			return stored, nil
		}
	}

	decision := o.limiter.Check(caller.UserID, o.config.RateQuota, o.config.RateWindow)
	if !decision.Allowed {
		if o.rateLimitedTotal != nil {
			o.rateLimitedTotal.Add(ctx, 1)
		}
		return nil, &ratelimit.LimitExceededError{
			UserID:    caller.UserID,
			Remaining: decision.Remaining,
			ResetAt:   decision.ResetAt,
		}
	}

	if batch.IdempotencyKey == "" {
		return o.execute(ctx, caller, batch)
	}

	// Concurrent duplicates of the same key share one execution.
	v, err, _ := o.inflight.Do(batch.IdempotencyKey, func() (any, error) {
		if stored, ok := o.idem.Get(batch.IdempotencyKey); ok {
			return stored, nil
		}
		result, err := o.execute(ctx, caller, batch)
		if err != nil {
			return nil, err
		}
		o.idem.Put(batch.IdempotencyKey, result)
		// Answer from the stored record so the first response and every
		// replay carry the same serialized representation.
		if stored, ok := o.idem.Get(batch.IdempotencyKey); ok {
			return stored, nil
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*workbook.OperationResult), nil
}

func (o *Orchestrator) execute(ctx context.Context, caller Caller, batch *workbook.OperationBatch) (*workbook.OperationResult, error) {
	token, err := o.exchanger.Exchange(ctx, caller.Credential)
	if err != nil {
		return nil, err
	}

	session, err := o.sessions.Acquire(ctx, token.AccessToken, batch.Handle)
	if err != nil {
		return nil, fmt.Errorf("acquiring session: %w", err)
	}

	result := o.executor.Apply(ctx, token.AccessToken, batch.Handle, session, batch.Operations)
	return result, nil
}
