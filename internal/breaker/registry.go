// Package breaker guards remote calls with per-operation circuit breakers.
//
// Breakers are keyed by logical operation name ("createSession", "applyRange")
// and shared across all documents and users: breaker scope models remote-API
// health, not per-resource health.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/sheetbridge/internal/breaker"

// ErrUnavailable is matched by errors.Is when a call was rejected because the
// breaker for its operation is open. Distinct from a call timeout.
var ErrUnavailable = errors.New("remote operation unavailable")

// UnavailableError reports a fast-failed call. It is never retried.
type UnavailableError struct {
	Operation string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("circuit open for %s: remote operation unavailable", e.Operation)
}

// Is makes errors.Is(err, ErrUnavailable) succeed.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Retryable marks the error non-retryable for the retry policy.
func (e *UnavailableError) Retryable() bool { return false }

// Config controls breaker behavior. The same settings apply to every breaker
// in the registry.
type Config struct {
	// VolumeThreshold is the minimum number of calls in the rolling window
	// before the error rate is considered.
	VolumeThreshold uint32 `koanf:"volume_threshold"`

	// ErrorRateThreshold trips the breaker when exceeded (0..1].
	ErrorRateThreshold float64 `koanf:"error_rate_threshold"`

	// ResetTimeout is how long an open breaker waits before allowing the
	// single half-open trial call.
	ResetTimeout time.Duration `koanf:"reset_timeout"`

	// RollingWindow is the closed-state interval after which counts reset.
	RollingWindow time.Duration `koanf:"rolling_window"`

	// CallTimeout is the hard per-call timeout, enforced independent of
	// breaker state. A call exceeding it counts as a failure.
	CallTimeout time.Duration `koanf:"call_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		VolumeThreshold:    10,
		ErrorRateThreshold: 0.5,
		ResetTimeout:       30 * time.Second,
		RollingWindow:      60 * time.Second,
		CallTimeout:        30 * time.Second,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.VolumeThreshold == 0 {
		return errors.New("volume_threshold must be positive")
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		return fmt.Errorf("error_rate_threshold must be in (0,1], got %f", c.ErrorRateThreshold)
	}
	if c.ResetTimeout <= 0 {
		return errors.New("reset_timeout must be positive")
	}
	if c.CallTimeout <= 0 {
		return errors.New("call_timeout must be positive")
	}
	return nil
}

// Registry holds one breaker per logical remote-operation name. Breakers are
// created lazily on first use and live for the process lifetime.
type Registry struct {
	config *Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]

	stateGauge       metric.Int64ObservableGauge
	transitionsTotal metric.Int64Counter
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg *Config, logger *zap.Logger) (*Registry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		config:   cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
	r.initMetrics()
	return r, nil
}

func (r *Registry) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	r.stateGauge, err = meter.Int64ObservableGauge(
		"sheetbridge.breaker.state",
		metric.WithDescription("Breaker state per operation (0 closed, 1 half-open, 2 open)"),
	)
	if err != nil {
		r.logger.Warn("failed to create breaker state gauge", zap.Error(err))
		return
	}

	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		for name, cb := range r.breakers {
			obs.ObserveInt64(r.stateGauge, int64(cb.State()),
				metric.WithAttributes(attribute.String("operation", name)))
		}
		return nil
	}, r.stateGauge)
	if err != nil {
		r.logger.Warn("failed to register breaker state callback", zap.Error(err))
	}

	r.transitionsTotal, err = meter.Int64Counter(
		"sheetbridge.breaker.transitions_total",
		metric.WithDescription("Breaker state transitions, labeled by operation and target state"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		r.logger.Warn("failed to create breaker transitions counter", zap.Error(err))
	}
}

// Execute runs fn through the breaker for the named operation, enforcing the
// per-call timeout. An open breaker fails fast with *UnavailableError and fn
// is never invoked.
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	cb := r.breaker(name)

	_, err := cb.Execute(func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
		defer cancel()
		return struct{}{}, fn(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &UnavailableError{Operation: name}
	}
	return err
}

// State returns the current state of the named breaker. A breaker that has
// never been used reports closed.
func (r *Registry) State(name string) gobreaker.State {
	return r.breaker(name).State()
}

func (r *Registry) breaker(name string) *gobreaker.CircuitBreaker[struct{}] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg := r.config
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name: name,
		// Exactly one trial call in half-open.
		MaxRequests: 1,
		Interval:    cfg.RollingWindow,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.VolumeThreshold {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests)
			return rate >= cfg.ErrorRateThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("breaker state change",
				zap.String("operation", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if r.transitionsTotal != nil {
				r.transitionsTotal.Add(context.Background(), 1, metric.WithAttributes(
					attribute.String("operation", name),
					attribute.String("to", to.String()),
				))
			}
		},
	})
	r.breakers[name] = cb
	return cb
}
