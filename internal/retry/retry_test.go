package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRemoteError struct {
	msg        string
	retryable  bool
	retryAfter time.Duration
}

func (e *fakeRemoteError) Error() string   { return e.msg }
func (e *fakeRemoteError) Retryable() bool { return e.retryable }
func (e *fakeRemoteError) RetryAfterHint() (time.Duration, bool) {
	return e.retryAfter, e.retryAfter > 0
}

// newTestPolicy returns a policy whose sleeps are recorded instead of slept.
func newTestPolicy(t *testing.T, cfg *Config) (*Policy, *[]time.Duration) {
	t.Helper()
	p, err := NewPolicy(cfg, zap.NewNop())
	require.NoError(t, err)

	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	p, slept := newTestPolicy(t, nil)

	calls := 0
	err := p.Do(context.Background(), "applyRange", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	p, slept := newTestPolicy(t, nil)

	calls := 0
	err := p.Do(context.Background(), "applyRange", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &fakeRemoteError{msg: "503", retryable: true}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
}

func TestDo_NonRetryableRaisedImmediately(t *testing.T) {
	p, slept := newTestPolicy(t, nil)

	calls := 0
	bad := &fakeRemoteError{msg: "400 bad request", retryable: false}
	err := p.Do(context.Background(), "applyRange", func(ctx context.Context) error {
		calls++
		return bad
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
	assert.Same(t, bad, err)
}

func TestDo_ExhaustsBudgetAndWrapsLastError(t *testing.T) {
	p, slept := newTestPolicy(t, &Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxJitter: time.Second})

	calls := 0
	err := p.Do(context.Background(), "createSession", func(ctx context.Context) error {
		calls++
		return &fakeRemoteError{msg: "502", retryable: true}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
	assert.Contains(t, err.Error(), "createSession failed after 3 attempts")
}

func TestDo_ExponentialBackoffWithJitterBounds(t *testing.T) {
	p, slept := newTestPolicy(t, &Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxJitter: time.Second})

	_ = p.Do(context.Background(), "applyRange", func(ctx context.Context) error {
		return &fakeRemoteError{msg: "500", retryable: true}
	})

	require.Len(t, *slept, 2)
	// Attempt 0 delay: 1s <= d < 2s. Attempt 1 delay: 2s <= d < 3s.
	assert.GreaterOrEqual(t, (*slept)[0], time.Second)
	assert.Less(t, (*slept)[0], 2*time.Second)
	assert.GreaterOrEqual(t, (*slept)[1], 2*time.Second)
	assert.Less(t, (*slept)[1], 3*time.Second)
}

func TestDo_ServerRetryAfterOverridesBackoff(t *testing.T) {
	p, slept := newTestPolicy(t, &Config{MaxAttempts: 2, BaseBackoff: time.Second, MaxJitter: time.Second})

	_ = p.Do(context.Background(), "applyRange", func(ctx context.Context) error {
		return &fakeRemoteError{msg: "429", retryable: true, retryAfter: 5 * time.Second}
	})

	require.Len(t, *slept, 1)
	// Retry-after 5s used verbatim, plus jitter in [0, 1s).
	assert.GreaterOrEqual(t, (*slept)[0], 5*time.Second)
	assert.Less(t, (*slept)[0], 6*time.Second)
}

func TestDo_ContextCancellationStopsRetrying(t *testing.T) {
	p, err := NewPolicy(&Config{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, MaxJitter: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	runErr := p.Do(ctx, "applyRange", func(ctx context.Context) error {
		calls++
		cancel()
		return &fakeRemoteError{msg: "503", retryable: true}
	})
	require.Error(t, runErr)
	assert.ErrorIs(t, runErr, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNewPolicy_InvalidConfig(t *testing.T) {
	_, err := NewPolicy(&Config{MaxAttempts: 0, BaseBackoff: time.Second}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
}

func TestIsRetryable_UnknownErrorsAreRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("connection reset")))
}
