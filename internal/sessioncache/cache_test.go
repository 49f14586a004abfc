package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sheetbridge/internal/breaker"
	"github.com/fyrsmithlabs/sheetbridge/internal/retry"
	"github.com/fyrsmithlabs/sheetbridge/internal/workbook"
)

type fakeCreator struct {
	calls atomic.Int64
	err   error
}

func (f *fakeCreator) CreateSession(ctx context.Context, token string, handle workbook.DocumentHandle) (string, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("sess-%d", n), nil
}

type nonRetryableErr struct{ msg string }

func (e *nonRetryableErr) Error() string   { return e.msg }
func (e *nonRetryableErr) Retryable() bool { return false }

func newTestCache(t *testing.T, cfg *Config, creator SessionCreator) *Cache {
	t.Helper()
	breakers, err := breaker.NewRegistry(nil, zap.NewNop())
	require.NoError(t, err)
	policy, err := retry.NewPolicy(&retry.Config{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxJitter: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	c, err := NewCache(cfg, creator, breakers, policy, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestAcquire_CreatesOnMiss(t *testing.T) {
	creator := &fakeCreator{}
	c := newTestCache(t, nil, creator)

	s, err := c.Acquire(context.Background(), "tok", workbook.DocumentHandle{ItemID: "wb1"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, int64(1), creator.calls.Load())
	assert.False(t, s.ExpiresAt.Before(s.CreatedAt))
}

func TestAcquire_ReturnsCachedAndExtendsTTL(t *testing.T) {
	creator := &fakeCreator{}
	c := newTestCache(t, nil, creator)

	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }

	first, err := c.Acquire(context.Background(), "tok", workbook.DocumentHandle{ItemID: "wb1"})
	require.NoError(t, err)

	clock = clock.Add(100 * time.Second)
	second, err := c.Acquire(context.Background(), "tok", workbook.DocumentHandle{ItemID: "wb1"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), creator.calls.Load(), "cached hit must not create a session")
	assert.Equal(t, clock.Add(300*time.Second), second.ExpiresAt, "read renews the TTL")
}

func TestAcquire_ExpiredSessionIsReplaced(t *testing.T) {
	creator := &fakeCreator{}
	c := newTestCache(t, nil, creator)

	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }

	first, err := c.Acquire(context.Background(), "tok", workbook.DocumentHandle{ItemID: "wb1"})
	require.NoError(t, err)

	clock = clock.Add(301 * time.Second)
	second, err := c.Acquire(context.Background(), "tok", workbook.DocumentHandle{ItemID: "wb1"})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int64(2), creator.calls.Load())
}

func TestAcquire_DistinctHandlesGetDistinctSessions(t *testing.T) {
	creator := &fakeCreator{}
	c := newTestCache(t, nil, creator)

	s1, err := c.Acquire(context.Background(), "tok", workbook.DocumentHandle{ItemID: "wb1"})
	require.NoError(t, err)
	s2, err := c.Acquire(context.Background(), "tok", workbook.DocumentHandle{ItemID: "wb2"})
	require.NoError(t, err)

	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, 2, c.Len())
}

func TestAcquire_CreationFailurePropagates(t *testing.T) {
	creator := &fakeCreator{err: &nonRetryableErr{msg: "403 forbidden"}}
	c := newTestCache(t, nil, creator)

	_, err := c.Acquire(context.Background(), "tok", workbook.DocumentHandle{ItemID: "wb1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating session")
	assert.Equal(t, int64(1), creator.calls.Load(), "non-retryable failure must not be retried")
	assert.Equal(t, 0, c.Len())
}

func TestAcquire_TransientCreationFailureIsRetried(t *testing.T) {
	creator := &fakeCreator{err: errors.New("connection reset")}
	c := newTestCache(t, nil, creator)

	_, err := c.Acquire(context.Background(), "tok", workbook.DocumentHandle{ItemID: "wb1"})
	require.Error(t, err)
	assert.Equal(t, int64(2), creator.calls.Load(), "transient failure consumes the retry budget")
}

func TestNewCache_Validation(t *testing.T) {
	_, err := NewCache(nil, nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session creator")
}
