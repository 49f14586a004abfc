package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/sheetbridge/internal/credential"
	"github.com/fyrsmithlabs/sheetbridge/internal/idempotency"
	"github.com/fyrsmithlabs/sheetbridge/internal/ratelimit"
	"github.com/fyrsmithlabs/sheetbridge/internal/workbook"
)

type fakeExchanger struct {
	calls atomic.Int64
	err   error
}

func (f *fakeExchanger) Exchange(ctx context.Context, inbound string) (*oauth2.Token, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "remote-" + inbound}, nil
}

type fakeSessions struct {
	calls atomic.Int64
	err   error
}

func (f *fakeSessions) Acquire(ctx context.Context, token string, handle workbook.DocumentHandle) (*workbook.Session, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now()
	return &workbook.Session{
		ID:        fmt.Sprintf("sess-%d", n),
		Handle:    handle,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}, nil
}

type fakeExecutor struct {
	calls atomic.Int64
	delay time.Duration
}

func (f *fakeExecutor) Apply(ctx context.Context, token string, handle workbook.DocumentHandle, session *workbook.Session, ops []workbook.Operation) *workbook.OperationResult {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return &workbook.OperationResult{Applied: ops, SessionID: session.ID}
}

type testRig struct {
	orch      *Orchestrator
	exchanger *fakeExchanger
	sessions  *fakeSessions
	executor  *fakeExecutor
}

func newTestRig(t *testing.T, cfg *Config) *testRig {
	t.Helper()

	exchanger := &fakeExchanger{}
	sessions := &fakeSessions{}
	exec := &fakeExecutor{}
	store, err := idempotency.NewStore(nil, nil)
	require.NoError(t, err)
	limiter := ratelimit.NewLimiter(nil)

	orch, err := New(cfg, exchanger, sessions, exec, store, limiter, zap.NewNop())
	require.NoError(t, err)
	return &testRig{orch: orch, exchanger: exchanger, sessions: sessions, executor: exec}
}

func testBatch(key string) *workbook.OperationBatch {
	return &workbook.OperationBatch{
		Handle: workbook.DocumentHandle{ItemID: "wb1"},
		Operations: []workbook.Operation{
			{Type: workbook.OpInsert, Target: "A1:B2", Values: [][]any{{"Name", "Value"}, {"Test", 123}}},
		},
		IdempotencyKey: key,
	}
}

var testCaller = Caller{UserID: "u1", Credential: "inbound-jwt"}

func TestRun_HappyPath(t *testing.T) {
	rig := newTestRig(t, nil)

	result, err := rig.orch.Run(context.Background(), testCaller, testBatch(""))
	require.NoError(t, err)
	assert.Len(t, result.Applied, 1)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "sess-1", result.SessionID)
	assert.Equal(t, int64(1), rig.executor.calls.Load())
}

func TestRun_NoKeyMeansNoReplay(t *testing.T) {
	rig := newTestRig(t, nil)

	_, err := rig.orch.Run(context.Background(), testCaller, testBatch(""))
	require.NoError(t, err)
	_, err = rig.orch.Run(context.Background(), testCaller, testBatch(""))
	require.NoError(t, err)

	assert.Equal(t, int64(2), rig.executor.calls.Load(), "identical submissions without a key execute independently")
}

func TestRun_IdempotentReplay(t *testing.T) {
	rig := newTestRig(t, nil)

	first, err := rig.orch.Run(context.Background(), testCaller, testBatch("k1"))
	require.NoError(t, err)

	second, err := rig.orch.Run(context.Background(), testCaller, testBatch("k1"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), rig.executor.calls.Load(), "replay must not execute")
	assert.Equal(t, int64(1), rig.exchanger.calls.Load(), "replay must not exchange credentials")
	assert.Equal(t, int64(1), rig.sessions.calls.Load(), "replay must not acquire a session")
}

func TestRun_ReplayDoesNotConsumeQuota(t *testing.T) {
	rig := newTestRig(t, &Config{RateQuota: 1, RateWindow: time.Minute})

	_, err := rig.orch.Run(context.Background(), testCaller, testBatch("k1"))
	require.NoError(t, err)

	// Quota is spent, but the replay path answers before the limiter.
	_, err = rig.orch.Run(context.Background(), testCaller, testBatch("k1"))
	assert.NoError(t, err)
}

func TestRun_RateLimited(t *testing.T) {
	rig := newTestRig(t, &Config{RateQuota: 1, RateWindow: time.Minute})

	_, err := rig.orch.Run(context.Background(), testCaller, testBatch(""))
	require.NoError(t, err)

	_, err = rig.orch.Run(context.Background(), testCaller, testBatch(""))
	require.Error(t, err)

	var le *ratelimit.LimitExceededError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "u1", le.UserID)
	assert.False(t, le.ResetAt.IsZero())
	assert.Equal(t, int64(1), rig.executor.calls.Load())
}

func TestRun_ValidationFailsBeforeAnyCollaborator(t *testing.T) {
	rig := newTestRig(t, nil)

	batch := testBatch("")
	batch.Operations[0].Type = "merge"

	_, err := rig.orch.Run(context.Background(), testCaller, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, workbook.ErrUnknownOperation)
	assert.Equal(t, int64(0), rig.exchanger.calls.Load())
	assert.Equal(t, int64(0), rig.executor.calls.Load())
}

func TestRun_AuthExchangeFailureIsFatal(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.exchanger.err = fmt.Errorf("%w: invalid_grant", credential.ErrExchange)

	_, err := rig.orch.Run(context.Background(), testCaller, testBatch(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, credential.ErrExchange)
	assert.Equal(t, int64(0), rig.sessions.calls.Load())
}

func TestRun_SessionFailureAbortsBatch(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.sessions.err = fmt.Errorf("remote API error 503: unavailable")

	result, err := rig.orch.Run(context.Background(), testCaller, testBatch("k9"))
	require.Error(t, err)
	assert.Nil(t, result, "batch-level failure returns no partial result")
	assert.Contains(t, err.Error(), "acquiring session")
	assert.Equal(t, int64(0), rig.executor.calls.Load())

	// A failed batch must not be replayable.
	rig.sessions.err = nil
	result, err = rig.orch.Run(context.Background(), testCaller, testBatch("k9"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rig.executor.calls.Load())
	assert.NotNil(t, result)
}

func TestRun_ConcurrentDuplicateKeysCoalesce(t *testing.T) {
	rig := newTestRig(t, &Config{RateQuota: 100, RateWindow: time.Minute})
	rig.executor.delay = 30 * time.Millisecond

	const submitters = 5
	results := make([]*workbook.OperationResult, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := rig.orch.Run(context.Background(), testCaller, testBatch("dup"))
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), rig.executor.calls.Load(), "duplicates must share one execution")
	for i := 1; i < submitters; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential exchanger")
}
