package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sheetbridge/internal/breaker"
	"github.com/fyrsmithlabs/sheetbridge/internal/credential"
	"github.com/fyrsmithlabs/sheetbridge/internal/graph"
	"github.com/fyrsmithlabs/sheetbridge/internal/orchestrator"
	"github.com/fyrsmithlabs/sheetbridge/internal/ratelimit"
	"github.com/fyrsmithlabs/sheetbridge/internal/workbook"
)

type fakeRunner struct {
	result *workbook.OperationResult
	err    error

	gotCaller orchestrator.Caller
	gotBatch  *workbook.OperationBatch
}

func (f *fakeRunner) Run(ctx context.Context, caller orchestrator.Caller, batch *workbook.OperationBatch) (*workbook.OperationResult, error) {
	f.gotCaller = caller
	f.gotBatch = batch
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestServer(t *testing.T, runner *fakeRunner) *Server {
	t.Helper()
	s, err := New(runner, zap.NewNop(), nil)
	require.NoError(t, err)
	return s
}

const validBody = `{
	"document": {"item_id": "wb1"},
	"operations": [
		{"type": "insert", "target": "A1:B1", "values": [["a", "b"]]}
	],
	"idempotency_key": "k1"
}`

func doBatch(s *Server, body, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if authorization != "" {
		req.Header.Set(echo.HeaderAuthorization, authorization)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestApplyBatch_OK(t *testing.T) {
	runner := &fakeRunner{result: &workbook.OperationResult{
		Applied:   []workbook.Operation{{Type: workbook.OpInsert, Target: "A1:B1"}},
		SessionID: "sess-1",
	}}
	s := newTestServer(t, runner)

	rec := doBatch(s, validBody, "Bearer tok-1")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.AppliedCount)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Empty(t, resp.Errors)

	assert.Equal(t, "tok-1", runner.gotCaller.Credential)
	assert.Equal(t, "wb1", runner.gotBatch.Handle.ItemID)
	assert.Equal(t, "k1", runner.gotBatch.IdempotencyKey)
}

func TestApplyBatch_MissingAuth(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(t, runner)

	rec := doBatch(s, validBody, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, runner.gotBatch)
}

func TestApplyBatch_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "validation",
			err:        fmt.Errorf("operation 0: %w", workbook.ErrMissingTarget),
			wantStatus: http.StatusBadRequest,
			wantKind:   "validation",
		},
		{
			name:       "auth exchange",
			err:        fmt.Errorf("%w: invalid_grant", credential.ErrExchange),
			wantStatus: http.StatusUnauthorized,
			wantKind:   "auth",
		},
		{
			name:       "breaker open",
			err:        fmt.Errorf("acquiring session: %w", &breaker.UnavailableError{Operation: "createSession"}),
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   "unavailable",
		},
		{
			name:       "remote conflict",
			err:        fmt.Errorf("acquiring session: %w", &graph.RemoteError{StatusCode: 409, Message: "conflict"}),
			wantStatus: http.StatusConflict,
			wantKind:   "conflict",
		},
		{
			name:       "remote locked",
			err:        fmt.Errorf("acquiring session: %w", &graph.RemoteError{StatusCode: 423, Message: "locked"}),
			wantStatus: http.StatusLocked,
			wantKind:   "locked",
		},
		{
			name:       "remote throttled",
			err:        fmt.Errorf("acquiring session: %w", &graph.RemoteError{StatusCode: 429, RetryAfter: 7 * time.Second}),
			wantStatus: http.StatusTooManyRequests,
			wantKind:   "throttled",
		},
		{
			name:       "remote transient",
			err:        fmt.Errorf("acquiring session: %w", &graph.RemoteError{StatusCode: 503, Message: "upstream down"}),
			wantStatus: http.StatusBadGateway,
			wantKind:   "remote",
		},
		{
			name:       "unknown",
			err:        fmt.Errorf("boom"),
			wantStatus: http.StatusInternalServerError,
			wantKind:   "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeRunner{err: tt.err})

			rec := doBatch(s, validBody, "Bearer tok-1")

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantKind, resp.Kind)
		})
	}
}

func TestApplyBatch_RateLimitHeaders(t *testing.T) {
	reset := time.Now().Add(42 * time.Second)
	s := newTestServer(t, &fakeRunner{err: &ratelimit.LimitExceededError{
		UserID:  "u1",
		ResetAt: reset,
	}})

	rec := doBatch(s, validBody, "Bearer tok-1")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, fmt.Sprintf("%d", reset.Unix()), rec.Header().Get("X-RateLimit-Reset"))
}

func TestApplyBatch_ThrottledSetsRetryAfter(t *testing.T) {
	s := newTestServer(t, &fakeRunner{err: &graph.RemoteError{StatusCode: 429, RetryAfter: 7 * time.Second}})

	rec := doBatch(s, validBody, "Bearer tok-1")
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, zap.NewNop(), nil)
	require.Error(t, err)

	_, err = New(&fakeRunner{}, nil, nil)
	require.Error(t, err)
}

func TestSubjectOf(t *testing.T) {
	claims := base64.RawURLEncoding.EncodeToString([]byte(`{"oid":"user-object-id","sub":"subject"}`))
	jwt := "eyJhbGciOiJSUzI1NiJ9." + claims + ".sig"
	assert.Equal(t, "user-object-id", subjectOf(jwt))

	subOnly := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"subject"}`))
	jwt = "eyJhbGciOiJSUzI1NiJ9." + subOnly + ".sig"
	assert.Equal(t, "subject", subjectOf(jwt))

	// Opaque tokens hash to a stable ID.
	id1 := subjectOf("opaque-token")
	id2 := subjectOf("opaque-token")
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 16)
	assert.NotEqual(t, id1, subjectOf("other-token"))
}
