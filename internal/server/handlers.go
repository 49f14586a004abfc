package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sheetbridge/internal/breaker"
	"github.com/fyrsmithlabs/sheetbridge/internal/credential"
	"github.com/fyrsmithlabs/sheetbridge/internal/graph"
	"github.com/fyrsmithlabs/sheetbridge/internal/ratelimit"
	"github.com/fyrsmithlabs/sheetbridge/internal/workbook"
)

// BatchRequest is the request body for POST /api/v1/batches.
type BatchRequest struct {
	Document       DocumentRef          `json:"document"`
	Operations     []workbook.Operation `json:"operations"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

// DocumentRef identifies the target workbook.
type DocumentRef struct {
	ItemID  string `json:"item_id"`
	DriveID string `json:"drive_id,omitempty"`
}

// BatchResponse is the response body for a completed batch.
type BatchResponse struct {
	AppliedCount int                       `json:"applied_count"`
	Errors       []workbook.OperationError `json:"errors,omitempty"`
	SessionID    string                    `json:"session_id"`
}

// ErrorResponse is the body for all non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleApplyBatch(c echo.Context) error {
	caller, err := callerFromRequest(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Kind: "auth"})
	}

	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid batch request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Kind: "validation"})
	}

	batch := &workbook.OperationBatch{
		Handle: workbook.DocumentHandle{
			ItemID:  req.Document.ItemID,
			DriveID: req.Document.DriveID,
		},
		Operations:     req.Operations,
		IdempotencyKey: req.IdempotencyKey,
	}

	result, err := s.runner.Run(c.Request().Context(), caller, batch)
	if err != nil {
		return s.writeBatchError(c, err)
	}

	return c.JSON(http.StatusOK, BatchResponse{
		AppliedCount: len(result.Applied),
		Errors:       result.Errors,
		SessionID:    result.SessionID,
	})
}

// writeBatchError maps the pipeline's error taxonomy onto HTTP statuses.
// Batch-level failures carry no partial result, so the body is an error
// envelope only.
func (s *Server) writeBatchError(c echo.Context, err error) error {
	var limitErr *ratelimit.LimitExceededError
	if errors.As(err, &limitErr) {
		retryAfter := time.Until(limitErr.ResetAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(limitErr.Remaining))
		c.Response().Header().Set("X-RateLimit-Reset", strconv.FormatInt(limitErr.ResetAt.Unix(), 10))
		return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Kind: "rate_limited"})
	}

	if errors.Is(err, credential.ErrExchange) {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Kind: "auth"})
	}

	if errors.Is(err, breaker.ErrUnavailable) {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Kind: "unavailable"})
	}

	var remoteErr *graph.RemoteError
	if errors.As(err, &remoteErr) {
		switch {
		case remoteErr.Conflict():
			return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Kind: "conflict"})
		case remoteErr.Locked():
			return c.JSON(http.StatusLocked, ErrorResponse{Error: err.Error(), Kind: "locked"})
		case remoteErr.Throttled():
			if d, ok := remoteErr.RetryAfterHint(); ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(d.Seconds())))
			}
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Kind: "throttled"})
		default:
			return c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Kind: "remote"})
		}
	}

	if workbook.IsValidationError(err) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "validation"})
	}

	s.logger.Error("batch failed", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Kind: "internal"})
}
