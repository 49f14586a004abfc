// Package executor applies an ordered batch of typed operations against a
// remote workbook session.
//
// Operations run strictly sequentially: later operations may address ranges
// affected by earlier ones. Each remote call goes through the retry policy,
// with every attempt gated by the circuit breaker for the operation's logical
// name. A failed operation is recorded in the result; unless its options
// request continue-on-error, the remaining operations are skipped.
package executor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sheetbridge/internal/breaker"
	"github.com/fyrsmithlabs/sheetbridge/internal/retry"
	"github.com/fyrsmithlabs/sheetbridge/internal/workbook"
)

const instrumentationName = "github.com/fyrsmithlabs/sheetbridge/internal/executor"

// RemoteAPI is the slice of the remote workbook client the executor needs.
type RemoteAPI interface {
	UpdateRange(ctx context.Context, token, sessionID string, handle workbook.DocumentHandle, worksheet, address string, values [][]any, numberFormat string) error
	FormatRange(ctx context.Context, token, sessionID string, handle workbook.DocumentHandle, worksheet, address string, style map[string]any) error
	ClearRange(ctx context.Context, token, sessionID string, handle workbook.DocumentHandle, worksheet, address string) error
	CreateTable(ctx context.Context, token, sessionID string, handle workbook.DocumentHandle, worksheet, address string, hasHeaders bool) error
	AddChart(ctx context.Context, token, sessionID string, handle workbook.DocumentHandle, worksheet, address, chartType string) error
}

// Executor applies operation batches.
type Executor struct {
	api      RemoteAPI
	breakers *breaker.Registry
	retry    *retry.Policy
	logger   *zap.Logger

	tracer       trace.Tracer
	opsApplied   metric.Int64Counter
	opsFailed    metric.Int64Counter
}

// New creates an executor.
func New(api RemoteAPI, breakers *breaker.Registry, policy *retry.Policy, logger *zap.Logger) (*Executor, error) {
	if api == nil {
		return nil, errors.New("remote API client is required")
	}
	if breakers == nil {
		return nil, errors.New("breaker registry is required")
	}
	if policy == nil {
		return nil, errors.New("retry policy is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		api:      api,
		breakers: breakers,
		retry:    policy,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Executor) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	e.opsApplied, err = meter.Int64Counter(
		"sheetbridge.executor.operations_applied_total",
		metric.WithDescription("Operations successfully applied, labeled by type"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		e.logger.Warn("failed to create applied counter", zap.Error(err))
	}

	e.opsFailed, err = meter.Int64Counter(
		"sheetbridge.executor.operations_failed_total",
		metric.WithDescription("Operations that failed after retries, labeled by type"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		e.logger.Warn("failed to create failed counter", zap.Error(err))
	}
}

// Apply runs the operations in order against the session and assembles the
// result. Operation failures are collected, not returned: the result's error
// list carries them, and Applied holds the operations that succeeded.
func (e *Executor) Apply(ctx context.Context, token string, handle workbook.DocumentHandle, session *workbook.Session, ops []workbook.Operation) *workbook.OperationResult {
	ctx, span := e.tracer.Start(ctx, "executor.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("document", handle.CacheKey()),
		attribute.Int("operations", len(ops)),
	)

	result := &workbook.OperationResult{SessionID: session.ID}

	for i, op := range ops {
		err := e.applyOne(ctx, token, handle, session, op)
		if err != nil {
			result.Errors = append(result.Errors, workbook.OperationError{Index: i, Error: err.Error()})
			if e.opsFailed != nil {
				e.opsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(op.Type))))
			}
			e.logger.Warn("operation failed",
				zap.Int("index", i),
				zap.String("type", string(op.Type)),
				zap.String("target", op.Target),
				zap.Error(err),
			)
			if !op.ContinueOnError() {
				break
			}
			continue
		}

		result.Applied = append(result.Applied, op)
		if e.opsApplied != nil {
			e.opsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(op.Type))))
		}
	}

	return result
}

// applyOne dispatches a single operation by its type tag. An unknown tag is a
// programming error surfaced without touching the remote API or the retry
// budget.
func (e *Executor) applyOne(ctx context.Context, token string, handle workbook.DocumentHandle, session *workbook.Session, op workbook.Operation) error {
	var name string
	var call func(ctx context.Context) error

	worksheet := op.Worksheet()

	switch op.Type {
	case workbook.OpInsert:
		name = "applyRange"
		call = func(ctx context.Context) error {
			return e.api.UpdateRange(ctx, token, session.ID, handle, worksheet, op.Target, op.Values, "")
		}
	case workbook.OpUpdate:
		name = "applyRange"
		numberFormat := ""
		if op.Options != nil {
			numberFormat = op.Options.NumberFormat
		}
		call = func(ctx context.Context) error {
			return e.api.UpdateRange(ctx, token, session.ID, handle, worksheet, op.Target, op.Values, numberFormat)
		}
	case workbook.OpFormat:
		name = "formatRange"
		call = func(ctx context.Context) error {
			return e.api.FormatRange(ctx, token, session.ID, handle, worksheet, op.Target, op.Style)
		}
	case workbook.OpDelete:
		name = "clearRange"
		call = func(ctx context.Context) error {
			return e.api.ClearRange(ctx, token, session.ID, handle, worksheet, op.Target)
		}
	case workbook.OpTable:
		name = "createTable"
		hasHeaders := true
		if op.Options != nil && op.Options.HasHeaders != nil {
			hasHeaders = *op.Options.HasHeaders
		}
		call = func(ctx context.Context) error {
			return e.api.CreateTable(ctx, token, session.ID, handle, worksheet, op.Target, hasHeaders)
		}
	case workbook.OpChart:
		name = "addChart"
		chartType := workbook.DefaultChartType
		if op.Options != nil && op.Options.ChartType != "" {
			chartType = op.Options.ChartType
		}
		call = func(ctx context.Context) error {
			return e.api.AddChart(ctx, token, session.ID, handle, worksheet, op.Target, chartType)
		}
	default:
		return fmt.Errorf("%w: %q", workbook.ErrUnknownOperation, op.Type)
	}

	return e.retry.Do(ctx, name, func(ctx context.Context) error {
		return e.breakers.Execute(ctx, name, call)
	})
}
