package workbook

import (
	"time"
)

// OperationType identifies the kind of edit an Operation performs.
type OperationType string

const (
	// OpInsert writes a rectangular value grid into the addressed range.
	OpInsert OperationType = "insert"
	// OpUpdate writes a value grid and optionally overrides the number format.
	OpUpdate OperationType = "update"
	// OpDelete clears the contents (not the formatting) of the addressed range.
	OpDelete OperationType = "delete"
	// OpFormat applies a partial style object to the addressed range.
	OpFormat OperationType = "format"
	// OpChart creates a chart over the addressed range.
	OpChart OperationType = "chart"
	// OpTable creates a table over the addressed range.
	OpTable OperationType = "table"
)

// DefaultWorksheet is used when an operation does not name a worksheet.
const DefaultWorksheet = "Sheet1"

// DefaultChartType is used when a chart operation does not name a type.
const DefaultChartType = "ColumnClustered"

// DocumentHandle identifies the remote spreadsheet resource.
// It is immutable once a batch begins processing.
type DocumentHandle struct {
	// ItemID is the remote item identifier. Required.
	ItemID string `json:"item_id"`

	// DriveID is the containing drive. Optional; when empty the remote
	// API's default drive is addressed.
	DriveID string `json:"drive_id,omitempty"`
}

// CacheKey returns the session-cache key for this handle.
func (h DocumentHandle) CacheKey() string {
	return h.DriveID + "/" + h.ItemID
}

// Session is a remote-API-issued handle permitting persisted, session-scoped
// edits to a document. Sessions are owned by the session cache; they are
// never explicitly invalidated, only TTL-expired. A session the remote API
// has independently closed is discovered when a call against it fails.
type Session struct {
	ID        string         `json:"id"`
	Handle    DocumentHandle `json:"handle"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Expired reports whether the session's TTL has elapsed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// OperationOptions carries per-operation behavior flags. All fields are
// optional; zero values select the documented defaults.
type OperationOptions struct {
	// ContinueOnError keeps the batch running past a failure of this
	// operation instead of stopping at it.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	// Worksheet overrides DefaultWorksheet for range addressing.
	Worksheet string `json:"worksheet,omitempty"`

	// NumberFormat is an update-only override applied alongside values.
	NumberFormat string `json:"number_format,omitempty"`

	// HasHeaders marks the first row of a new table as a header row.
	// Nil means true.
	HasHeaders *bool `json:"has_headers,omitempty"`

	// ChartType overrides DefaultChartType for chart operations.
	ChartType string `json:"chart_type,omitempty"`
}

// Operation is one typed edit against a document. Operations are immutable
// value objects.
type Operation struct {
	Type   OperationType `json:"type"`
	Target string        `json:"target"`

	// Values is the rectangular value grid for insert and update operations.
	Values [][]any `json:"values,omitempty"`

	// Style is the partial style object for format operations.
	Style map[string]any `json:"style,omitempty"`

	Options *OperationOptions `json:"options,omitempty"`
}

// Worksheet returns the worksheet this operation addresses.
func (o Operation) Worksheet() string {
	if o.Options != nil && o.Options.Worksheet != "" {
		return o.Options.Worksheet
	}
	return DefaultWorksheet
}

// ContinueOnError reports whether the batch should keep running after this
// operation fails.
func (o Operation) ContinueOnError() bool {
	return o.Options != nil && o.Options.ContinueOnError
}

// OperationBatch is one caller request: an ordered list of operations against
// a single document. It is not persisted beyond one orchestration call except
// via its idempotent result.
type OperationBatch struct {
	Handle         DocumentHandle `json:"handle"`
	Operations     []Operation    `json:"operations"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// OperationError records the failure of a single operation within a batch.
type OperationError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// OperationResult is the outcome of one batch. Applied is always a prefix of
// the originating batch's operations; Errors is present iff at least one
// operation failed. On idempotent replay the stored serialization of this
// result is returned rather than re-executed.
type OperationResult struct {
	Applied   []Operation      `json:"applied"`
	Errors    []OperationError `json:"errors,omitempty"`
	SessionID string           `json:"session_id"`
}
