package workbook

import "errors"

// Batch validation errors. These are programming or caller errors, never
// retried and never sent to the remote API.
var (
	ErrEmptyBatch       = errors.New("batch has no operations")
	ErrMissingItemID    = errors.New("document item_id is required")
	ErrUnknownOperation = errors.New("unknown operation type")
	ErrMissingTarget    = errors.New("operation target is required")
	ErrMissingValues    = errors.New("operation requires a value grid")
	ErrRaggedValues     = errors.New("value grid rows must have equal length")
	ErrMissingStyle     = errors.New("format operation requires a style object")
)

// IsValidationError reports whether err is any of the batch validation
// sentinels, possibly wrapped.
func IsValidationError(err error) bool {
	for _, sentinel := range []error{
		ErrEmptyBatch, ErrMissingItemID, ErrUnknownOperation,
		ErrMissingTarget, ErrMissingValues, ErrRaggedValues, ErrMissingStyle,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
