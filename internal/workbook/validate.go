package workbook

import "fmt"

// ValidateBatch checks a batch before any remote call is made. A validation
// failure is fatal for the whole batch and consumes no retry budget.
func ValidateBatch(batch *OperationBatch) error {
	if batch.Handle.ItemID == "" {
		return ErrMissingItemID
	}
	if len(batch.Operations) == 0 {
		return ErrEmptyBatch
	}
	for i, op := range batch.Operations {
		if err := validateOperation(op); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

func validateOperation(op Operation) error {
	if op.Target == "" {
		return ErrMissingTarget
	}
	switch op.Type {
	case OpInsert, OpUpdate:
		if len(op.Values) == 0 {
			return ErrMissingValues
		}
		width := len(op.Values[0])
		for _, row := range op.Values[1:] {
			if len(row) != width {
				return ErrRaggedValues
			}
		}
	case OpFormat:
		if len(op.Style) == 0 {
			return ErrMissingStyle
		}
	case OpDelete, OpChart, OpTable:
		// Target is the only required field.
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, op.Type)
	}
	return nil
}
