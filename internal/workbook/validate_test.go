package workbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBatch() *OperationBatch {
	return &OperationBatch{
		Handle: DocumentHandle{ItemID: "wb1"},
		Operations: []Operation{
			{Type: OpInsert, Target: "A1:B2", Values: [][]any{{"Name", "Value"}, {"Test", 123}}},
		},
	}
}

func TestValidateBatch_OK(t *testing.T) {
	require.NoError(t, ValidateBatch(validBatch()))
}

func TestValidateBatch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*OperationBatch)
		wantErr error
	}{
		{
			name:    "missing item id",
			mutate:  func(b *OperationBatch) { b.Handle.ItemID = "" },
			wantErr: ErrMissingItemID,
		},
		{
			name:    "empty batch",
			mutate:  func(b *OperationBatch) { b.Operations = nil },
			wantErr: ErrEmptyBatch,
		},
		{
			name:    "unknown operation type",
			mutate:  func(b *OperationBatch) { b.Operations[0].Type = "merge" },
			wantErr: ErrUnknownOperation,
		},
		{
			name:    "missing target",
			mutate:  func(b *OperationBatch) { b.Operations[0].Target = "" },
			wantErr: ErrMissingTarget,
		},
		{
			name:    "insert without values",
			mutate:  func(b *OperationBatch) { b.Operations[0].Values = nil },
			wantErr: ErrMissingValues,
		},
		{
			name: "ragged value grid",
			mutate: func(b *OperationBatch) {
				b.Operations[0].Values = [][]any{{"a", "b"}, {"c"}}
			},
			wantErr: ErrRaggedValues,
		},
		{
			name: "format without style",
			mutate: func(b *OperationBatch) {
				b.Operations[0] = Operation{Type: OpFormat, Target: "A1"}
			},
			wantErr: ErrMissingStyle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBatch()
			tt.mutate(b)
			err := ValidateBatch(b)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateBatch_DeleteNeedsOnlyTarget(t *testing.T) {
	b := &OperationBatch{
		Handle:     DocumentHandle{ItemID: "wb1"},
		Operations: []Operation{{Type: OpDelete, Target: "A1:C3"}},
	}
	assert.NoError(t, ValidateBatch(b))
}

func TestOperation_Defaults(t *testing.T) {
	op := Operation{Type: OpInsert, Target: "A1"}
	assert.Equal(t, "Sheet1", op.Worksheet())
	assert.False(t, op.ContinueOnError())

	op.Options = &OperationOptions{Worksheet: "Data", ContinueOnError: true}
	assert.Equal(t, "Data", op.Worksheet())
	assert.True(t, op.ContinueOnError())
}

func TestSession_Expired(t *testing.T) {
	now := time.Now()
	s := &Session{ID: "s1", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(time.Minute)))
}

func TestDocumentHandle_CacheKey(t *testing.T) {
	assert.Equal(t, "/wb1", DocumentHandle{ItemID: "wb1"}.CacheKey())
	assert.Equal(t, "d9/wb1", DocumentHandle{ItemID: "wb1", DriveID: "d9"}.CacheKey())
}
