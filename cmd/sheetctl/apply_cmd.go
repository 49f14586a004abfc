package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/sheetbridge/internal/server"
)

var (
	flagBatchFile      string
	flagIdempotency    bool
	flagIdempotencyKey string
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Submit an operation batch to the daemon",
	Long: `Apply reads a batch document (JSON) from --file or stdin and submits it.

The document mirrors the POST /api/v1/batches request body:

  {
    "document": {"item_id": "...", "drive_id": "..."},
    "operations": [
      {"type": "insert", "target": "A1:B2", "values": [["a", 1], ["b", 2]]}
    ]
  }`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringVarP(&flagBatchFile, "file", "f", "", "batch JSON file (default: stdin)")
	applyCmd.Flags().BoolVar(&flagIdempotency, "idempotency", false, "generate an idempotency key for this submission")
	applyCmd.Flags().StringVar(&flagIdempotencyKey, "idempotency-key", "", "explicit idempotency key (implies replay on resubmission)")
}

func runApply(cmd *cobra.Command, args []string) error {
	if flagToken == "" {
		return fmt.Errorf("a bearer token is required (--token or SHEETCTL_TOKEN)")
	}

	raw, err := readBatchDocument()
	if err != nil {
		return err
	}

	var req server.BatchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parsing batch document: %w", err)
	}

	switch {
	case flagIdempotencyKey != "":
		req.IdempotencyKey = flagIdempotencyKey
	case flagIdempotency:
		req.IdempotencyKey = uuid.NewString()
	}

	resp, err := newAPIClient().applyBatch(&req)
	if err != nil {
		return err
	}

	if flagOutput == "json" {
		return printJSON(resp)
	}

	fmt.Printf("Applied %d/%d operations (session %s)\n", resp.AppliedCount, len(req.Operations), resp.SessionID)
	if req.IdempotencyKey != "" {
		fmt.Printf("Idempotency key: %s\n", req.IdempotencyKey)
	}
	for _, opErr := range resp.Errors {
		fmt.Printf("  operation %d failed: %s\n", opErr.Index, opErr.Error)
	}
	if len(resp.Errors) > 0 {
		return fmt.Errorf("%d operation(s) failed", len(resp.Errors))
	}
	return nil
}

func readBatchDocument() ([]byte, error) {
	if flagBatchFile == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(flagBatchFile)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	return data, nil
}
