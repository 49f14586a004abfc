package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/fyrsmithlabs/sheetbridge/internal/server"
)

// apiClient is a thin resty wrapper over the daemon's HTTP API.
type apiClient struct {
	rest *resty.Client
}

func newAPIClient() *apiClient {
	rest := resty.New().
		SetBaseURL(flagServer).
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json")
	if flagToken != "" {
		rest.SetAuthToken(flagToken)
	}
	return &apiClient{rest: rest}
}

func (c *apiClient) health() (*server.HealthResponse, error) {
	var out server.HealthResponse
	resp, err := c.rest.R().
		SetResult(&out).
		Get("/health")
	if err != nil {
		return nil, fmt.Errorf("reaching daemon: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("daemon unhealthy: HTTP %d", resp.StatusCode())
	}
	return &out, nil
}

func (c *apiClient) applyBatch(req *server.BatchRequest) (*server.BatchResponse, error) {
	var out server.BatchResponse
	var apiErr server.ErrorResponse
	resp, err := c.rest.R().
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/v1/batches")
	if err != nil {
		return nil, fmt.Errorf("submitting batch: %w", err)
	}
	if resp.IsError() {
		if apiErr.Error != "" {
			return nil, fmt.Errorf("batch rejected (%s, HTTP %d): %s", apiErr.Kind, resp.StatusCode(), apiErr.Error)
		}
		return nil, fmt.Errorf("batch rejected: HTTP %d", resp.StatusCode())
	}
	return &out, nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
