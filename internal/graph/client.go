// Package graph is the HTTP client for the remote workbook API.
//
// Every method performs exactly one remote call. Retries and circuit breaking
// are layered on by the callers; this package only reports structured
// failures (status code, retry-after) that those layers classify. Outbound
// traffic is smoothed through a client-side token bucket so a burst of
// batches does not trip the remote throttle unnecessarily.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/sheetbridge/internal/workbook"
)

const instrumentationName = "github.com/fyrsmithlabs/sheetbridge/internal/graph"

const sessionHeader = "workbook-session-id"

// Config controls the remote client.
type Config struct {
	// BaseURL is the remote API root, e.g. "https://graph.microsoft.com/v1.0".
	BaseURL string `koanf:"base_url"`

	// Timeout is the per-request transport timeout. The hard per-call
	// timeout is enforced by the breaker registry's call context; this is a
	// backstop on the transport itself.
	Timeout time.Duration `koanf:"timeout"`

	// RequestsPerSecond smooths outbound traffic. Zero disables smoothing.
	RequestsPerSecond float64 `koanf:"requests_per_second"`

	// Burst is the smoothing bucket size.
	Burst int `koanf:"burst"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "https://graph.microsoft.com/v1.0",
		Timeout:           30 * time.Second,
		RequestsPerSecond: 20,
		Burst:             40,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("requests_per_second cannot be negative")
	}
	return nil
}

// Client talks to the remote workbook API. Safe for concurrent use; the
// per-user access token is supplied per call.
type Client struct {
	rest    *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	callsTotal     metric.Int64Counter
	throttlesTotal metric.Int64Counter
	callDur        metric.Float64Histogram
}

// NewClient creates a remote workbook client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rest := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "sheetbridge").
		SetHeader("Content-Type", "application/json")

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	c := &Client{
		rest:    rest,
		limiter: limiter,
		logger:  logger,
	}
	c.initMetrics()
	return c, nil
}

func (c *Client) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	c.callsTotal, err = meter.Int64Counter(
		"sheetbridge.remote.calls_total",
		metric.WithDescription("Remote workbook API calls, labeled by operation and status"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		c.logger.Warn("failed to create remote calls counter", zap.Error(err))
	}

	c.throttlesTotal, err = meter.Int64Counter(
		"sheetbridge.remote.throttles_total",
		metric.WithDescription("Remote calls rejected with 429, labeled by operation"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		c.logger.Warn("failed to create throttle counter", zap.Error(err))
	}

	c.callDur, err = meter.Float64Histogram(
		"sheetbridge.remote.call_duration_seconds",
		metric.WithDescription("Remote call duration in seconds, labeled by operation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		c.logger.Warn("failed to create call duration histogram", zap.Error(err))
	}
}

// graphError is the remote API's error envelope.
type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type sessionResponse struct {
	ID string `json:"id"`
}

// CreateSession opens a persisted-changes workbook session for the document.
func (c *Client) CreateSession(ctx context.Context, token string, handle workbook.DocumentHandle) (string, error) {
	var out sessionResponse
	err := c.call(ctx, "createSession", func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetAuthToken(token).
			SetBody(map[string]any{"persistChanges": true}).
			SetResult(&out).
			Post(itemPath(handle) + "/createSession")
	})
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &RemoteError{StatusCode: http.StatusBadGateway, Message: "session response missing id"}
	}
	return out.ID, nil
}

// UpdateRange writes a value grid into the addressed range. A non-empty
// numberFormat is applied to every cell of the range.
func (c *Client) UpdateRange(ctx context.Context, token, sessionID string, handle workbook.DocumentHandle, worksheet, address string, values [][]any, numberFormat string) error {
	body := map[string]any{"values": values}
	if numberFormat != "" {
		body["numberFormat"] = formatGrid(numberFormat, values)
	}
	return c.call(ctx, "applyRange", func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetAuthToken(token).
			SetHeader(sessionHeader, sessionID).
			SetBody(body).
			Patch(rangePath(handle, worksheet, address))
	})
}

// FormatRange applies a partial style object to the addressed range.
func (c *Client) FormatRange(ctx context.Context, token, sessionID string, handle workbook.DocumentHandle, worksheet, address string, style map[string]any) error {
	return c.call(ctx, "formatRange", func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetAuthToken(token).
			SetHeader(sessionHeader, sessionID).
			SetBody(style).
			Patch(rangePath(handle, worksheet, address) + "/format")
	})
}

// ClearRange clears the contents, not the formatting, of the addressed range.
func (c *Client) ClearRange(ctx context.Context, token, sessionID string, handle workbook.DocumentHandle, worksheet, address string) error {
	return c.call(ctx, "clearRange", func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetAuthToken(token).
			SetHeader(sessionHeader, sessionID).
			SetBody(map[string]any{"applyTo": "Contents"}).
			Post(rangePath(handle, worksheet, address) + "/clear")
	})
}

// CreateTable creates a table over the addressed range.
func (c *Client) CreateTable(ctx context.Context, token, sessionID string, handle workbook.DocumentHandle, worksheet, address string, hasHeaders bool) error {
	return c.call(ctx, "createTable", func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetAuthToken(token).
			SetHeader(sessionHeader, sessionID).
			SetBody(map[string]any{
				"address":    worksheet + "!" + address,
				"hasHeaders": hasHeaders,
			}).
			Post(itemPath(handle) + "/tables/add")
	})
}

// AddChart creates a chart over the addressed range with automatic series
// orientation.
func (c *Client) AddChart(ctx context.Context, token, sessionID string, handle workbook.DocumentHandle, worksheet, address, chartType string) error {
	return c.call(ctx, "addChart", func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetAuthToken(token).
			SetHeader(sessionHeader, sessionID).
			SetBody(map[string]any{
				"type":       chartType,
				"sourceData": address,
				"seriesBy":   "Auto",
			}).
			Post(worksheetPath(handle, worksheet) + "/charts/add")
	})
}

// call runs one remote request: waits on the outbound limiter, issues the
// request, records metrics, and converts non-2xx responses to *RemoteError.
func (c *Client) call(ctx context.Context, operation string, do func(req *resty.Request) (*resty.Response, error)) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("outbound limiter: %w", err)
		}
	}

	start := time.Now()
	req := c.rest.R().SetContext(ctx).SetError(&graphError{})
	resp, err := do(req)
	elapsed := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Int("status", status),
	)
	if c.callsTotal != nil {
		c.callsTotal.Add(ctx, 1, attrs)
	}
	if c.callDur != nil {
		c.callDur.Record(ctx, elapsed.Seconds(), attrs)
	}

	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	if resp.IsError() {
		remoteErr := &RemoteError{
			StatusCode: status,
			RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
		}
		if ge, ok := resp.Error().(*graphError); ok && ge != nil {
			if ge.Error.Code == "" && ge.Error.Message == "" {
				// Intermediaries sometimes drop the JSON content type, in
				// which case resty leaves the error target untouched.
				_ = json.Unmarshal(resp.Body(), ge)
			}
			remoteErr.Code = ge.Error.Code
			remoteErr.Message = ge.Error.Message
		}
		if remoteErr.Message == "" {
			remoteErr.Message = http.StatusText(status)
		}
		if remoteErr.Throttled() && c.throttlesTotal != nil {
			c.throttlesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
		}
		c.logger.Debug("remote call failed",
			zap.String("operation", operation),
			zap.Int("status", status),
			zap.String("code", remoteErr.Code),
			zap.Duration("elapsed", elapsed),
		)
		return remoteErr
	}
	return nil
}

// itemPath addresses the workbook of a document. With a drive ID the item is
// addressed inside that drive, otherwise on the default drive.
func itemPath(h workbook.DocumentHandle) string {
	if h.DriveID != "" {
		return fmt.Sprintf("/drives/%s/items/%s/workbook", h.DriveID, h.ItemID)
	}
	return fmt.Sprintf("/me/drive/items/%s/workbook", h.ItemID)
}

func worksheetPath(h workbook.DocumentHandle, worksheet string) string {
	return fmt.Sprintf("%s/worksheets('%s')", itemPath(h), worksheet)
}

func rangePath(h workbook.DocumentHandle, worksheet, address string) string {
	return fmt.Sprintf("%s/range(address='%s')", worksheetPath(h, worksheet), address)
}

// formatGrid expands a scalar number format to the shape of the value grid,
// which is how the remote API expects per-cell formats.
func formatGrid(format string, values [][]any) [][]string {
	grid := make([][]string, len(values))
	for i, row := range values {
		grid[i] = make([]string, len(row))
		for j := range row {
			grid[i][j] = format
		}
	}
	return grid
}

// parseRetryAfter accepts both the delta-seconds and HTTP-date forms of the
// Retry-After header. Unparseable or past values map to zero.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
