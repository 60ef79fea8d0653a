// Package client provides an HTTP client for the logstream server API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ricesearch/logstream/internal/filter"
	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/stream"
)

// DefaultStreamPath is the server's default stream endpoint.
const DefaultStreamPath = "/v1/logs/stream"

// Client is an HTTP client for the logstream API.
type Client struct {
	baseURL    string
	streamPath string
	httpClient *http.Client

	// streamClient has no overall timeout; streams are bounded by their
	// context.
	streamClient *http.Client
}

// Config configures the client.
type Config struct {
	// BaseURL is the base URL of the API server.
	BaseURL string

	// StreamPath is the path of the stream endpoint.
	StreamPath string

	// Timeout is the request timeout for non-stream requests.
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts. Zero means no limit.
	MaxIdleConns int

	// MaxConnsPerHost limits the total number of connections per host.
	// Zero means no limit.
	MaxConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive)
	// connection will remain idle before closing itself.
	IdleConnTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8080",
		StreamPath:      DefaultStreamPath,
		Timeout:         30 * time.Second,
		MaxIdleConns:    100,
		MaxConnsPerHost: 100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) *Client {
	d := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = d.StreamPath
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = d.MaxIdleConns
	}
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = d.MaxConnsPerHost
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = d.IdleConnTimeout
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost / 5, // 20% per host
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		streamPath: cfg.StreamPath,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		streamClient: &http.Client{Transport: transport},
	}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// VersionResponse represents the version response.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"go_version"`
}

// APIError represents an API error response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the server's error as an AppError so callers can test its
// code with the apperrors helpers.
func (e *APIError) Unwrap() error {
	return apperrors.New(e.Code, e.Message)
}

// Health checks if the API is healthy.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version returns the server build information.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var resp VersionResponse
	if err := c.get(ctx, "/v1/version", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Diagnostics returns the stream endpoint diagnostics.
func (c *Client) Diagnostics(ctx context.Context) (*stream.Diagnostics, error) {
	var resp stream.Diagnostics
	if err := c.get(ctx, "/v1/diagnostics", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostBatch sends an ingestion batch to the stream endpoint.
func (c *Client) PostBatch(ctx context.Context, batch stream.Batch) error {
	return c.post(ctx, c.streamPath, batch, nil, batch.SessionID)
}

// PostFrame sends a single control frame on behalf of sessionID.
func (c *Client) PostFrame(ctx context.Context, sessionID string, frame any) error {
	return c.post(ctx, c.streamPath, frame, nil, sessionID)
}

// OpenStream opens an event stream with spec as the initial filter. The
// caller must close the returned body.
func (c *Client) OpenStream(ctx context.Context, spec filter.Spec) (*stream.Scanner, io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.StreamURL(spec), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, nil, decodeError(resp.StatusCode, body)
	}
	return stream.NewScanner(resp.Body), resp.Body, nil
}

// get performs a GET request.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// post performs a POST request.
func (c *Client) post(ctx context.Context, path string, body, result interface{}, sessionID string) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set(stream.SessionHeader, sessionID)
	}

	return c.do(req, result)
}

// do executes a request.
func (c *Client) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, body)
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
		return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	return apiErr
}

// StreamURL returns the full stream URL for spec.
func (c *Client) StreamURL(spec filter.Spec) string {
	u := c.baseURL + c.streamPath
	if q := filter.ToQuery(spec); len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
