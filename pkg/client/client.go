// Package client talks to a running cipherhost control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:7420/api"
	DefaultTimeout = 60 * time.Second
)

// Client provides HTTP client functionality to communicate with the host.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each call; start can take as long as the backend's
	// readiness timeout.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the host is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("host unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) StartBackend(ctx context.Context) (string, error) {
	var out MessageResponse
	err := c.do(ctx, http.MethodPost, "/backend/start", nil, &out)
	return out.Message, err
}

// StopBackend asks the host to stop the backend, waiting up to wait for the
// child to exit (0 uses the server default).
func (c *Client) StopBackend(ctx context.Context, wait time.Duration) (string, error) {
	var out MessageResponse
	err := c.do(ctx, http.MethodPost, "/backend/stop"+waitQuery(wait), nil, &out)
	return out.Message, err
}

func (c *Client) RestartBackend(ctx context.Context, wait time.Duration) (string, error) {
	var out MessageResponse
	err := c.do(ctx, http.MethodPost, "/backend/restart"+waitQuery(wait), nil, &out)
	return out.Message, err
}

func (c *Client) Status(ctx context.Context) (BackendStatus, error) {
	var out BackendStatus
	err := c.do(ctx, http.MethodGet, "/backend/status", nil, &out)
	return out, err
}

func (c *Client) Platform(ctx context.Context) (string, error) {
	var out platformResponse
	err := c.do(ctx, http.MethodGet, "/platform", nil, &out)
	return out.Platform, err
}

func (c *Client) OpenURL(ctx context.Context, rawURL string) (string, error) {
	var out MessageResponse
	err := c.do(ctx, http.MethodPost, "/open", openRequest{URL: rawURL}, &out)
	return out.Message, err
}

func waitQuery(wait time.Duration) string {
	if wait <= 0 {
		return ""
	}
	return "?" + url.Values{"wait": {wait.String()}}.Encode()
}

// do performs HTTP request with common error handling
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is a non-200 answer from the host.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return "API error: " + e.Message
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
