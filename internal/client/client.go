// Package client talks to a running `devbatch serve` instance.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/agent462/devbatch/internal/api"
	"github.com/agent462/devbatch/internal/dispatch"
)

// APIError is a non-200 answer from the server.
type APIError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client is an HTTP client for the batch API.
type Client struct {
	http  *resty.Client // read-only endpoints, retried
	batch *resty.Client // POST /batch, never retried
}

// New creates a client for the server at baseURL.
func New(baseURL string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	batch := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c, batch: batch}
}

// ExecuteBatch runs a batch on the server and returns its result.
// Validation failures come back as *APIError with status 400. A transport
// error is returned as is: the server may already have contacted the
// devices, so the request is not resent.
func (c *Client) ExecuteBatch(ctx context.Context, req api.BatchRequest) (*dispatch.BatchResult, error) {
	var result dispatch.BatchResult
	var apiErr api.ErrorResponse

	resp, err := c.batch.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&apiErr).
		Post("/api/v1/batch")
	if err != nil {
		return nil, fmt.Errorf("execute batch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, toAPIError(resp, apiErr)
	}
	return &result, nil
}

// Devices returns the server's public device listing.
func (c *Client) Devices(ctx context.Context) (map[string]map[string]any, error) {
	var devices map[string]map[string]any
	var apiErr api.ErrorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&devices).
		SetError(&apiErr).
		Get("/api/v1/devices")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, toAPIError(resp, apiErr)
	}
	return devices, nil
}

// Health returns nil when the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/api/v1/health")
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}
	return nil
}

func toAPIError(resp *resty.Response, body api.ErrorResponse) *APIError {
	msg := body.Error
	if msg == "" {
		msg = resp.String()
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: msg, Field: body.Field}
}
