// Package client is an HTTP client for the stratus control plane API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stratusgg/stratus/pkg/types"
)

// Client is an HTTP client for the stratus API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new stratus API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// doRequest performs an HTTP request with API key authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	reqURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

// decodeOrError decodes the response body into out, or returns an API error
// for non-2xx statuses.
func decodeOrError(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Deploy starts a deployment for the user and returns the acknowledgement.
func (c *Client) Deploy(ctx context.Context, req types.DeployRequest) (*types.DeployResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/deployInstance", req)
	if err != nil {
		return nil, err
	}
	var out types.DeployResponse
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Terminate starts teardown of the user's active instance.
func (c *Client) Terminate(ctx context.Context, req types.TerminateRequest) (*types.DeployResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/terminateInstance", req)
	if err != nil {
		return nil, err
	}
	var out types.DeployResponse
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the state of the user's most recent deployment.
func (c *Client) Status(ctx context.Context, userID string) (*types.DeploymentStatus, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/deployment-status?userId="+url.QueryEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	var out types.DeploymentStatus
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamingLink returns the remote-display URL for the user's running
// instance.
func (c *Client) StreamingLink(ctx context.Context, userID string) (*types.StreamingLink, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/streamingLink?userId="+url.QueryEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	var out types.StreamingLink
	if err := decodeOrError(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForDeployment polls Status until the deployment leaves RUNNING or ctx
// expires.
func (c *Client) WaitForDeployment(ctx context.Context, userID string, interval time.Duration) (*types.DeploymentStatus, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, userID)
		if err != nil {
			return nil, err
		}
		if status.Status != "RUNNING" {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
