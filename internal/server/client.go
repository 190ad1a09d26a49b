package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/desertthunder/tapedeck/internal/shared"
)

// Client makes requests to a running `tapedeck serve`.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, defaulting to http://localhost:8080.
func NewClient(baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: client}
}

// APIResponse represents a raw API response with status and body.
type APIResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	IsJSON     bool
	JSONData   any
}

func (r *APIResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (c *Client) Get(ctx context.Context, path string) (*APIResponse, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post sends data as a JSON body.
func (c *Client) Post(ctx context.Context, path string, data []byte) (*APIResponse, error) {
	return c.do(ctx, http.MethodPost, path, data)
}

func (c *Client) Delete(ctx context.Context, path string) (*APIResponse, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, data []byte) (*APIResponse, error) {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	apiResp := &APIResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: raw}
	var jsonData any
	if err := json.Unmarshal(raw, &jsonData); err == nil {
		apiResp.IsJSON = true
		apiResp.JSONData = jsonData
	}
	return apiResp, nil
}

// CancelSync asks the server to cancel the profile's running job.
//
// A server that is not running yields an error wrapping [shared.ErrServiceUnavailable]; a
// profile with nothing running yields [shared.ErrNotFound].
func (c *Client) CancelSync(ctx context.Context, profileID string) (CancelResponse, error) {
	resp, err := c.Delete(ctx, "/profiles/"+profileID+"/sync")
	if err != nil {
		return CancelResponse{}, err
	}

	switch {
	case resp.OK():
		var out CancelResponse
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return CancelResponse{}, fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
		}
		return out, nil
	case resp.StatusCode == http.StatusNotFound:
		return CancelResponse{}, fmt.Errorf("%w: %s", shared.ErrNotFound, errorMessage(resp))
	default:
		return CancelResponse{}, fmt.Errorf("%w: status %d: %s", shared.ErrAPIRequest, resp.StatusCode, errorMessage(resp))
	}
}

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	resp, err := c.Get(ctx, "/health")
	if err != nil {
		return HealthResponse{}, err
	}
	if !resp.OK() {
		return HealthResponse{}, fmt.Errorf("%w: status %d", shared.ErrServiceUnavailable, resp.StatusCode)
	}
	var out HealthResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return HealthResponse{}, fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	return out, nil
}

func errorMessage(resp *APIResponse) string {
	var e ErrorResponse
	if err := json.Unmarshal(resp.Body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(resp.Body)
}
