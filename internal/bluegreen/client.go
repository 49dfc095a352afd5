package bluegreen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is an error response returned by the admin API.
type APIError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d %s)", e.Response.Error, e.StatusCode, e.Response.Kind)
}

// Client calls the switch admin API. It is used by switchctl.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an admin API client. token may be empty when auth is disabled.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, http.MethodGet, "/admin/switch", nil, &status)
	return status, err
}

func (c *Client) Cutover(ctx context.Context, target Color) (Status, error) {
	var status Status
	err := c.do(ctx, http.MethodPost, "/admin/switch/cutover", CutoverRequest{Target: target}, &status)
	return status, err
}

func (c *Client) Complete(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, http.MethodPost, "/admin/switch/complete", nil, &status)
	return status, err
}

func (c *Client) Deploy(ctx context.Context, color Color, address, healthPath string) (Instance, error) {
	var inst Instance
	err := c.do(ctx, http.MethodPut, "/admin/instances/"+url.PathEscape(string(color)),
		DeployRequest{Address: address, HealthPath: healthPath}, &inst)
	return inst, err
}

func (c *Client) Warm(ctx context.Context, color Color) (Instance, error) {
	var inst Instance
	err := c.do(ctx, http.MethodPost, "/admin/instances/"+url.PathEscape(string(color))+"/warm", nil, &inst)
	return inst, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Response); err != nil {
			apiErr.Response.Error = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
