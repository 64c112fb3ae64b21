// Package upstream talks to the local model server whose loaded model the
// main thread protects. Payloads are passed through untouched.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout  = 10 * time.Minute
	maxResponseSize = 256 << 20 // generated images are returned inline as base64
	maxErrorBody    = 4 << 10
)

// UpstreamError is returned when the model server answers with a non-2xx status.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

// Client posts opaque JSON payloads to the model server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL. A nil httpClient
// gets one with a generous timeout, since a single generation can take minutes.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// BaseURL returns the server address the client posts to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Post sends body to path and returns the raw JSON response.
func (c *Client) Post(ctx context.Context, path string, body json.RawMessage) (json.RawMessage, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("post %s: response is not JSON", path)
	}
	return data, nil
}

// Releaser asks the model server to drop its transient caches after each
// run. It satisfies mainthread.Releaser.
type Releaser struct {
	client *Client
	path   string
	logger *slog.Logger
}

// NewReleaser returns a releaser that posts an empty object to path.
func NewReleaser(client *Client, path string, logger *slog.Logger) *Releaser {
	return &Releaser{client: client, path: path, logger: logger}
}

// Release implements mainthread.Releaser.
func (r *Releaser) Release(ctx context.Context) error {
	start := time.Now()
	if _, err := r.client.Post(ctx, r.path, nil); err != nil {
		return fmt.Errorf("release upstream caches: %w", err)
	}
	if r.logger != nil {
		r.logger.Debug("upstream caches released", "path", r.path, "duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}
