// Package comfy talks to the generative-compute backend: graph submission,
// execution-history polling, and the backend's own websocket event stream.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huiying/aigc-proxy/internal/config"
	"github.com/huiying/aigc-proxy/internal/workflow"
)

// ErrNoBackend is returned when no backend URL is configured and the
// request carried no override.
var ErrNoBackend = errors.New("backend url not configured")

// UpstreamError carries the backend's HTTP status and body so handlers can
// surface them to the caller.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Body)
}

// Client is an HTTP client for the backend with a runtime-adjustable
// default endpoint.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a backend client with the given default endpoint.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: config.SanitizeURL(baseURL),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// SetBaseURL swaps the default endpoint at runtime.
func (c *Client) SetBaseURL(u string) {
	c.mu.Lock()
	c.baseURL = config.SanitizeURL(u)
	c.mu.Unlock()
}

// BaseURL returns the current default endpoint.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// Resolve picks the per-request override when present, otherwise the
// default endpoint.
func (c *Client) Resolve(override string) (string, error) {
	if override != "" {
		return config.SanitizeURL(override), nil
	}
	if u := c.BaseURL(); u != "" {
		return u, nil
	}
	return "", ErrNoBackend
}

type submitRequest struct {
	ClientID string            `json:"client_id"`
	Prompt   workflow.Template `json:"prompt"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
}

// Submit posts a merged graph to the backend's prompt endpoint and returns
// the assigned prompt id. Graph paths are adapted first when the backend
// is remote.
func (c *Client) Submit(ctx context.Context, backendURL, clientID string, graph workflow.Template) (string, error) {
	graph = AdaptPaths(graph, backendURL)

	body, err := json.Marshal(submitRequest{ClientID: clientID, Prompt: graph})
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}

	u := backendURL + "/prompt"
	c.logger.Info("Submitting task to backend", zap.String("url", u))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend submit: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Backend rejected submission",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", respBody))
		return "", &UpstreamError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var sr submitResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if sr.PromptID == "" {
		return "", fmt.Errorf("backend response missing prompt_id")
	}
	return sr.PromptID, nil
}

// HistoryEntry is the digest of one task's execution history.
type HistoryEntry struct {
	Found       bool
	OutputCount int
	StatusStr   string
}

// History fetches the execution history for a prompt id. A 200 response
// that does not mention the id yields Found=false, not an error.
func (c *Client) History(ctx context.Context, backendURL, promptID string) (HistoryEntry, error) {
	u := fmt.Sprintf("%s/history/%s", backendURL, promptID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return HistoryEntry{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("backend history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HistoryEntry{}, &UpstreamError{Status: resp.StatusCode}
	}

	var payload map[string]struct {
		Status struct {
			StatusStr string `json:"status_str"`
		} `json:"status"`
		Outputs map[string]json.RawMessage `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return HistoryEntry{}, fmt.Errorf("decode history: %w", err)
	}

	entry, ok := payload[promptID]
	if !ok {
		return HistoryEntry{Found: false}, nil
	}
	return HistoryEntry{
		Found:       true,
		OutputCount: len(entry.Outputs),
		StatusStr:   entry.Status.StatusStr,
	}, nil
}

// IsRemoteURL reports whether the URL points at a public address. Named
// hosts are assumed remote; IP hosts are checked for private/loopback
// ranges.
func IsRemoteURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	return !ip.IsPrivate() && !ip.IsLoopback()
}

// AdaptPaths converts backslash path separators to forward slashes in
// every string value of the graph when the backend is remote. Local
// backends receive the graph untouched.
func AdaptPaths(graph workflow.Template, backendURL string) workflow.Template {
	if !IsRemoteURL(backendURL) {
		return graph
	}
	out := make(workflow.Template, len(graph))
	for k, v := range graph {
		out[k] = adaptValue(v)
	}
	return out
}

func adaptValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = adaptValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = adaptValue(e)
		}
		return out
	case string:
		return strings.ReplaceAll(t, "\\", "/")
	default:
		return v
	}
}
