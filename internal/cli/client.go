// =============================================================================
// CLI HTTP CLIENT
// =============================================================================
//
// A thin client for the shardq HTTP API used by the CLI commands.
//
// HTTP ENDPOINTS USED:
//
//   POST   /v1/messages                 publish
//   GET    /v1/messages?shard=&wait=    consume (204 → no message)
//   POST   /v1/messages/{id}/ack        ack
//   POST   /v1/dead-letters/drain       dlq drain
//   GET    /v1/stats                    stats
//   GET    /healthz                     health
//   GET    /version                     version
//
// Request/response bodies are the api package types, so the CLI and the
// server cannot drift apart.
//
// =============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"shardq/internal/api"
)

// ClientConfig holds configuration for the CLI HTTP client.
type ClientConfig struct {
	// ServerURL is the base URL of the shardq server (e.g., "http://localhost:8080")
	ServerURL string

	// Timeout bounds every request. Long polls get their wait on top.
	Timeout time.Duration

	// APIKey is sent as X-API-Key when set.
	APIKey string
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL: DefaultServer,
		Timeout:   30 * time.Second,
	}
}

// Client is the HTTP client for CLI operations.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a new CLI HTTP client.
func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientConfig().Timeout
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{},
	}
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// APIError represents an error from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// ErrorResponse is the error response format from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// do executes a request and returns the status code and body. Error statuses
// are returned as *APIError unless rawStatus is set.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, extra time.Duration, rawStatus bool) (int, []byte, error) {
	u, err := url.JoinPath(c.config.ServerURL, path)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid path: %w", err)
	}
	if len(query) > 0 {
		u = u + "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout+extra)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 && !rawStatus {
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return resp.StatusCode, nil, &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return resp.StatusCode, nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result interface{}) error {
	_, respBody, err := c.do(ctx, method, path, nil, body, 0, false)
	if err != nil {
		return err
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// Publish sends one message. ttl may be empty for the server default and
// shard may be nil for key-based or round-robin placement.
func (c *Client) Publish(ctx context.Context, key, value, ttl string, shard *int) (*api.PublishResponse, error) {
	req := api.PublishRequest{Key: key, Value: value, TTL: ttl, Shard: shard}
	var resp api.PublishResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Consume long-polls for one message. shard < 0 means any shard. A nil
// message with a nil error means the wait elapsed.
func (c *Client) Consume(ctx context.Context, shard int, wait time.Duration) (*api.MessageResponse, error) {
	query := url.Values{}
	if shard >= 0 {
		query.Set("shard", strconv.Itoa(shard))
	}
	if wait > 0 {
		query.Set("wait", wait.String())
	}

	code, body, err := c.do(ctx, http.MethodGet, "/v1/messages", query, nil, wait, false)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNoContent {
		return nil, nil
	}

	var msg api.MessageResponse
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &msg, nil
}

// Ack acknowledges a message by its decimal id.
func (c *Client) Ack(ctx context.Context, id uint64) (*api.AckResponse, error) {
	var resp api.AckResponse
	path := "/v1/messages/" + strconv.FormatUint(id, 10) + "/ack"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DrainDeadLetters removes and returns every dead letter.
func (c *Client) DrainDeadLetters(ctx context.Context) (*api.DrainResponse, error) {
	var resp api.DrainResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/dead-letters/drain", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Stats returns the server's counters.
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var resp api.StatsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health calls the liveness probe. An unhealthy server is not an error: the
// decoded body is returned with healthy=false.
func (c *Client) Health(ctx context.Context) (healthy bool, body map[string]interface{}, err error) {
	code, raw, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, 0, true)
	if err != nil {
		return false, nil, err
	}
	body = make(map[string]interface{})
	if err := json.Unmarshal(raw, &body); err != nil {
		return false, nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return code == http.StatusOK, body, nil
}

// Version returns the server's build information.
func (c *Client) Version(ctx context.Context) (map[string]interface{}, error) {
	resp := make(map[string]interface{})
	if err := c.doJSON(ctx, http.MethodGet, "/version", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
