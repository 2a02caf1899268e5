// ============================================================================
// API SERVER TESTS - Chi Router Based
// ============================================================================
//
// Tests call through the full router (ServeHTTP) rather than individual
// handlers so URL parameters, middleware and routing are all exercised.
//
// TEST PATTERNS:
//   - setupTestServer: creates a router + API server with fast timers
//   - All tests use httptest.NewRecorder() + router.ServeHTTP()
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"shardq/internal/metrics"
	"shardq/internal/queue"
	"shardq/internal/security"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

func testQueueConfig() queue.Config {
	return queue.Config{
		ShardCount:        2,
		CapacityPerShard:  16,
		VisibilityTimeout: time.Second,
		MaxRetries:        3,
		PollInterval:      10 * time.Millisecond,
		BlockOnFull:       true,
	}
}

func testServerConfig() ServerConfig {
	config := DefaultServerConfig()
	config.Addr = "127.0.0.1:0"
	config.NodeID = "test-node"
	config.MaxWait = time.Second
	return config
}

// setupTestServer creates a router and an API server around it. The router is
// closed when the test ends.
func setupTestServer(t *testing.T, qcfg queue.Config, config ServerConfig, opts ...queue.Option[[]byte]) *Server {
	t.Helper()

	q, err := queue.NewRouter(qcfg, opts...)
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	return NewServer(q, config, nil)
}

// doRequest makes an HTTP request through the router.
func doRequest(server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewReader(nil)
	case string:
		reqBody = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(body)
		reqBody = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	server.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to parse response %q: %v", rec.Body.String(), err)
	}
	return out
}

func publish(t *testing.T, server *Server, req PublishRequest) PublishResponse {
	t.Helper()
	rec := doRequest(server, http.MethodPost, "/v1/messages", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[PublishResponse](t, rec)
}

// ============================================================================
// HEALTH & STATS ENDPOINT TESTS
// ============================================================================

func TestHealthEndpoint(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())

	rec := doRequest(server, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	resp := decode[map[string]interface{}](t, rec)
	if resp["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", resp["status"])
	}
	if resp["shards"] != float64(2) {
		t.Errorf("Expected 2 shards, got %v", resp["shards"])
	}
}

func TestHealthzFailsAfterQueueClose(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())

	if rec := doRequest(server, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 before close, got %d: %s", rec.Code, rec.Body.String())
	}

	server.queue.Close()

	if rec := doRequest(server, http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 after close, got %d", rec.Code)
	}
}

func TestReadyzFollowsHealthState(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())

	if rec := doRequest(server, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 before ready, got %d", rec.Code)
	}

	server.Health().SetReady(true)
	if rec := doRequest(server, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 when ready, got %d", rec.Code)
	}

	server.Health().AddCheck("dead-letters", func(_ context.Context) HealthCheckResult {
		return HealthCheckResult{Status: "fail", Message: "redis unreachable"}
	})

	// Checks only run on verbose probes.
	if rec := doRequest(server, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 without verbose, got %d", rec.Code)
	}

	rec := doRequest(server, http.MethodGet, "/readyz?verbose=true", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 with failing check, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "redis unreachable") {
		t.Errorf("Expected check message in body, got %s", rec.Body.String())
	}
}

func TestLivezAndVersion(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())

	if rec := doRequest(server, http.MethodGet, "/livez", nil); rec.Code != http.StatusOK {
		t.Errorf("livez: expected 200, got %d", rec.Code)
	}

	rec := doRequest(server, http.MethodGet, "/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("version: expected 200, got %d", rec.Code)
	}
	resp := decode[map[string]interface{}](t, rec)
	if resp["version"] != Version {
		t.Errorf("Expected version %q, got %v", Version, resp["version"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())

	publish(t, server, PublishRequest{Key: "a", Value: "1"})

	rec := doRequest(server, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	resp := decode[StatsResponse](t, rec)
	if resp.NodeID != "test-node" {
		t.Errorf("Expected node_id 'test-node', got %q", resp.NodeID)
	}
	if resp.Queue.ShardCount != 2 {
		t.Errorf("Expected 2 shards, got %d", resp.Queue.ShardCount)
	}
	if resp.Queue.Published != 1 || resp.Queue.FIFODepth != 1 {
		t.Errorf("Expected 1 published and queued, got %+v", resp.Queue)
	}
	if resp.DeadLetters != 0 {
		t.Errorf("Expected 0 dead letters, got %d", resp.DeadLetters)
	}
}

// ============================================================================
// MESSAGE TESTS
// ============================================================================

func TestPublishConsumeAck(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())

	pub := publish(t, server, PublishRequest{Key: "order-42", Value: "hello", TTL: "1m"})
	if pub.Ref != queue.FormatID(pub.ID) {
		t.Errorf("Expected ref %q, got %q", queue.FormatID(pub.ID), pub.Ref)
	}
	if pub.Shard != server.queue.ShardFor("order-42") {
		t.Errorf("Expected shard %d, got %d", server.queue.ShardFor("order-42"), pub.Shard)
	}

	rec := doRequest(server, http.MethodGet, fmt.Sprintf("/v1/messages?shard=%d&wait=100ms", pub.Shard), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("consume: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	msg := decode[MessageResponse](t, rec)
	if msg.ID != pub.ID || msg.Value != "hello" || msg.RetryCount != 0 {
		t.Errorf("unexpected message %+v", msg)
	}
	if got := msg.ExpiresAt.Sub(msg.EnqueuedAt); got != time.Minute {
		t.Errorf("Expected 1m ttl window, got %v", got)
	}

	rec = doRequest(server, http.MethodPost, fmt.Sprintf("/v1/messages/%d/ack", msg.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	ack := decode[AckResponse](t, rec)
	if !ack.Acked || ack.ID != pub.ID {
		t.Errorf("unexpected ack response %+v", ack)
	}

	// Acking twice is not an error.
	rec = doRequest(server, http.MethodPost, fmt.Sprintf("/v1/messages/%d/ack", pub.ID), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("second ack: expected 200, got %d", rec.Code)
	}

	stats := server.queue.Stats()
	if stats.Acked != 1 || stats.InFlight != 0 {
		t.Errorf("Expected 1 acked and nothing in flight, got %+v", stats)
	}
}

func TestConsumeAnyShard(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())

	publish(t, server, PublishRequest{Value: "round-robin"})

	rec := doRequest(server, http.MethodGet, "/v1/messages?shard=any&wait=100ms", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if msg := decode[MessageResponse](t, rec); msg.Value != "round-robin" {
		t.Errorf("Expected round-robin payload, got %q", msg.Value)
	}
}

func TestConsumeEmptyReturnsNoContent(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())

	tests := []struct {
		name string
		path string
	}{
		{"no wait", "/v1/messages"},
		{"short wait", "/v1/messages?wait=20ms"},
		{"single shard", "/v1/messages?shard=1&wait=20ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(server, http.MethodGet, tt.path, nil)
			if rec.Code != http.StatusNoContent {
				t.Errorf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestConsumeWaitIsCapped(t *testing.T) {
	config := testServerConfig()
	config.MaxWait = 50 * time.Millisecond
	server := setupTestServer(t, testQueueConfig(), config)

	start := time.Now()
	rec := doRequest(server, http.MethodGet, "/v1/messages?wait=1h", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("wait was not capped, took %v", elapsed)
	}
}

func TestBadRequests(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"invalid json", http.MethodPost, "/v1/messages", "{not json", http.StatusBadRequest},
		{"invalid ttl", http.MethodPost, "/v1/messages", PublishRequest{Value: "x", TTL: "soon"}, http.StatusBadRequest},
		{"unknown shard", http.MethodPost, "/v1/messages", map[string]interface{}{"value": "x", "shard": 9}, http.StatusBadRequest},
		{"negative shard", http.MethodPost, "/v1/messages", map[string]interface{}{"value": "x", "shard": -3}, http.StatusBadRequest},
		{"consume bad shard", http.MethodGet, "/v1/messages?shard=abc", nil, http.StatusBadRequest},
		{"consume unknown shard", http.MethodGet, "/v1/messages?shard=9", nil, http.StatusBadRequest},
		{"consume bad wait", http.MethodGet, "/v1/messages?wait=forever", nil, http.StatusBadRequest},
		{"ack bad id", http.MethodPost, "/v1/messages/not-an-id/ack", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(server, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			resp := decode[map[string]interface{}](t, rec)
			if _, ok := resp["error"]; !ok {
				t.Errorf("Expected error field, got %v", resp)
			}
		})
	}
}

func TestAckUnknownIDSucceeds(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())

	rec := doRequest(server, http.MethodPost, "/v1/messages/1/999/ack", nil)
	// "1/999" is not a single path segment.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for slash in path, got %d", rec.Code)
	}

	rec = doRequest(server, http.MethodPost, fmt.Sprintf("/v1/messages/%d/ack", uint64(123456)), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for unknown id, got %d", rec.Code)
	}
}

func TestPublishShardFull(t *testing.T) {
	qcfg := testQueueConfig()
	qcfg.ShardCount = 1
	qcfg.CapacityPerShard = 1
	qcfg.BlockOnFull = false
	server := setupTestServer(t, qcfg, testServerConfig())

	publish(t, server, PublishRequest{Value: "first"})

	rec := doRequest(server, http.MethodPost, "/v1/messages", PublishRequest{Value: "second"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPublishAfterCloseIsUnavailable(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())
	server.queue.Close()

	rec := doRequest(server, http.MethodPost, "/v1/messages", PublishRequest{Value: "late"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
}

func TestPublishRateLimited(t *testing.T) {
	config := testServerConfig()
	config.PublishRate = 0.001
	config.PublishBurst = 1
	server := setupTestServer(t, testQueueConfig(), config)

	publish(t, server, PublishRequest{Value: "allowed"})

	rec := doRequest(server, http.MethodPost, "/v1/messages", PublishRequest{Value: "limited"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

// ============================================================================
// DEAD LETTER TESTS
// ============================================================================

func TestDrainDeadLetters(t *testing.T) {
	qcfg := testQueueConfig()
	qcfg.ShardCount = 1
	qcfg.VisibilityTimeout = 20 * time.Millisecond
	qcfg.MaxRetries = 0
	server := setupTestServer(t, qcfg, testServerConfig())

	pub := publish(t, server, PublishRequest{Value: "poison"})

	if rec := doRequest(server, http.MethodGet, "/v1/messages?wait=100ms", nil); rec.Code != http.StatusOK {
		t.Fatalf("consume: expected 200, got %d", rec.Code)
	}

	var drained DrainResponse
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := doRequest(server, http.MethodPost, "/v1/dead-letters/drain", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("drain: expected 200, got %d", rec.Code)
		}
		drained = decode[DrainResponse](t, rec)
		if drained.Count > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if drained.Count != 1 {
		t.Fatalf("Expected 1 dead letter, got %d", drained.Count)
	}
	dl := drained.DeadLetters[0]
	if dl.Message.ID != pub.ID || dl.Message.Value != "poison" {
		t.Errorf("unexpected dead letter %+v", dl)
	}
	if dl.Reason != string(queue.ReasonMaxRetriesExceeded) {
		t.Errorf("Expected reason %s, got %s", queue.ReasonMaxRetriesExceeded, dl.Reason)
	}

	rec := doRequest(server, http.MethodPost, "/v1/dead-letters/drain", nil)
	if resp := decode[DrainResponse](t, rec); resp.Count != 0 || resp.DeadLetters == nil {
		t.Errorf("Expected an empty, non-null list after drain, got %+v", resp)
	}
}

// ============================================================================
// METRICS & LIFECYCLE TESTS
// ============================================================================

func TestMetricsEndpoint(t *testing.T) {
	mcfg := metrics.DefaultConfig()
	mcfg.IncludeGoCollector = false
	mcfg.IncludeProcessCollector = false
	reg := metrics.NewRegistry(mcfg)

	q, err := queue.NewRouter(testQueueConfig(), queue.WithMetrics[[]byte](reg))
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}
	defer q.Close()
	server := NewServer(q, testServerConfig(), reg)

	publish(t, server, PublishRequest{Key: "k", Value: "v"})

	rec := doRequest(server, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"shardq_api_requests_total",
		"shardq_queue_messages_published_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestServerStartStop(t *testing.T) {
	server := setupTestServer(t, testQueueConfig(), testServerConfig())

	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !server.Health().IsReady() {
		t.Error("Expected server to be ready after Start")
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if server.Health().IsReady() {
		t.Error("Expected server to be not ready after Stop")
	}
}

// ============================================================================
// AUTH TESTS
// ============================================================================

func TestAPIKeyAuth(t *testing.T) {
	keys, err := security.NewKeyStore(security.Config{
		Enabled: true,
		Keys: []security.KeyConfig{
			{Name: "consumer", Key: security.HashPrefix + security.HashKey("sq_consumer"), Roles: []string{security.RoleConsumer}},
			{Name: "ops", Key: "sq_ops", Roles: []string{security.RoleAdmin}},
		},
	})
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}

	config := testServerConfig()
	config.Keys = keys
	server := setupTestServer(t, testQueueConfig(), config)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		value  string
		want   int
	}{
		{"publish without key", http.MethodPost, "/v1/messages", "", "", http.StatusUnauthorized},
		{"publish with unknown key", http.MethodPost, "/v1/messages", "X-API-Key", "sq_nope", http.StatusUnauthorized},
		{"publish as consumer", http.MethodPost, "/v1/messages", "X-API-Key", "sq_consumer", http.StatusForbidden},
		{"publish as admin", http.MethodPost, "/v1/messages", "X-API-Key", "sq_ops", http.StatusCreated},
		{"publish with bearer", http.MethodPost, "/v1/messages", "Authorization", "Bearer sq_ops", http.StatusCreated},
		{"stats as consumer", http.MethodGet, "/v1/stats", "X-API-Key", "sq_consumer", http.StatusOK},
		{"drain as consumer", http.MethodPost, "/v1/dead-letters/drain", "X-API-Key", "sq_consumer", http.StatusForbidden},
		{"healthz stays open", http.MethodGet, "/healthz", "", "", http.StatusOK},
		{"version stays open", http.MethodGet, "/version", "", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body *strings.Reader
			if tt.method == http.MethodPost && strings.HasPrefix(tt.path, "/v1/messages") {
				body = strings.NewReader(`{"value":"x"}`)
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			server.router.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("Expected status %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("Expected a WWW-Authenticate header")
			}
		})
	}
}
