package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shardq.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
node_id: node-a
queue:
  shard_count: 8
  capacity_per_shard: 64
  visibility_timeout: 45s
  max_retries: 5
  poll_interval: 250ms
  block_on_full: false
  default_ttl: 10m
http:
  addr: "127.0.0.1:18080"
  publish_rate: 50
  publish_burst: 10
grpc:
  enabled: false
dead_letter:
  backend: redis
  redis:
    addr: "redis:6379"
    key: "dlq"
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	q := cfg.QueueConfig()
	if q.ShardCount != 8 || q.CapacityPerShard != 64 || q.MaxRetries != 5 || q.BlockOnFull {
		t.Errorf("unexpected queue config %+v", q)
	}
	if q.VisibilityTimeout != 45*time.Second || q.PollInterval != 250*time.Millisecond {
		t.Errorf("durations not parsed: %+v", q)
	}
	if err := q.Validate(); err != nil {
		t.Errorf("queue config invalid: %v", err)
	}

	a := cfg.APIConfig()
	if a.Addr != "127.0.0.1:18080" || a.NodeID != "node-a" || a.DefaultTTL != 10*time.Minute {
		t.Errorf("unexpected api config %+v", a)
	}
	if a.PublishRate != 50 || a.PublishBurst != 10 {
		t.Errorf("rate limit not applied: %+v", a)
	}
	// Unset keys keep their defaults.
	if a.ReadTimeout != Defaults().HTTP.ReadTimeout {
		t.Errorf("ReadTimeout = %v, want default", a.ReadTimeout)
	}

	if cfg.GRPC.Enabled {
		t.Error("grpc should be disabled")
	}
	if cfg.DeadLetter.Backend != BackendRedis || cfg.DeadLetter.Redis.Addr != "redis:6379" || cfg.DeadLetter.Redis.Key != "dlq" {
		t.Errorf("unexpected dead letter config %+v", cfg.DeadLetter)
	}
	if cfg.DeadLetter.Redis.Timeout != 2*time.Second {
		t.Errorf("redis timeout default lost: %v", cfg.DeadLetter.Redis.Timeout)
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.HasPrefix(cfg.NodeID, "shardq-") || len(cfg.NodeID) != len("shardq-")+8 {
		t.Errorf("generated node id = %q", cfg.NodeID)
	}
	if cfg.QueueConfig() != Defaults().QueueConfig() {
		t.Errorf("queue config differs from defaults")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		errContains string
	}{
		{"unknown key", "queue:\n  shards: 4\n", "field shards not found"},
		{"bad duration", "queue:\n  visibility_timeout: soon\n", "time.Duration"},
		{"invalid value", "node_id: n\nqueue:\n  shard_count: -1\n", "queue.shard_count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "node_id: from-file\nqueue:\n  shard_count: 2\n")

	t.Setenv(EnvNodeID, "from-env")
	t.Setenv(EnvShardCount, "16")
	t.Setenv(EnvVisibilityTimeout, "5s")
	t.Setenv(EnvBlockOnFull, "false")
	t.Setenv(EnvGRPCEnabled, "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "from-env" {
		t.Errorf("NodeID = %q, want from-env", cfg.NodeID)
	}
	if cfg.Queue.ShardCount != 16 || cfg.Queue.VisibilityTimeout != 5*time.Second || cfg.Queue.BlockOnFull {
		t.Errorf("env not applied: %+v", cfg.Queue)
	}
	if cfg.GRPC.Enabled {
		t.Error("grpc should be disabled by env")
	}
}

func TestApplyEnv_CollectsErrors(t *testing.T) {
	env := map[string]string{
		EnvShardCount:        "many",
		EnvVisibilityTimeout: "forever",
		EnvBlockOnFull:       "perhaps",
		EnvHTTPPublishRate:   "fast",
		EnvLogLevel:          "debug",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Defaults()
	err := ApplyEnv(&cfg, lookup)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(ve.Errors) != 4 {
		t.Errorf("expected 4 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("valid variables should still apply, level = %q", cfg.Log.Level)
	}
	if cfg.Queue.ShardCount != Defaults().Queue.ShardCount {
		t.Errorf("bad variable changed shard count to %d", cfg.Queue.ShardCount)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Queue.ShardCount != Defaults().Queue.ShardCount {
		t.Errorf("empty document should keep defaults")
	}
}

func TestGRPCConfig(t *testing.T) {
	cfg := validConfig()
	cfg.GRPC.Addr = ":9100"
	cfg.GRPC.PublishRate = 5

	g := cfg.GRPCConfig()
	if g.Address != ":9100" || g.NodeID != "node-1" || g.PublishRate != 5 {
		t.Errorf("unexpected grpc config %+v", g)
	}
	if g.HealthInterval != cfg.Queue.PollInterval {
		t.Errorf("HealthInterval = %v, want poll interval", g.HealthInterval)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := validConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	logger, err := cfg.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"node_id":"node-1"`) {
		t.Errorf("unexpected json output: %s", out)
	}

	cfg.Log.Level = "loud"
	if _, err := cfg.NewLogger(&buf); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLoad_AuthFromFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
node_id: n
auth:
  enabled: true
  keys:
    - name: orders
      key: sq_orders
      roles: [producer]
`)
	t.Setenv(EnvAuthRootKey, "sq_root")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Auth.Keys) != 2 || cfg.Auth.Keys[1].Name != "root" {
		t.Fatalf("expected file key plus root key, got %+v", cfg.Auth.Keys)
	}

	store, err := cfg.KeyStore()
	if err != nil {
		t.Fatalf("KeyStore: %v", err)
	}
	key, err := store.Validate("sq_root")
	if err != nil {
		t.Fatalf("root key rejected: %v", err)
	}
	if key.Name != "root" {
		t.Errorf("key name = %q, want root", key.Name)
	}
}

func TestLoad_AuthEnabledWithoutKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "node_id: n\nauth:\n  enabled: true\n"))
	if err == nil || !strings.Contains(err.Error(), "auth.keys") {
		t.Fatalf("expected auth.keys error, got %v", err)
	}
}
