// =============================================================================
// SERVER CONFIGURATION - FILE, ENVIRONMENT, DEFAULTS
// =============================================================================
//
// LOAD ORDER (later wins):
//
//   ┌──────────────┐   ┌──────────────────────┐   ┌───────────────┐   ┌──────────┐
//   │  Defaults()  │──►│ YAML file (optional) │──►│ SHARDQ_* env  │──►│ Validate │
//   └──────────────┘   └──────────────────────┘   └───────────────┘   └──────────┘
//
// FILE FORMAT (durations are Go duration strings):
//
//   node_id: shardq-1
//   queue:
//     shard_count: 8
//     capacity_per_shard: 1024
//     visibility_timeout: 30s
//     max_retries: 3
//     poll_interval: 500ms
//     block_on_full: true
//     default_ttl: 1h
//   http:
//     addr: ":8080"
//     publish_rate: 500
//   grpc:
//     enabled: true
//     addr: ":9000"
//   metrics:
//     enabled: true
//   dead_letter:
//     backend: redis
//     redis:
//       addr: localhost:6379
//       key: shardq:dead-letters
//   auth:
//     enabled: true
//     keys:
//       - name: orders
//         key: "sha256:<hex digest>"
//         roles: [producer]
//   log:
//     level: info
//     format: json
//
// Unknown keys are rejected so a typo does not silently fall back to a default.
//
// =============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"shardq/internal/api"
	"shardq/internal/deadletter"
	grpcserver "shardq/internal/grpc"
	"shardq/internal/metrics"
	"shardq/internal/queue"
	"shardq/internal/security"
)

// Dead-letter backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the full server configuration.
type Config struct {
	NodeID     string           `yaml:"node_id"`
	Queue      QueueConfig      `yaml:"queue"`
	HTTP       HTTPConfig       `yaml:"http"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	Metrics    metrics.Config   `yaml:"metrics"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Auth       security.Config  `yaml:"auth"`
	Log        LogConfig        `yaml:"log"`
}

// QueueConfig configures the router.
type QueueConfig struct {
	ShardCount        int           `yaml:"shard_count"`
	CapacityPerShard  int           `yaml:"capacity_per_shard"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	BlockOnFull       bool          `yaml:"block_on_full"`

	// DefaultTTL applies to publishes that carry no ttl.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// HTTPConfig configures the REST API.
type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxWait      time.Duration `yaml:"max_wait"`
	PublishRate  float64       `yaml:"publish_rate"`
	PublishBurst int           `yaml:"publish_burst"`
}

// GRPCConfig configures the gRPC API.
type GRPCConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Addr             string        `yaml:"addr"`
	MaxRecvMsgSize   int           `yaml:"max_recv_msg_size"`
	MaxSendMsgSize   int           `yaml:"max_send_msg_size"`
	KeepaliveTime    time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
	Reflection       bool          `yaml:"reflection"`
	MaxWait          time.Duration `yaml:"max_wait"`
	PublishRate      float64       `yaml:"publish_rate"`
	PublishBurst     int           `yaml:"publish_burst"`
}

// DeadLetterConfig selects where retired messages go.
type DeadLetterConfig struct {
	// Backend is "memory" (lost on restart) or "redis".
	Backend string            `yaml:"backend"`
	Redis   deadletter.Config `yaml:"redis"`
}

// LogConfig configures the process-wide slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Defaults returns a configuration that runs a single node on localhost.
func Defaults() Config {
	q := queue.DefaultConfig()
	h := api.DefaultServerConfig()
	g := grpcserver.DefaultServerConfig()

	return Config{
		Queue: QueueConfig{
			ShardCount:        q.ShardCount,
			CapacityPerShard:  q.CapacityPerShard,
			VisibilityTimeout: q.VisibilityTimeout,
			MaxRetries:        q.MaxRetries,
			PollInterval:      q.PollInterval,
			BlockOnFull:       q.BlockOnFull,
			DefaultTTL:        time.Hour,
		},
		HTTP: HTTPConfig{
			Enabled:      true,
			Addr:         h.Addr,
			ReadTimeout:  h.ReadTimeout,
			WriteTimeout: h.WriteTimeout,
			IdleTimeout:  h.IdleTimeout,
			MaxWait:      h.MaxWait,
			PublishBurst: h.PublishBurst,
		},
		GRPC: GRPCConfig{
			Enabled:          true,
			Addr:             g.Address,
			MaxRecvMsgSize:   g.MaxRecvMsgSize,
			MaxSendMsgSize:   g.MaxSendMsgSize,
			KeepaliveTime:    g.KeepaliveTime,
			KeepaliveTimeout: g.KeepaliveTimeout,
			Reflection:       g.EnableReflection,
			MaxWait:          g.MaxWait,
			PublishBurst:     g.PublishBurst,
		},
		Metrics: metrics.DefaultConfig(),
		DeadLetter: DeadLetterConfig{
			Backend: BackendMemory,
			Redis:   deadletter.DefaultConfig(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if cfg.NodeID == "" {
		cfg.NodeID = DefaultNodeID()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML onto the defaults without touching the environment.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// DefaultNodeID returns a random "shardq-xxxxxxxx" id.
func DefaultNodeID() string {
	return "shardq-" + uuid.NewString()[:8]
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// QueueConfig returns the router configuration.
func (c Config) QueueConfig() queue.Config {
	return queue.Config{
		ShardCount:        c.Queue.ShardCount,
		CapacityPerShard:  c.Queue.CapacityPerShard,
		VisibilityTimeout: c.Queue.VisibilityTimeout,
		MaxRetries:        c.Queue.MaxRetries,
		PollInterval:      c.Queue.PollInterval,
		BlockOnFull:       c.Queue.BlockOnFull,
	}
}

// APIConfig returns the HTTP server configuration.
func (c Config) APIConfig() api.ServerConfig {
	return api.ServerConfig{
		Addr:         c.HTTP.Addr,
		ReadTimeout:  c.HTTP.ReadTimeout,
		WriteTimeout: c.HTTP.WriteTimeout,
		IdleTimeout:  c.HTTP.IdleTimeout,
		NodeID:       c.NodeID,
		DefaultTTL:   c.Queue.DefaultTTL,
		MaxWait:      c.HTTP.MaxWait,
		PublishRate:  c.HTTP.PublishRate,
		PublishBurst: c.HTTP.PublishBurst,
	}
}

// GRPCConfig returns the gRPC server configuration.
func (c Config) GRPCConfig() grpcserver.ServerConfig {
	g := grpcserver.DefaultServerConfig()
	g.Address = c.GRPC.Addr
	g.MaxRecvMsgSize = c.GRPC.MaxRecvMsgSize
	g.MaxSendMsgSize = c.GRPC.MaxSendMsgSize
	g.KeepaliveTime = c.GRPC.KeepaliveTime
	g.KeepaliveTimeout = c.GRPC.KeepaliveTimeout
	g.EnableReflection = c.GRPC.Reflection
	g.NodeID = c.NodeID
	g.DefaultTTL = c.Queue.DefaultTTL
	g.MaxWait = c.GRPC.MaxWait
	g.PublishRate = c.GRPC.PublishRate
	g.PublishBurst = c.GRPC.PublishBurst
	g.HealthInterval = c.Queue.PollInterval
	return g
}

// KeyStore builds the API key store, or nil when auth is disabled.
func (c Config) KeyStore() (*security.KeyStore, error) {
	return security.NewKeyStore(c.Auth)
}

// MetricsConfig returns the metrics registry configuration.
func (c Config) MetricsConfig() metrics.Config {
	return c.Metrics
}
