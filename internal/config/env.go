package config

import (
	"fmt"
	"strconv"
	"time"

	"shardq/internal/security"
)

// Environment variables that override file settings.
const (
	EnvNodeID = "SHARDQ_NODE_ID"

	EnvShardCount        = "SHARDQ_QUEUE_SHARD_COUNT"
	EnvCapacityPerShard  = "SHARDQ_QUEUE_CAPACITY_PER_SHARD"
	EnvVisibilityTimeout = "SHARDQ_QUEUE_VISIBILITY_TIMEOUT"
	EnvMaxRetries        = "SHARDQ_QUEUE_MAX_RETRIES"
	EnvPollInterval      = "SHARDQ_QUEUE_POLL_INTERVAL"
	EnvBlockOnFull       = "SHARDQ_QUEUE_BLOCK_ON_FULL"
	EnvDefaultTTL        = "SHARDQ_QUEUE_DEFAULT_TTL"

	EnvHTTPEnabled     = "SHARDQ_HTTP_ENABLED"
	EnvHTTPAddr        = "SHARDQ_HTTP_ADDR"
	EnvHTTPPublishRate = "SHARDQ_HTTP_PUBLISH_RATE"

	EnvGRPCEnabled = "SHARDQ_GRPC_ENABLED"
	EnvGRPCAddr    = "SHARDQ_GRPC_ADDR"

	EnvMetricsEnabled = "SHARDQ_METRICS_ENABLED"

	EnvDeadLetterBackend = "SHARDQ_DEAD_LETTER_BACKEND"
	EnvRedisAddr         = "SHARDQ_REDIS_ADDR"
	EnvRedisPassword     = "SHARDQ_REDIS_PASSWORD"
	EnvRedisDB           = "SHARDQ_REDIS_DB"
	EnvRedisKey          = "SHARDQ_REDIS_KEY"

	EnvAuthEnabled = "SHARDQ_AUTH_ENABLED"
	EnvAuthRootKey = "SHARDQ_AUTH_ROOT_KEY"

	EnvLogLevel  = "SHARDQ_LOG_LEVEL"
	EnvLogFormat = "SHARDQ_LOG_FORMAT"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// envOverlay applies variables to a Config and collects parse failures so
// every bad variable is reported at once.
type envOverlay struct {
	lookup LookupFunc
	errs   []string
}

func (e *envOverlay) stringVar(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envOverlay) intVar(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envOverlay) floatVar(key string, dst *float64) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return
	}
	*dst = f
}

func (e *envOverlay) boolVar(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}

func (e *envOverlay) durationVar(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return
	}
	*dst = d
}

// ApplyEnv overlays SHARDQ_* variables onto cfg. Unset and empty variables
// leave the current value alone. Unparseable values are returned together as
// a *ValidationError.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	e := &envOverlay{lookup: lookup}

	e.stringVar(EnvNodeID, &cfg.NodeID)

	e.intVar(EnvShardCount, &cfg.Queue.ShardCount)
	e.intVar(EnvCapacityPerShard, &cfg.Queue.CapacityPerShard)
	e.durationVar(EnvVisibilityTimeout, &cfg.Queue.VisibilityTimeout)
	e.intVar(EnvMaxRetries, &cfg.Queue.MaxRetries)
	e.durationVar(EnvPollInterval, &cfg.Queue.PollInterval)
	e.boolVar(EnvBlockOnFull, &cfg.Queue.BlockOnFull)
	e.durationVar(EnvDefaultTTL, &cfg.Queue.DefaultTTL)

	e.boolVar(EnvHTTPEnabled, &cfg.HTTP.Enabled)
	e.stringVar(EnvHTTPAddr, &cfg.HTTP.Addr)
	e.floatVar(EnvHTTPPublishRate, &cfg.HTTP.PublishRate)

	e.boolVar(EnvGRPCEnabled, &cfg.GRPC.Enabled)
	e.stringVar(EnvGRPCAddr, &cfg.GRPC.Addr)

	e.boolVar(EnvMetricsEnabled, &cfg.Metrics.Enabled)

	e.stringVar(EnvDeadLetterBackend, &cfg.DeadLetter.Backend)
	e.stringVar(EnvRedisAddr, &cfg.DeadLetter.Redis.Addr)
	e.stringVar(EnvRedisPassword, &cfg.DeadLetter.Redis.Password)
	e.intVar(EnvRedisDB, &cfg.DeadLetter.Redis.DB)
	e.stringVar(EnvRedisKey, &cfg.DeadLetter.Redis.Key)

	e.boolVar(EnvAuthEnabled, &cfg.Auth.Enabled)
	var rootKey string
	e.stringVar(EnvAuthRootKey, &rootKey)
	if rootKey != "" {
		cfg.Auth.Keys = append(cfg.Auth.Keys, security.KeyConfig{
			Name:  "root",
			Key:   rootKey,
			Roles: []string{security.RoleAdmin},
		})
	}

	e.stringVar(EnvLogLevel, &cfg.Log.Level)
	e.stringVar(EnvLogFormat, &cfg.Log.Format)

	if len(e.errs) > 0 {
		return &ValidationError{Errors: e.errs}
	}
	return nil
}
