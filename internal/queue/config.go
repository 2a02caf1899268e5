package queue

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"shardq/internal/metrics"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds construction-time settings for a Router and its shards.
type Config struct {
	// ShardCount is the number of independently locked shards.
	// Fixed for the life of the router.
	ShardCount int

	// CapacityPerShard bounds the FIFO length seen by producers.
	CapacityPerShard int

	// VisibilityTimeout is how long a consumer has to Ack a delivery
	// before it is reclaimed for redelivery.
	VisibilityTimeout time.Duration

	// MaxRetries is the number of redeliveries a message may receive.
	// The next missed Ack after that retires it to the dead-letter sink.
	MaxRetries int

	// PollInterval caps how long a shard's redelivery loop sleeps.
	// The loop normally wakes on the nearest visibility deadline; this is
	// the upper bound and the liveness heartbeat period.
	PollInterval time.Duration

	// BlockOnFull makes Publish wait for capacity. When false, a full shard
	// answers ErrShardFull immediately.
	BlockOnFull bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShardCount:        4,
		CapacityPerShard:  1024,
		VisibilityTimeout: 30 * time.Second,
		MaxRetries:        3,
		PollInterval:      500 * time.Millisecond,
		BlockOnFull:       true,
	}
}

// Validate checks the configuration and reports every problem at once.
func (c Config) Validate() error {
	var problems []string

	if c.ShardCount <= 0 {
		problems = append(problems, "shard count must be positive")
	} else if c.ShardCount > MaxShards {
		problems = append(problems, fmt.Sprintf("shard count must be at most %d", MaxShards))
	}
	if c.CapacityPerShard <= 0 {
		problems = append(problems, "capacity per shard must be positive")
	}
	if c.VisibilityTimeout <= 0 {
		problems = append(problems, "visibility timeout must be positive")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "max retries must not be negative")
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "poll interval must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// =============================================================================
// OPTIONS
// =============================================================================

// options carries the collaborators a router hands to its shards.
type options[T any] struct {
	logger  *slog.Logger
	metrics *metrics.Registry
	sink    DeadLetterSink[T]
}

// Option customizes a Router.
type Option[T any] func(*options[T])

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(o *options[T]) { o.logger = logger }
}

// WithMetrics records Prometheus metrics into the given registry.
// Without it the global registry is used when one was initialized.
func WithMetrics[T any](registry *metrics.Registry) Option[T] {
	return func(o *options[T]) { o.metrics = registry }
}

// WithDeadLetterSink replaces the default in-memory sink.
func WithDeadLetterSink[T any](sink DeadLetterSink[T]) Option[T] {
	return func(o *options[T]) { o.sink = sink }
}
