package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"shardq/internal/queue"
)

// =============================================================================
// CONFIG VALIDATION
// =============================================================================
//
//   FAIL-FAST: Bad config -> immediate, clear error -> fix before traffic hits
//   FAIL-LAZY: Bad config -> server starts -> first publish fails
//
//   PATTERN: ACCUMULATE ERRORS
//   Every problem is collected and returned together so the operator can fix
//   everything in one pass.
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

// Error formats all validation errors as a numbered list.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks the configuration for common mistakes.
// Returns nil if valid, or a *ValidationError with all problems found.
func (c Config) Validate() error {
	var errs []string

	if c.NodeID == "" {
		errs = append(errs, "node_id: must not be empty")
	} else if strings.ContainsAny(c.NodeID, " \t\n\r") {
		errs = append(errs, "node_id: must not contain whitespace")
	}

	errs = append(errs, c.validateQueue()...)

	if !c.HTTP.Enabled && !c.GRPC.Enabled {
		errs = append(errs, "http, grpc: at least one API must be enabled")
	}
	if c.HTTP.Enabled {
		errs = append(errs, validateListener("http", c.HTTP.Addr, c.HTTP.MaxWait, c.HTTP.PublishRate, c.HTTP.PublishBurst)...)
		if c.HTTP.WriteTimeout > 0 && c.HTTP.MaxWait >= c.HTTP.WriteTimeout {
			errs = append(errs, fmt.Sprintf("http.max_wait: %s must be shorter than write_timeout %s", c.HTTP.MaxWait, c.HTTP.WriteTimeout))
		}
	}
	if c.GRPC.Enabled {
		errs = append(errs, validateListener("grpc", c.GRPC.Addr, c.GRPC.MaxWait, c.GRPC.PublishRate, c.GRPC.PublishBurst)...)
		if c.GRPC.MaxRecvMsgSize <= 0 || c.GRPC.MaxSendMsgSize <= 0 {
			errs = append(errs, "grpc: max_recv_msg_size and max_send_msg_size must be positive")
		}
	}

	switch c.DeadLetter.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.DeadLetter.Redis.Addr == "" {
			errs = append(errs, "dead_letter.redis.addr: must not be empty with the redis backend")
		} else if err := validateAddress(c.DeadLetter.Redis.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("dead_letter.redis.addr: invalid: %v", err))
		}
		if c.DeadLetter.Redis.DB < 0 {
			errs = append(errs, fmt.Sprintf("dead_letter.redis.db: must be >= 0, got %d", c.DeadLetter.Redis.DB))
		}
	default:
		errs = append(errs, fmt.Sprintf("dead_letter.backend: unknown backend %q (want memory or redis)", c.DeadLetter.Backend))
	}

	errs = append(errs, c.Auth.Validate()...)

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Sprintf("log.format: unknown format %q (want text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func (c Config) validateQueue() []string {
	var errs []string

	q := c.Queue
	if q.ShardCount <= 0 || q.ShardCount > queue.MaxShards {
		errs = append(errs, fmt.Sprintf("queue.shard_count: must be in 1..%d, got %d", queue.MaxShards, q.ShardCount))
	}
	if q.CapacityPerShard <= 0 {
		errs = append(errs, fmt.Sprintf("queue.capacity_per_shard: must be > 0, got %d", q.CapacityPerShard))
	}
	if q.VisibilityTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("queue.visibility_timeout: must be > 0, got %s", q.VisibilityTimeout))
	}
	if q.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("queue.max_retries: must be >= 0, got %d", q.MaxRetries))
	}
	if q.PollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("queue.poll_interval: must be > 0, got %s", q.PollInterval))
	}
	if q.DefaultTTL <= 0 {
		errs = append(errs, fmt.Sprintf("queue.default_ttl: must be > 0, got %s", q.DefaultTTL))
	}
	return errs
}

func validateListener(section, addr string, maxWait time.Duration, rate float64, burst int) []string {
	var errs []string

	if addr == "" {
		errs = append(errs, section+".addr: must not be empty")
	} else if err := validateAddress(addr); err != nil {
		errs = append(errs, fmt.Sprintf("%s.addr: invalid: %v", section, err))
	}
	if maxWait < 0 {
		errs = append(errs, fmt.Sprintf("%s.max_wait: must be >= 0, got %s", section, maxWait))
	}
	if rate < 0 {
		errs = append(errs, fmt.Sprintf("%s.publish_rate: must be >= 0, got %g", section, rate))
	}
	if rate > 0 && burst <= 0 {
		errs = append(errs, fmt.Sprintf("%s.publish_burst: must be > 0 when publish_rate is set, got %d", section, burst))
	}
	return errs
}

// validateAddress checks that a string is a valid host:port or :port address.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
