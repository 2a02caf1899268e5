// Package deadletter provides dead-letter sinks that live outside the queue
// process, so operators can inspect and replay retired messages after the
// broker is gone.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"shardq/internal/queue"
)

// Config configures the Redis sink.
type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a sink pointed at a local Redis.
func DefaultConfig() Config {
	return Config{
		Addr:    "localhost:6379",
		Key:     "shardq:dead-letters",
		Timeout: 2 * time.Second,
	}
}

// ErrClosed is returned by every method called after Close.
var ErrClosed = errors.New("dead-letter sink closed")

// RedisSink stores dead letters as JSON records on a Redis list.
//
//	RPUSH <key> <record>          Put
//	MULTI LRANGE <key> 0 -1; DEL  Drain
//	LLEN <key>                    Len
//
// Every call is bounded by Timeout. Shards call Put from their redelivery
// loop, so a slow Redis delays retirement but never publish or consume.
type RedisSink struct {
	client  redis.UniversalClient
	key     string
	timeout time.Duration
	owned   bool
	closed  atomic.Bool
	logger  *slog.Logger
}

// record is the stored JSON form of a dead letter.
type record struct {
	ID             uint64    `json:"id"`
	Shard          int       `json:"shard"`
	Payload        []byte    `json:"payload"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	TTLMillis      int64     `json:"ttl_ms"`
	ExpiresAt      time.Time `json:"expires_at"`
	DeliveredAt    time.Time `json:"delivered_at"`
	RetryCount     int       `json:"retry_count"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, errors.New("deadletter: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := NewWithClient(client, cfg.Key, cfg.Timeout)
	s.owned = true

	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("deadletter: connect %s: %w", cfg.Addr, err)
	}
	return s, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client redis.UniversalClient, key string, timeout time.Duration) *RedisSink {
	defaults := DefaultConfig()
	if key == "" {
		key = defaults.Key
	}
	if timeout <= 0 {
		timeout = defaults.Timeout
	}
	return &RedisSink{
		client:  client,
		key:     key,
		timeout: timeout,
		logger:  slog.Default().With("component", "deadletter", "backend", "redis", "key", key),
	}
}

// Put implements queue.DeadLetterSink.
func (s *RedisSink) Put(ctx context.Context, dl queue.DeadLetter[[]byte]) error {
	if s.closed.Load() {
		return ErrClosed
	}
	b, err := json.Marshal(toRecord(dl))
	if err != nil {
		return fmt.Errorf("deadletter: encode %s: %w", queue.FormatID(dl.Message.ID), err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.RPush(ctx, s.key, b).Err(); err != nil {
		return fmt.Errorf("deadletter: rpush: %w", err)
	}
	return nil
}

// Drain implements queue.DeadLetterSink. Read and delete run in one MULTI
// so concurrent Puts land either in this batch or the next one.
func (s *RedisSink) Drain(ctx context.Context) ([]queue.DeadLetter[[]byte], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	items := pipe.LRange(ctx, s.key, 0, -1)
	pipe.Del(ctx, s.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("deadletter: drain: %w", err)
	}

	raw := items.Val()
	out := make([]queue.DeadLetter[[]byte], 0, len(raw))
	for _, item := range raw {
		var rec record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			// Already deleted from Redis; log so the payload is not lost silently.
			s.logger.Error("dropping undecodable dead letter", "record", item, "error", err)
			continue
		}
		out = append(out, rec.deadLetter())
	}
	return out, nil
}

// Len implements queue.DeadLetterSink.
func (s *RedisSink) Len(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("deadletter: llen: %w", err)
	}
	return int(n), nil
}

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close stops the sink and releases the client if the sink created it.
// Closing twice is a no-op.
func (s *RedisSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) || !s.owned {
		return nil
	}
	return s.client.Close()
}

func toRecord(dl queue.DeadLetter[[]byte]) record {
	m := dl.Message
	return record{
		ID:             m.ID,
		Shard:          m.ShardID,
		Payload:        m.Payload,
		EnqueuedAt:     m.EnqueuedAt,
		TTLMillis:      m.TTL.Milliseconds(),
		ExpiresAt:      m.ExpiresAt,
		DeliveredAt:    m.DeliveredAt,
		RetryCount:     m.RetryCount,
		Reason:         string(dl.Reason),
		DeadLetteredAt: dl.DeadLetteredAt,
	}
}

func (r record) deadLetter() queue.DeadLetter[[]byte] {
	return queue.DeadLetter[[]byte]{
		Message: queue.Message[[]byte]{
			ID:          r.ID,
			Payload:     r.Payload,
			ShardID:     r.Shard,
			EnqueuedAt:  r.EnqueuedAt,
			TTL:         time.Duration(r.TTLMillis) * time.Millisecond,
			ExpiresAt:   r.ExpiresAt,
			DeliveredAt: r.DeliveredAt,
			RetryCount:  r.RetryCount,
		},
		RetryCount:     r.RetryCount,
		Reason:         queue.DeadLetterReason(r.Reason),
		DeadLetteredAt: r.DeadLetteredAt,
	}
}

var _ queue.DeadLetterSink[[]byte] = (*RedisSink)(nil)
