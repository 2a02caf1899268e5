// =============================================================================
// ROUTER - THE QUEUE'S PUBLIC FACE
// =============================================================================
//
// The router owns a fixed set of shards and presents them as one queue:
//
//   producer ──Publish(key)──► placer ──► shard[i].Publish
//
//   consumer ──Consume(i)────► shard[i].Consume            (one shard)
//   consumer ──Consume(Any)──► scan shards from cursor     (any shard)
//                                 │ all empty
//                                 ▼
//                              wait on router readiness broadcast
//
//   consumer ──Ack(id)───────► shard[ShardOf(id)].Ack
//
// CROSS-SHARD CONSUME:
// The readiness channel is read BEFORE the scan. Any append that lands on a
// shard the scan already passed closes that channel (or a later one, which
// means the captured one was already closed), so a consumer never sleeps
// through a publish. The scan starts at a cursor that moves past the shard
// that served the previous message, so one busy shard cannot starve the rest.
//
// =============================================================================

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// AnyShard asks Consume to take from whichever shard has a message.
const AnyShard = -1

// Router fans a single queue API out over independent shards.
type Router[T any] struct {
	cfg    Config
	shards []*Shard[T]
	placer Placer
	sink   DeadLetterSink[T]
	logger *slog.Logger

	readyMu sync.Mutex
	ready   chan struct{}

	cursor    atomic.Uint64
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// RouterStats aggregates every shard's snapshot.
type RouterStats struct {
	ShardCount   int          `json:"shard_count"`
	FIFODepth    int          `json:"fifo_depth"`
	InFlight     int          `json:"in_flight"`
	Published    uint64       `json:"published"`
	Delivered    uint64       `json:"delivered"`
	Acked        uint64       `json:"acked"`
	Expired      uint64       `json:"expired"`
	Redelivered  uint64       `json:"redelivered"`
	DeadLettered uint64       `json:"dead_lettered"`
	Shards       []ShardStats `json:"shards"`
}

// NewRouter validates cfg, builds cfg.ShardCount shards and starts their
// redelivery loops.
func NewRouter[T any](cfg Config, opts ...Option[T]) (*Router[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options[T]{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.sink == nil {
		o.sink = NewMemorySink[T]()
	}
	m := queueMetricsFrom(o.metrics)

	r := &Router[T]{
		cfg:    cfg,
		shards: make([]*Shard[T], cfg.ShardCount),
		placer: &DefaultPlacer{},
		sink:   o.sink,
		logger: o.logger.With("component", "router"),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	for i := range r.shards {
		r.shards[i] = newShard(i, cfg, o.logger, o.sink, m, r.signalReady)
	}
	for _, s := range r.shards {
		s.start()
	}

	r.logger.Info("router started",
		"shards", cfg.ShardCount,
		"capacity_per_shard", cfg.CapacityPerShard,
		"visibility_timeout", cfg.VisibilityTimeout,
		"max_retries", cfg.MaxRetries,
		"block_on_full", cfg.BlockOnFull,
	)
	return r, nil
}

// Config returns the configuration the router was built with.
func (r *Router[T]) Config() Config {
	return r.cfg
}

// ShardCount returns the fixed number of shards.
func (r *Router[T]) ShardCount() int {
	return len(r.shards)
}

// Shard returns shard i, or nil when out of range.
func (r *Router[T]) Shard(i int) *Shard[T] {
	if i < 0 || i >= len(r.shards) {
		return nil
	}
	return r.shards[i]
}

// =============================================================================
// PUBLISH
// =============================================================================

// Publish places payload on a shard and enqueues it.
//
// An empty key round-robins across shards. A non-empty key always lands on
// the same shard.
func (r *Router[T]) Publish(ctx context.Context, key string, payload T, ttl time.Duration) (uint64, error) {
	if r.closed.Load() {
		return 0, ErrShuttingDown
	}
	return r.shards[r.placer.Place(key, len(r.shards))].Publish(ctx, payload, ttl)
}

// PublishToShard enqueues payload on an explicit shard.
func (r *Router[T]) PublishToShard(ctx context.Context, shard int, payload T, ttl time.Duration) (uint64, error) {
	if shard < 0 || shard >= len(r.shards) {
		return 0, fmt.Errorf("%w: %d (have %d)", ErrInvalidShard, shard, len(r.shards))
	}
	if r.closed.Load() {
		return 0, ErrShuttingDown
	}
	return r.shards[shard].Publish(ctx, payload, ttl)
}

// ShardFor reports which shard a key maps to. Keyless placement is not
// predictable and returns AnyShard.
func (r *Router[T]) ShardFor(key string) int {
	if key == "" {
		return AnyShard
	}
	return KeyHashPlacer{}.Place(key, len(r.shards))
}

// =============================================================================
// CONSUME
// =============================================================================

// Consume returns the next message. shardHint selects one shard, or AnyShard
// to take from whichever shard is ready first.
func (r *Router[T]) Consume(ctx context.Context, shardHint int) (Message[T], error) {
	if shardHint == AnyShard {
		return r.consumeAny(ctx)
	}
	if shardHint < 0 || shardHint >= len(r.shards) {
		return Message[T]{}, fmt.Errorf("%w: %d (have %d)", ErrInvalidShard, shardHint, len(r.shards))
	}
	return r.shards[shardHint].Consume(ctx)
}

func (r *Router[T]) consumeAny(ctx context.Context) (Message[T], error) {
	n := len(r.shards)
	for {
		if r.closed.Load() {
			return Message[T]{}, ErrShuttingDown
		}

		wait := r.readyChan()

		first := int(r.cursor.Load() % uint64(n))
		for i := 0; i < n; i++ {
			idx := (first + i) % n
			msg, ok, err := r.shards[idx].TryConsume()
			if err != nil {
				return Message[T]{}, err
			}
			if ok {
				r.cursor.Store(uint64(idx + 1))
				return msg, nil
			}
		}

		select {
		case <-wait:
		case <-r.done:
			return Message[T]{}, ErrShuttingDown
		case <-ctx.Done():
			return Message[T]{}, ctx.Err()
		}
	}
}

func (r *Router[T]) readyChan() <-chan struct{} {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()
	return r.ready
}

// signalReady wakes cross-shard consumers. Shards call it after releasing
// their own lock.
func (r *Router[T]) signalReady() {
	r.readyMu.Lock()
	close(r.ready)
	r.ready = make(chan struct{})
	r.readyMu.Unlock()
}

// =============================================================================
// ACK
// =============================================================================

// Ack acknowledges a delivered message. Ids that name no shard are ignored,
// like any other unknown id.
func (r *Router[T]) Ack(id uint64) error {
	shard := ShardOf(id)
	if shard >= len(r.shards) {
		if r.closed.Load() {
			return ErrShuttingDown
		}
		return nil
	}
	return r.shards[shard].Ack(id)
}

// =============================================================================
// DEAD LETTERS AND INTROSPECTION
// =============================================================================

// DrainDeadLetters removes and returns everything in the dead-letter sink.
// It keeps working after Close so operators can collect what was retired.
func (r *Router[T]) DrainDeadLetters(ctx context.Context) ([]DeadLetter[T], error) {
	return r.sink.Drain(ctx)
}

// DeadLetterCount reports how many dead letters are waiting to be drained.
func (r *Router[T]) DeadLetterCount(ctx context.Context) (int, error) {
	return r.sink.Len(ctx)
}

// Stats returns a snapshot of every shard plus totals.
func (r *Router[T]) Stats() RouterStats {
	stats := RouterStats{
		ShardCount: len(r.shards),
		Shards:     make([]ShardStats, 0, len(r.shards)),
	}
	for _, s := range r.shards {
		ss := s.Stats()
		stats.Shards = append(stats.Shards, ss)
		stats.FIFODepth += ss.FIFODepth
		stats.InFlight += ss.InFlight
		stats.Published += ss.Published
		stats.Delivered += ss.Delivered
		stats.Acked += ss.Acked
		stats.Expired += ss.Expired
		stats.Redelivered += ss.Redelivered
		stats.DeadLettered += ss.DeadLettered
	}
	return stats
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Close stops every shard. Blocked publishers and consumers return
// ErrShuttingDown, background loops are joined, and in-flight messages are
// dropped. Close is idempotent.
func (r *Router[T]) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)

		for _, s := range r.shards {
			s.close()
		}
		r.logger.Info("router stopped")
	})
	return nil
}
