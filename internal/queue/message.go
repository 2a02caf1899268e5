// =============================================================================
// MESSAGE - THE UNIT OF DELIVERY
// =============================================================================
//
// WHAT IS A MESSAGE?
// A message wraps an opaque caller payload with the metadata the queue needs
// to deliver it at least once:
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │ MESSAGE                                                                 │
//   │                                                                         │
//   │   ID           uint64   shard (16 bits) | sequence (48 bits)            │
//   │   Payload      T        never inspected by the queue                    │
//   │   ShardID      int      owning shard, never changes                     │
//   │   EnqueuedAt   time     first publish                                   │
//   │   TTL          dur      time-to-live requested by the producer          │
//   │   ExpiresAt    time     EnqueuedAt + TTL, NEVER extended by retries     │
//   │   DeliveredAt  time     last hand-off to a consumer                     │
//   │   RetryCount   int      number of redeliveries so far                   │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// ID LAYOUT:
//
//   63            48 47                                               0
//   ┌──────────────┬──────────────────────────────────────────────────┐
//   │   shard id   │               per-shard sequence                 │
//   └──────────────┴──────────────────────────────────────────────────┘
//
// Embedding the shard in the id lets the router route an Ack(id) without a
// lookup table: the shard is stamped on the message at first publish and
// the id travels with every redelivery.
//
// LOCATION INVARIANT:
// A live message id is in exactly one of:
//   - the shard FIFO          (waiting for first delivery or redelivery)
//   - the shard in-flight map (delivered, waiting for Ack)
//   - the dead-letter sink    (terminal)
//
// =============================================================================

package queue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// ERROR DEFINITIONS
// =============================================================================

var (
	// ErrShardFull is returned by Publish on a full shard when the queue is
	// configured not to block producers.
	ErrShardFull = errors.New("shard is full")

	// ErrShuttingDown is returned by every call once Close has started.
	// Blocked producers and consumers are woken with it.
	ErrShuttingDown = errors.New("queue is shutting down")

	// ErrInvalidConfig wraps configuration problems found at construction.
	ErrInvalidConfig = errors.New("invalid queue configuration")

	// ErrInvalidShard means a caller addressed a shard that does not exist.
	ErrInvalidShard = errors.New("invalid shard")

	// ErrDuplicateDeadLetter means a sink was handed the same id twice.
	ErrDuplicateDeadLetter = errors.New("message already dead-lettered")

	// errExpiredBeforeDelivery marks a message dropped at the head of the
	// FIFO. It never leaves the package.
	errExpiredBeforeDelivery = errors.New("message expired before delivery")
)

// =============================================================================
// MESSAGE ID
// =============================================================================

const (
	// shardBits is the number of high bits reserved for the shard index.
	shardBits = 16

	// sequenceBits is what remains for the per-shard sequence.
	sequenceBits = 64 - shardBits

	// MaxShards is the largest shard count an id can address.
	MaxShards = 1 << shardBits

	sequenceMask = (uint64(1) << sequenceBits) - 1
)

// makeID packs a shard index and a sequence number into a message id.
func makeID(shard int, seq uint64) uint64 {
	return uint64(shard)<<sequenceBits | (seq & sequenceMask)
}

// ShardOf returns the shard index encoded in a message id.
func ShardOf(id uint64) int {
	return int(id >> sequenceBits)
}

// SequenceOf returns the per-shard sequence encoded in a message id.
func SequenceOf(id uint64) uint64 {
	return id & sequenceMask
}

// FormatID renders an id as "shard/sequence" for logs and CLI output.
func FormatID(id uint64) string {
	return fmt.Sprintf("%d/%d", ShardOf(id), SequenceOf(id))
}

// ParseID accepts either the decimal id or the "shard/sequence" form.
func ParseID(s string) (uint64, error) {
	shardPart, seqPart, found := strings.Cut(s, "/")
	if !found {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid message id %q", s)
		}
		return id, nil
	}

	shard, err := strconv.Atoi(shardPart)
	if err != nil || shard < 0 || shard >= MaxShards {
		return 0, fmt.Errorf("invalid shard in message id %q", s)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil || seq > sequenceMask {
		return 0, fmt.Errorf("invalid sequence in message id %q", s)
	}
	return makeID(shard, seq), nil
}

// =============================================================================
// MESSAGE
// =============================================================================

// Message is a payload plus its queueing metadata.
//
// Consumers always receive a copy; mutating it has no effect on the queue.
type Message[T any] struct {
	ID          uint64
	Payload     T
	ShardID     int
	EnqueuedAt  time.Time
	TTL         time.Duration
	ExpiresAt   time.Time
	DeliveredAt time.Time
	RetryCount  int
}

// newMessage stamps a freshly published payload.
func newMessage[T any](id uint64, shard int, payload T, ttl time.Duration, now time.Time) *Message[T] {
	return &Message[T]{
		ID:         id,
		Payload:    payload,
		ShardID:    shard,
		EnqueuedAt: now,
		TTL:        ttl,
		ExpiresAt:  now.Add(ttl),
	}
}

// Expired reports whether the message's TTL has elapsed at now.
// A TTL of zero or less is expired immediately.
func (m *Message[T]) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// VisibilityDeadline is when an unacknowledged delivery becomes eligible for
// redelivery.
func (m *Message[T]) VisibilityDeadline(visibilityTimeout time.Duration) time.Time {
	return m.DeliveredAt.Add(visibilityTimeout)
}

// =============================================================================
// DEAD LETTERS
// =============================================================================

// DeadLetterReason indicates why a message was retired to the sink.
type DeadLetterReason string

const (
	// ReasonMaxRetriesExceeded means the message used up its redeliveries.
	ReasonMaxRetriesExceeded DeadLetterReason = "MAX_RETRIES_EXCEEDED"

	// ReasonExpiredBeforeAck means the TTL ran out while the message was
	// in flight, so it can never be redelivered.
	ReasonExpiredBeforeAck DeadLetterReason = "EXPIRED_BEFORE_ACK"
)

// DeadLetter is the terminal record of a retired message.
type DeadLetter[T any] struct {
	Message        Message[T]
	RetryCount     int
	Reason         DeadLetterReason
	DeadLetteredAt time.Time
}
