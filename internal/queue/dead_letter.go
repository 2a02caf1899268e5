package queue

import (
	"context"
	"fmt"
	"sync"
)

// =============================================================================
// DEAD-LETTER SINK
// =============================================================================
//
// The sink is the terminal home of messages the queue gave up on. Each shard's
// redelivery loop calls Put exactly once per retired id, outside the shard
// lock. A slow Put delays that shard's redeliveries but not its producers or
// consumers.
//
// A failed Put is logged and counted by the shard. It is not retried: the id
// has already left in-flight and the FIFO.
//
// =============================================================================

// DeadLetterSink receives retired messages.
type DeadLetterSink[T any] interface {
	// Put appends a dead letter.
	Put(ctx context.Context, dl DeadLetter[T]) error

	// Drain removes and returns everything stored, oldest first.
	Drain(ctx context.Context) ([]DeadLetter[T], error)

	// Len reports how many dead letters are stored.
	Len(ctx context.Context) (int, error)
}

// MemorySink is the default in-process sink.
//
// It rejects a second Put for an id it still holds with
// ErrDuplicateDeadLetter. Drain forgets the drained ids.
type MemorySink[T any] struct {
	mu      sync.Mutex
	letters []DeadLetter[T]
	seen    map[uint64]struct{}
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink[T any]() *MemorySink[T] {
	return &MemorySink[T]{
		seen: make(map[uint64]struct{}),
	}
}

// Put implements DeadLetterSink.
func (s *MemorySink[T]) Put(_ context.Context, dl DeadLetter[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := dl.Message.ID
	if _, dup := s.seen[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateDeadLetter, FormatID(id))
	}
	s.seen[id] = struct{}{}
	s.letters = append(s.letters, dl)
	return nil
}

// Drain implements DeadLetterSink.
func (s *MemorySink[T]) Drain(_ context.Context) ([]DeadLetter[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.letters
	s.letters = nil
	clear(s.seen)
	return out, nil
}

// Len implements DeadLetterSink.
func (s *MemorySink[T]) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters), nil
}

// Snapshot returns a copy of the stored dead letters without draining them.
func (s *MemorySink[T]) Snapshot() []DeadLetter[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DeadLetter[T], len(s.letters))
	copy(out, s.letters)
	return out
}

var _ DeadLetterSink[[]byte] = (*MemorySink[[]byte])(nil)
