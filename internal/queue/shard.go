// =============================================================================
// SHARD - ONE INDEPENDENT QUEUE
// =============================================================================
//
// A shard owns three structures and one mutex that guards all of them:
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │ SHARD n                                      mu (sync.Mutex)            │
//   │                                                                         │
//   │   fifo       [m4][m5][m6][m2']      ← publish appends, consume pops     │
//   │                              ▲                                          │
//   │                              │ redelivery (retry count +1, same id)     │
//   │   inFlight   {m1, m2, m3} ───┘                                          │
//   │                 │                                                       │
//   │   retry      heap of visibility deadlines for inFlight ids              │
//   └─────────────────┼───────────────────────────────────────────────────────┘
//                     │ max retries used up / TTL gone
//                     ▼
//               dead-letter sink
//
// Every queue transition happens under the same lock, so a message is never
// observed in two places at once. A retired message leaves in-flight under the
// lock; the loop then hands it to the sink with the lock released, so a slow
// sink never blocks publish, consume or ack.
//
// BLOCKING:
// Producers wait for room and consumers wait for messages on broadcast
// channels. A waiter reads the current channel under the lock, releases the
// lock, and selects on it together with its context and the shard's done
// channel. A state change closes the channel and installs a fresh one, which
// wakes every waiter; each re-checks its condition under the lock.
//
// REDELIVERY LOOP:
// One goroutine per shard sleeps until the earliest visibility deadline,
// capped at PollInterval. Consume nudges it through a 1-buffered wake channel
// when it schedules a deadline earlier than the one the loop is sleeping on.
// Each iteration stamps a heartbeat that Router.Health reads.
//
// CAPACITY:
// Capacity gates producers only. Reclaimed messages are always appended so the
// loop never blocks; the FIFO can exceed capacity by at most the number of
// messages that were in flight.
//
// =============================================================================

package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shardq/internal/metrics"
)

// Shard is a bounded FIFO with in-flight tracking and timed redelivery.
type Shard[T any] struct {
	id      int
	cfg     Config
	logger  *slog.Logger
	sink    DeadLetterSink[T]
	metrics *metrics.QueueMetrics

	// onReady is called, without mu held, whenever messages were appended.
	onReady func()

	mu       sync.Mutex
	fifo     []*Message[T]
	inFlight map[uint64]*Message[T]
	retry    *retryScheduler
	seq      uint64
	closed   bool
	notEmpty chan struct{}
	notFull  chan struct{}
	counters shardCounters

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	heartbeat atomic.Int64
	running   atomic.Bool
}

// shardCounters are lifetime totals, guarded by Shard.mu.
type shardCounters struct {
	published          uint64
	delivered          uint64
	acked              uint64
	expired            uint64
	redelivered        uint64
	deadLettered       uint64
	deadLetterFailures uint64
}

// ShardStats is a point-in-time snapshot of one shard.
type ShardStats struct {
	ShardID            int       `json:"shard_id"`
	Capacity           int       `json:"capacity"`
	FIFODepth          int       `json:"fifo_depth"`
	InFlight           int       `json:"in_flight"`
	Scheduled          int       `json:"scheduled"`
	Published          uint64    `json:"published"`
	Delivered          uint64    `json:"delivered"`
	Acked              uint64    `json:"acked"`
	Expired            uint64    `json:"expired"`
	Redelivered        uint64    `json:"redelivered"`
	DeadLettered       uint64    `json:"dead_lettered"`
	DeadLetterFailures uint64    `json:"dead_letter_failures"`
	LastHeartbeat      time.Time `json:"last_heartbeat"`
	Running            bool      `json:"running"`
}

// newShard builds a shard. start launches its redelivery loop.
func newShard[T any](id int, cfg Config, logger *slog.Logger, sink DeadLetterSink[T], m *metrics.QueueMetrics, onReady func()) *Shard[T] {
	ctx, cancel := context.WithCancel(context.Background())
	if onReady == nil {
		onReady = func() {}
	}
	return &Shard[T]{
		id:       id,
		cfg:      cfg,
		logger:   logger.With("component", "shard", "shard_id", id),
		sink:     sink,
		metrics:  m,
		onReady:  onReady,
		fifo:     make([]*Message[T], 0, cfg.CapacityPerShard),
		inFlight: make(map[uint64]*Message[T]),
		retry:    newRetryScheduler(),
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Shard[T]) start() {
	s.heartbeat.Store(time.Now().UnixNano())
	s.running.Store(true)
	s.wg.Add(1)
	go s.redeliveryLoop()
}

// ID returns the shard index.
func (s *Shard[T]) ID() int {
	return s.id
}

// =============================================================================
// PUBLISH
// =============================================================================

// Publish appends a payload to the tail of the FIFO and returns its id.
//
// While the FIFO is at capacity it blocks until a consumer makes room, ctx is
// done, or the shard shuts down. With BlockOnFull disabled a full shard
// answers ErrShardFull instead.
func (s *Shard[T]) Publish(ctx context.Context, payload T, ttl time.Duration) (uint64, error) {
	start := time.Now()

	id, err := s.publish(ctx, payload, ttl)
	if err != nil {
		s.metrics.RecordPublishRejected(s.id, rejectReason(err))
		return 0, err
	}

	s.metrics.RecordPublish(s.id, time.Since(start).Seconds())
	s.onReady()
	return id, nil
}

func (s *Shard[T]) publish(ctx context.Context, payload T, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return 0, ErrShuttingDown
		}
		if len(s.fifo) < s.cfg.CapacityPerShard {
			break
		}
		if !s.cfg.BlockOnFull {
			s.mu.Unlock()
			return 0, ErrShardFull
		}

		wait := s.notFull
		s.mu.Unlock()
		select {
		case <-wait:
		case <-s.done:
			return 0, ErrShuttingDown
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	s.seq++
	msg := newMessage(makeID(s.id, s.seq), s.id, payload, ttl, time.Now())
	s.fifo = append(s.fifo, msg)
	s.counters.published++
	s.broadcastNotEmptyLocked()
	s.observeDepthLocked()

	s.logger.Debug("message published",
		"id", FormatID(msg.ID),
		"ttl", ttl,
		"fifo_depth", len(s.fifo),
	)
	return msg.ID, nil
}

// =============================================================================
// CONSUME
// =============================================================================

// Consume blocks until a live message is available, then moves it in flight
// and returns a copy. Messages whose TTL elapsed while queued are dropped on
// the way and never returned.
func (s *Shard[T]) Consume(ctx context.Context) (Message[T], error) {
	start := time.Now()

	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return Message[T]{}, ErrShuttingDown
		}
		if msg, ok := s.takeLocked(time.Now()); ok {
			s.mu.Unlock()
			s.metrics.RecordDelivery(s.id, time.Since(start).Seconds())
			return msg, nil
		}

		wait := s.notEmpty
		s.mu.Unlock()
		select {
		case <-wait:
		case <-s.done:
			return Message[T]{}, ErrShuttingDown
		case <-ctx.Done():
			return Message[T]{}, ctx.Err()
		}
		s.mu.Lock()
	}
}

// TryConsume is Consume without waiting. ok is false when no live message
// was available.
func (s *Shard[T]) TryConsume() (msg Message[T], ok bool, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message[T]{}, false, ErrShuttingDown
	}
	msg, ok = s.takeLocked(time.Now())
	s.mu.Unlock()

	if ok {
		s.metrics.RecordDelivery(s.id, 0)
	}
	return msg, ok, nil
}

// takeLocked pops heads until it finds a live message and delivers it.
func (s *Shard[T]) takeLocked(now time.Time) (Message[T], bool) {
	for len(s.fifo) > 0 {
		msg, err := s.popHeadLocked(now)
		if err != nil {
			continue
		}
		return s.deliverLocked(msg, now), true
	}
	return Message[T]{}, false
}

// popHeadLocked removes the FIFO head. An expired head is discarded and
// reported as errExpiredBeforeDelivery.
func (s *Shard[T]) popHeadLocked(now time.Time) (*Message[T], error) {
	msg := s.fifo[0]
	s.fifo[0] = nil
	s.fifo = s.fifo[1:]
	s.broadcastNotFullLocked()

	if msg.Expired(now) {
		s.counters.expired++
		s.metrics.RecordExpired(s.id, expiredStageQueued)
		s.observeDepthLocked()
		s.logger.Debug("dropping expired message",
			"id", FormatID(msg.ID),
			"retry_count", msg.RetryCount,
			"expired_for", now.Sub(msg.ExpiresAt),
		)
		return nil, errExpiredBeforeDelivery
	}
	return msg, nil
}

// deliverLocked moves msg in flight and schedules its visibility deadline.
func (s *Shard[T]) deliverLocked(msg *Message[T], now time.Time) Message[T] {
	msg.DeliveredAt = now
	s.inFlight[msg.ID] = msg
	if s.retry.Schedule(msg.ID, msg.VisibilityDeadline(s.cfg.VisibilityTimeout)) {
		s.wakeLoop()
	}
	s.counters.delivered++
	s.observeDepthLocked()
	return *msg
}

// =============================================================================
// ACK
// =============================================================================

// Ack removes a delivered message from in-flight so it is never redelivered.
//
// Unknown ids, repeated acks, and acks for messages that were already
// reclaimed are no-ops. After shutdown Ack returns ErrShuttingDown.
func (s *Shard[T]) Ack(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShuttingDown
	}
	if _, ok := s.inFlight[id]; !ok {
		return nil
	}

	delete(s.inFlight, id)
	s.retry.Cancel(id)
	s.counters.acked++
	s.metrics.RecordAck(s.id)
	s.observeDepthLocked()
	return nil
}

// =============================================================================
// REDELIVERY
// =============================================================================

func (s *Shard[T]) redeliveryLoop() {
	defer s.wg.Done()
	defer s.running.Store(false)

	s.logger.Debug("redelivery loop started", "poll_interval", s.cfg.PollInterval)

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		s.heartbeat.Store(time.Now().UnixNano())
		sleep := s.reclaimDue(time.Now())

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-s.done:
			s.logger.Debug("redelivery loop stopped")
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// reclaimDue handles every in-flight message whose visibility deadline has
// passed and returns how long the loop may sleep. Messages that are retired
// leave in-flight under the lock and reach the sink after it is released.
func (s *Shard[T]) reclaimDue(now time.Time) time.Duration {
	s.mu.Lock()

	requeued := 0
	var retired []DeadLetter[T]
	for _, id := range s.retry.PopDue(now) {
		msg, ok := s.inFlight[id]
		if !ok {
			continue
		}
		delete(s.inFlight, id)

		switch {
		case msg.Expired(now):
			retired = append(retired, newDeadLetter(msg, ReasonExpiredBeforeAck, now))
		case msg.RetryCount < s.cfg.MaxRetries:
			msg.RetryCount++
			s.fifo = append(s.fifo, msg)
			s.counters.redelivered++
			s.metrics.RecordRedelivery(s.id)
			requeued++
			s.logger.Info("redelivering unacknowledged message",
				"id", FormatID(id),
				"retry_count", msg.RetryCount,
				"max_retries", s.cfg.MaxRetries,
			)
		default:
			retired = append(retired, newDeadLetter(msg, ReasonMaxRetriesExceeded, now))
		}
	}

	if requeued > 0 {
		s.broadcastNotEmptyLocked()
	}
	s.observeDepthLocked()

	sleep := s.cfg.PollInterval
	if next, ok := s.retry.Next(); ok {
		if until := next.Sub(now); until < sleep {
			sleep = until
		}
	}
	s.mu.Unlock()

	if requeued > 0 {
		s.onReady()
	}
	if len(retired) > 0 {
		s.deadLetter(retired)
	}
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

func newDeadLetter[T any](msg *Message[T], reason DeadLetterReason, now time.Time) DeadLetter[T] {
	return DeadLetter[T]{
		Message:        *msg,
		RetryCount:     msg.RetryCount,
		Reason:         reason,
		DeadLetteredAt: now,
	}
}

// deadLetter hands each retired message to the sink once. It runs on the
// redelivery loop without mu held, so a slow sink delays only this loop.
func (s *Shard[T]) deadLetter(retired []DeadLetter[T]) {
	var stored, failed uint64
	for _, dl := range retired {
		if err := s.sink.Put(s.ctx, dl); err != nil {
			failed++
			s.metrics.RecordDeadLetterFailure(s.id)
			s.logger.Error("dead-letter sink rejected message",
				"id", FormatID(dl.Message.ID),
				"reason", dl.Reason,
				"error", err,
			)
			continue
		}
		stored++
		s.metrics.RecordDeadLetter(s.id, string(dl.Reason))
		s.logger.Warn("message dead-lettered",
			"id", FormatID(dl.Message.ID),
			"reason", dl.Reason,
			"retry_count", dl.RetryCount,
		)
	}

	s.mu.Lock()
	s.counters.deadLettered += stored
	s.counters.deadLetterFailures += failed
	s.mu.Unlock()
}

// wakeLoop nudges the redelivery loop without blocking.
func (s *Shard[T]) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Shard[T]) broadcastNotEmptyLocked() {
	close(s.notEmpty)
	s.notEmpty = make(chan struct{})
}

func (s *Shard[T]) broadcastNotFullLocked() {
	close(s.notFull)
	s.notFull = make(chan struct{})
}

func (s *Shard[T]) observeDepthLocked() {
	s.metrics.SetDepth(s.id, len(s.fifo), len(s.inFlight))
}

// Stats returns a snapshot of the shard.
func (s *Shard[T]) Stats() ShardStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ShardStats{
		ShardID:            s.id,
		Capacity:           s.cfg.CapacityPerShard,
		FIFODepth:          len(s.fifo),
		InFlight:           len(s.inFlight),
		Scheduled:          s.retry.Len(),
		Published:          s.counters.published,
		Delivered:          s.counters.delivered,
		Acked:              s.counters.acked,
		Expired:            s.counters.expired,
		Redelivered:        s.counters.redelivered,
		DeadLettered:       s.counters.deadLettered,
		DeadLetterFailures: s.counters.deadLetterFailures,
		LastHeartbeat:      time.Unix(0, s.heartbeat.Load()),
		Running:            s.running.Load(),
	}
}

// close stops the shard, wakes every blocked caller with ErrShuttingDown and
// waits for the redelivery loop. In-flight messages are abandoned.
func (s *Shard[T]) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	abandoned := len(s.inFlight) + len(s.fifo)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.logger.Debug("shard closed", "abandoned_messages", abandoned)
}
