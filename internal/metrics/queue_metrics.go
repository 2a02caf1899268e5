// =============================================================================
// QUEUE METRICS - WHAT THE SHARDS ARE DOING
// =============================================================================
//
// MESSAGE FLOW AND THE COUNTER THAT SEES EACH STEP:
//
//   publish ──► FIFO ──► consume ──► in-flight ──► ack
//     │           │                      │
//     │           │ expired at head      │ visibility timeout
//     │           ▼                      ▼
//     │     expired{stage=queued}   redelivered  ──► back to FIFO
//     │                                  │
//     ▼                                  ▼
//   publish_rejected{reason}       dead_lettered{reason}
//
//   messages_published_total    accepted by a shard
//   messages_delivered_total    handed to a consumer (first time or retry)
//   messages_acked_total        removed from in-flight by Ack
//   messages_expired_total      dropped because TTL elapsed
//   messages_redelivered_total  reclaimed and re-enqueued
//   messages_dead_lettered_total retired to the sink
//   dead_letter_failures_total  sink Put returned an error
//
// GAUGES:
//   fifo_depth / in_flight per shard, refreshed on every state change.
//
// HISTOGRAMS:
//   publish_wait_seconds  time a producer spent blocked on a full shard
//   consume_wait_seconds  time a consumer spent blocked on an empty shard
//
// =============================================================================

package metrics

import "github.com/prometheus/client_golang/prometheus"

// QueueMetrics holds metrics for shards and the router.
type QueueMetrics struct {
	registry *Registry

	MessagesPublished    *prometheus.CounterVec
	MessagesDelivered    *prometheus.CounterVec
	MessagesAcked        *prometheus.CounterVec
	MessagesExpired      *prometheus.CounterVec
	MessagesRedelivered  *prometheus.CounterVec
	MessagesDeadLettered *prometheus.CounterVec
	DeadLetterFailures   *prometheus.CounterVec
	PublishRejected      *prometheus.CounterVec

	FIFODepth *prometheus.GaugeVec
	InFlight  *prometheus.GaugeVec

	PublishWait *prometheus.HistogramVec
	ConsumeWait *prometheus.HistogramVec
}

const queueSubsystem = "queue"

func newQueueMetrics(r *Registry) *QueueMetrics {
	m := &QueueMetrics{registry: r}

	m.MessagesPublished = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: queueSubsystem,
		Name:      "messages_published_total",
		Help:      "Messages accepted by a shard",
	}, []string{"shard"})

	m.MessagesDelivered = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: queueSubsystem,
		Name:      "messages_delivered_total",
		Help:      "Messages handed to a consumer, including redeliveries",
	}, []string{"shard"})

	m.MessagesAcked = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: queueSubsystem,
		Name:      "messages_acked_total",
		Help:      "In-flight messages acknowledged by a consumer",
	}, []string{"shard"})

	// stage: queued (dropped at the FIFO head)
	m.MessagesExpired = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: queueSubsystem,
		Name:      "messages_expired_total",
		Help:      "Messages dropped because their TTL elapsed",
	}, []string{"shard", "stage"})

	m.MessagesRedelivered = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: queueSubsystem,
		Name:      "messages_redelivered_total",
		Help:      "Unacknowledged messages reclaimed and re-enqueued",
	}, []string{"shard"})

	// reason: MAX_RETRIES_EXCEEDED, EXPIRED_BEFORE_ACK
	m.MessagesDeadLettered = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: queueSubsystem,
		Name:      "messages_dead_lettered_total",
		Help:      "Messages retired to the dead-letter sink",
	}, []string{"shard", "reason"})

	m.DeadLetterFailures = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: queueSubsystem,
		Name:      "dead_letter_failures_total",
		Help:      "Dead-letter sink writes that returned an error",
	}, []string{"shard"})

	// reason: full, shutting_down, canceled
	m.PublishRejected = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: queueSubsystem,
		Name:      "publish_rejected_total",
		Help:      "Publishes that did not enqueue a message",
	}, []string{"shard", "reason"})

	m.FIFODepth = r.newGaugeVec(prometheus.GaugeOpts{
		Subsystem: queueSubsystem,
		Name:      "fifo_depth",
		Help:      "Messages waiting in the shard FIFO",
	}, []string{"shard"})

	m.InFlight = r.newGaugeVec(prometheus.GaugeOpts{
		Subsystem: queueSubsystem,
		Name:      "in_flight",
		Help:      "Delivered messages waiting for acknowledgment",
	}, []string{"shard"})

	m.PublishWait = r.newHistogramVec(prometheus.HistogramOpts{
		Subsystem: queueSubsystem,
		Name:      "publish_wait_seconds",
		Help:      "Time producers spent waiting for shard capacity",
	}, []string{"shard"})

	m.ConsumeWait = r.newHistogramVec(prometheus.HistogramOpts{
		Subsystem: queueSubsystem,
		Name:      "consume_wait_seconds",
		Help:      "Time consumers spent waiting for a message",
	}, []string{"shard"})

	return m
}

// =============================================================================
// RECORDING
// =============================================================================

// RecordPublish records an accepted message and how long the producer waited.
func (m *QueueMetrics) RecordPublish(shard int, waitSeconds float64) {
	if m == nil || !m.registry.enabled {
		return
	}
	label := m.registry.shardLabel(shard)
	m.MessagesPublished.WithLabelValues(label).Inc()
	m.PublishWait.WithLabelValues(label).Observe(waitSeconds)
}

// RecordPublishRejected records a publish that enqueued nothing.
func (m *QueueMetrics) RecordPublishRejected(shard int, reason string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.PublishRejected.WithLabelValues(m.registry.shardLabel(shard), reason).Inc()
}

// RecordDelivery records a hand-off to a consumer.
func (m *QueueMetrics) RecordDelivery(shard int, waitSeconds float64) {
	if m == nil || !m.registry.enabled {
		return
	}
	label := m.registry.shardLabel(shard)
	m.MessagesDelivered.WithLabelValues(label).Inc()
	m.ConsumeWait.WithLabelValues(label).Observe(waitSeconds)
}

// RecordAck records a successful acknowledgment.
func (m *QueueMetrics) RecordAck(shard int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.MessagesAcked.WithLabelValues(m.registry.shardLabel(shard)).Inc()
}

// RecordExpired records a message dropped for TTL.
func (m *QueueMetrics) RecordExpired(shard int, stage string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.MessagesExpired.WithLabelValues(m.registry.shardLabel(shard), stage).Inc()
}

// RecordRedelivery records a reclaimed message going back to the FIFO.
func (m *QueueMetrics) RecordRedelivery(shard int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.MessagesRedelivered.WithLabelValues(m.registry.shardLabel(shard)).Inc()
}

// RecordDeadLetter records a message retired to the sink.
func (m *QueueMetrics) RecordDeadLetter(shard int, reason string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.MessagesDeadLettered.WithLabelValues(m.registry.shardLabel(shard), reason).Inc()
}

// RecordDeadLetterFailure records a sink Put error.
func (m *QueueMetrics) RecordDeadLetterFailure(shard int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.DeadLetterFailures.WithLabelValues(m.registry.shardLabel(shard)).Inc()
}

// SetDepth publishes the current FIFO and in-flight sizes of a shard.
func (m *QueueMetrics) SetDepth(shard, fifo, inFlight int) {
	if m == nil || !m.registry.enabled {
		return
	}
	label := m.registry.shardLabel(shard)
	m.FIFODepth.WithLabelValues(label).Set(float64(fifo))
	m.InFlight.WithLabelValues(label).Set(float64(inFlight))
}
