package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"shardq/internal/queue"
)

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// PublishRequest is the body of POST /v1/messages.
//
// EXAMPLE:
//
//	{"key": "order-42", "value": "{\"total\": 10}", "ttl": "5m"}
type PublishRequest struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
	TTL   string `json:"ttl,omitempty"`
	Shard *int   `json:"shard,omitempty"`
}

// PublishResponse identifies the stored message.
type PublishResponse struct {
	ID    uint64 `json:"id,string"`
	Ref   string `json:"ref"`
	Shard int    `json:"shard"`
}

// MessageResponse is one delivered message.
type MessageResponse struct {
	ID          uint64    `json:"id,string"`
	Ref         string    `json:"ref"`
	Shard       int       `json:"shard"`
	Value       string    `json:"value"`
	RetryCount  int       `json:"retry_count"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// AckResponse confirms an acknowledgment.
type AckResponse struct {
	ID    uint64 `json:"id,string"`
	Acked bool   `json:"acked"`
}

// DeadLetterResponse is one drained dead letter.
type DeadLetterResponse struct {
	Message        MessageResponse `json:"message"`
	RetryCount     int             `json:"retry_count"`
	Reason         string          `json:"reason"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

// DrainResponse is the body of POST /v1/dead-letters/drain.
type DrainResponse struct {
	Count       int                  `json:"count"`
	DeadLetters []DeadLetterResponse `json:"dead_letters"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	NodeID      string            `json:"node_id"`
	DeadLetters int               `json:"dead_letters"`
	Queue       queue.RouterStats `json:"queue"`
}

func toMessageResponse(m queue.Message[[]byte]) MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		Ref:         queue.FormatID(m.ID),
		Shard:       m.ShardID,
		Value:       string(m.Payload),
		RetryCount:  m.RetryCount,
		EnqueuedAt:  m.EnqueuedAt,
		ExpiresAt:   m.ExpiresAt,
		DeliveredAt: m.DeliveredAt,
	}
}

// =============================================================================
// MESSAGE HANDLERS
// =============================================================================

func (s *Server) publishMessage(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.API.RecordRateLimited("http")
		}
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, http.StatusTooManyRequests, "publish rate limit exceeded")
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ttl := s.config.DefaultTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid ttl: "+err.Error())
			return
		}
		ttl = d
	}

	var (
		id  uint64
		err error
	)
	if req.Shard != nil {
		id, err = s.queue.PublishToShard(r.Context(), *req.Shard, []byte(req.Value), ttl)
	} else {
		id, err = s.queue.Publish(r.Context(), req.Key, []byte(req.Value), ttl)
	}
	if err != nil {
		s.queueError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, PublishResponse{
		ID:    id,
		Ref:   queue.FormatID(id),
		Shard: queue.ShardOf(id),
	})
}

// consumeMessage long-polls for one message.
//
// QUERY PARAMETERS:
//   - shard: shard index, or omitted/"any" for any shard
//   - wait:  how long to wait for a message ("0" returns at once), capped
//     at MaxWait
func (s *Server) consumeMessage(w http.ResponseWriter, r *http.Request) {
	shard := queue.AnyShard
	if v := r.URL.Query().Get("shard"); v != "" && v != "any" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid shard")
			return
		}
		shard = n
	}

	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid wait")
			return
		}
		wait = d
	}
	if s.config.MaxWait > 0 && wait > s.config.MaxWait {
		wait = s.config.MaxWait
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	msg, err := s.queue.Consume(ctx, shard)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.queueError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (s *Server) ackMessage(w http.ResponseWriter, r *http.Request) {
	id, err := queue.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.queue.Ack(id); err != nil {
		s.queueError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, AckResponse{ID: id, Acked: true})
}

// =============================================================================
// DEAD LETTERS & STATS
// =============================================================================

func (s *Server) drainDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.queue.DrainDeadLetters(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := DrainResponse{
		Count:       len(letters),
		DeadLetters: make([]DeadLetterResponse, 0, len(letters)),
	}
	for _, dl := range letters {
		resp.DeadLetters = append(resp.DeadLetters, DeadLetterResponse{
			Message:        toMessageResponse(dl.Message),
			RetryCount:     dl.RetryCount,
			Reason:         string(dl.Reason),
			DeadLetteredAt: dl.DeadLetteredAt,
		})
	}

	s.logger.Info("dead letters drained", "count", resp.Count)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		NodeID: s.config.NodeID,
		Queue:  s.queue.Stats(),
	}
	if n, err := s.queue.DeadLetterCount(r.Context()); err == nil {
		resp.DeadLetters = n
	} else {
		s.logger.Warn("dead-letter count unavailable", "error", err)
		resp.DeadLetters = -1
	}
	s.writeJSON(w, http.StatusOK, resp)
}
