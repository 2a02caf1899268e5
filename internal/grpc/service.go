// =============================================================================
// QUEUE SERVICE - shardq.v1.QueueService
// =============================================================================
//
// METHODS (all unary):
//
//   ┌──────────────────┬──────────────────────────────────────────────────────┐
//   │ Publish          │ enqueue by key, round-robin or explicit shard        │
//   │ Consume          │ long-poll one message; Found=false when wait elapses │
//   │ Ack              │ acknowledge by id; unknown ids succeed               │
//   │ DrainDeadLetters │ remove and return retired messages                   │
//   │ Stats            │ per-shard counters                                   │
//   └──────────────────┴──────────────────────────────────────────────────────┘
//
// ERROR MAPPING:
//
//   queue.ErrShardFull       → ResourceExhausted
//   queue.ErrShuttingDown    → Unavailable
//   queue.ErrInvalidShard    → InvalidArgument
//   context deadline/cancel  → DeadlineExceeded / Canceled
//   rate limiter             → ResourceExhausted
//
// The service descriptor is written by hand; there is no .proto file. See
// codec.go for the wire format.
//
// =============================================================================

package grpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"shardq/internal/metrics"
	"shardq/internal/queue"
	"shardq/internal/security"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "shardq.v1.QueueService"

// =============================================================================
// MESSAGES
// =============================================================================

// PublishRequest enqueues one message. Shard, when set, bypasses placement.
// TTLMillis of zero means the server's default TTL.
type PublishRequest struct {
	Key       string `json:"key,omitempty"`
	Value     []byte `json:"value"`
	TTLMillis int64  `json:"ttl_ms,omitempty"`
	Shard     *int   `json:"shard,omitempty"`
}

type PublishResponse struct {
	ID    uint64 `json:"id,string"`
	Ref   string `json:"ref"`
	Shard int    `json:"shard"`
}

// ConsumeRequest waits up to WaitMillis for a message. A nil Shard consumes
// from any shard.
type ConsumeRequest struct {
	Shard      *int  `json:"shard,omitempty"`
	WaitMillis int64 `json:"wait_ms,omitempty"`
}

type ConsumeResponse struct {
	Found   bool     `json:"found"`
	Message *Message `json:"message,omitempty"`
}

// Message is a delivered message.
type Message struct {
	ID          uint64    `json:"id,string"`
	Ref         string    `json:"ref"`
	Shard       int       `json:"shard"`
	Value       []byte    `json:"value"`
	RetryCount  int       `json:"retry_count"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	DeliveredAt time.Time `json:"delivered_at"`
}

type AckRequest struct {
	ID uint64 `json:"id,string"`
}

type AckResponse struct {
	ID    uint64 `json:"id,string"`
	Acked bool   `json:"acked"`
}

type DrainDeadLettersRequest struct{}

// DeadLetter is a retired message.
type DeadLetter struct {
	Message        Message   `json:"message"`
	RetryCount     int       `json:"retry_count"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

type DrainDeadLettersResponse struct {
	DeadLetters []DeadLetter `json:"dead_letters"`
}

type StatsRequest struct{}

type StatsResponse struct {
	NodeID      string            `json:"node_id"`
	DeadLetters int               `json:"dead_letters"`
	Queue       queue.RouterStats `json:"queue"`
}

func toMessage(m queue.Message[[]byte]) *Message {
	return &Message{
		ID:          m.ID,
		Ref:         queue.FormatID(m.ID),
		Shard:       m.ShardID,
		Value:       m.Payload,
		RetryCount:  m.RetryCount,
		EnqueuedAt:  m.EnqueuedAt,
		ExpiresAt:   m.ExpiresAt,
		DeliveredAt: m.DeliveredAt,
	}
}

// =============================================================================
// SERVICE INTERFACE & DESCRIPTOR
// =============================================================================

// QueueServiceServer is the server API of shardq.v1.QueueService.
type QueueServiceServer interface {
	Publish(context.Context, *PublishRequest) (*PublishResponse, error)
	Consume(context.Context, *ConsumeRequest) (*ConsumeResponse, error)
	Ack(context.Context, *AckRequest) (*AckResponse, error)
	DrainDeadLetters(context.Context, *DrainDeadLettersRequest) (*DrainDeadLettersResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// RegisterQueueServiceServer registers srv on s.
func RegisterQueueServiceServer(s grpc.ServiceRegistrar, srv QueueServiceServer) {
	s.RegisterService(&QueueServiceDesc, srv)
}

// methodPermissions is what each QueueService method requires when API keys
// are enabled.
var methodPermissions = map[string]security.Permission{
	"/" + ServiceName + "/Publish":          security.PermMessagePublish,
	"/" + ServiceName + "/Consume":          security.PermMessageConsume,
	"/" + ServiceName + "/Ack":              security.PermMessageConsume,
	"/" + ServiceName + "/DrainDeadLetters": security.PermDeadLetterDrain,
	"/" + ServiceName + "/Stats":            security.PermStatsRead,
}

// methodHandler is the signature grpc.MethodDesc.Handler expects.
type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error)

// unaryHandler adapts a typed method to a grpc.MethodDesc handler.
func unaryHandler[Req any, Resp any](method string, call func(QueueServiceServer, context.Context, *Req) (*Resp, error)) methodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(QueueServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(QueueServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// QueueServiceDesc describes shardq.v1.QueueService.
var QueueServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: unaryHandler("Publish", QueueServiceServer.Publish)},
		{MethodName: "Consume", Handler: unaryHandler("Consume", QueueServiceServer.Consume)},
		{MethodName: "Ack", Handler: unaryHandler("Ack", QueueServiceServer.Ack)},
		{MethodName: "DrainDeadLetters", Handler: unaryHandler("DrainDeadLetters", QueueServiceServer.DrainDeadLetters)},
		{MethodName: "Stats", Handler: unaryHandler("Stats", QueueServiceServer.Stats)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shardq/v1/queue.json",
}

// =============================================================================
// SERVICE IMPLEMENTATION
// =============================================================================

type queueService struct {
	queue   *queue.Router[[]byte]
	config  ServerConfig
	limiter *rate.Limiter
	metrics *metrics.Registry
	logger  *slog.Logger
}

func newQueueService(q *queue.Router[[]byte], config ServerConfig, registry *metrics.Registry, logger *slog.Logger) *queueService {
	svc := &queueService{
		queue:   q,
		config:  config,
		metrics: registry,
		logger:  logger,
	}
	if config.PublishRate > 0 {
		burst := config.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		svc.limiter = rate.NewLimiter(rate.Limit(config.PublishRate), burst)
	}
	return svc
}

func (s *queueService) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.API.RecordRateLimited("grpc")
		}
		return nil, status.Error(codes.ResourceExhausted, "publish rate limit exceeded")
	}
	if req.TTLMillis < 0 {
		return nil, status.Error(codes.InvalidArgument, "ttl_ms must not be negative")
	}

	ttl := s.config.DefaultTTL
	if req.TTLMillis > 0 {
		ttl = time.Duration(req.TTLMillis) * time.Millisecond
	}

	var (
		id  uint64
		err error
	)
	if req.Shard != nil {
		id, err = s.queue.PublishToShard(ctx, *req.Shard, req.Value, ttl)
	} else {
		id, err = s.queue.Publish(ctx, req.Key, req.Value, ttl)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	return &PublishResponse{ID: id, Ref: queue.FormatID(id), Shard: queue.ShardOf(id)}, nil
}

func (s *queueService) Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResponse, error) {
	if req.WaitMillis < 0 {
		return nil, status.Error(codes.InvalidArgument, "wait_ms must not be negative")
	}

	shard := queue.AnyShard
	if req.Shard != nil {
		if *req.Shard < 0 {
			return nil, status.Errorf(codes.InvalidArgument, "invalid shard %d", *req.Shard)
		}
		shard = *req.Shard
	}

	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if s.config.MaxWait > 0 && wait > s.config.MaxWait {
		wait = s.config.MaxWait
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msg, err := s.queue.Consume(waitCtx, shard)
	if err != nil {
		// Our own wait ran out, not the caller's deadline.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &ConsumeResponse{Found: false}, nil
		}
		return nil, toStatus(err)
	}
	return &ConsumeResponse{Found: true, Message: toMessage(msg)}, nil
}

func (s *queueService) Ack(_ context.Context, req *AckRequest) (*AckResponse, error) {
	if err := s.queue.Ack(req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &AckResponse{ID: req.ID, Acked: true}, nil
}

func (s *queueService) DrainDeadLetters(ctx context.Context, _ *DrainDeadLettersRequest) (*DrainDeadLettersResponse, error) {
	letters, err := s.queue.DrainDeadLetters(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "drain dead letters: %v", err)
	}

	resp := &DrainDeadLettersResponse{DeadLetters: make([]DeadLetter, 0, len(letters))}
	for _, dl := range letters {
		resp.DeadLetters = append(resp.DeadLetters, DeadLetter{
			Message:        *toMessage(dl.Message),
			RetryCount:     dl.RetryCount,
			Reason:         string(dl.Reason),
			DeadLetteredAt: dl.DeadLetteredAt,
		})
	}
	s.logger.Info("dead letters drained", "count", len(resp.DeadLetters))
	return resp, nil
}

func (s *queueService) Stats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	resp := &StatsResponse{NodeID: s.config.NodeID, Queue: s.queue.Stats()}
	n, err := s.queue.DeadLetterCount(ctx)
	if err != nil {
		s.logger.Warn("dead-letter count unavailable", "error", err)
		n = -1
	}
	resp.DeadLetters = n
	return resp, nil
}

// toStatus maps queue errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, queue.ErrShardFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, queue.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, queue.ErrInvalidShard):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

var _ QueueServiceServer = (*queueService)(nil)
