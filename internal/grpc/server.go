// =============================================================================
// gRPC SERVER - QUEUE SERVICE, HEALTH AND REFLECTION
// =============================================================================
//
// ARCHITECTURE:
//
//   ┌──────────────────────────────────────────────────────────────────────────┐
//   │                              SERVER                                      │
//   │                                                                          │
//   │   Interceptors:  logging → metrics → recovery → handler                  │
//   │                                                                          │
//   │   ┌──────────────────────────┐   ┌───────────────────────────────────┐   │
//   │   │ shardq.v1.QueueService   │   │ grpc.health.v1.Health             │   │
//   │   │ (JSON codec)             │   │ status follows Router.Health(),   │   │
//   │   └────────────┬─────────────┘   │ refreshed every HealthInterval    │   │
//   │                │                 └───────────────────────────────────┘   │
//   │                ▼                                                         │
//   │   ┌──────────────────────────┐                                           │
//   │   │ queue.Router[[]byte]     │                                           │
//   │   └──────────────────────────┘                                           │
//   └──────────────────────────────────────────────────────────────────────────┘
//
// PORT CONFIGURATION:
//   - HTTP API: :8080
//   - gRPC API: :9000
//
// =============================================================================

package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"shardq/internal/metrics"
	"shardq/internal/queue"
	"shardq/internal/security"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds gRPC server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":9000")
	Address string

	// MaxRecvMsgSize is the max message size in bytes (default: 4MB)
	MaxRecvMsgSize int

	// MaxSendMsgSize is the max message size in bytes (default: 4MB)
	MaxSendMsgSize int

	// MaxConcurrentStreams per connection (default: 100)
	MaxConcurrentStreams uint32

	// Keepalive settings
	KeepaliveTime    time.Duration // How often to ping if no activity
	KeepaliveTimeout time.Duration // How long to wait for ping response

	// EnableReflection enables gRPC reflection for debugging tools
	EnableReflection bool

	// NodeID is reported by Stats.
	NodeID string

	// DefaultTTL applies when a publish omits ttl_ms.
	DefaultTTL time.Duration

	// MaxWait caps the long-poll wait of Consume.
	MaxWait time.Duration

	// PublishRate limits publishes per second across all clients. Zero
	// disables limiting.
	PublishRate  float64
	PublishBurst int

	// HealthInterval is how often the health service re-reads Router.Health.
	HealthInterval time.Duration

	// Keys checks API keys on QueueService methods. Nil disables
	// authentication. The health and reflection services stay open.
	Keys *security.KeyStore
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:              ":9000",
		MaxRecvMsgSize:       4 * 1024 * 1024, // 4MB
		MaxSendMsgSize:       4 * 1024 * 1024, // 4MB
		MaxConcurrentStreams: 100,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		EnableReflection:     true,
		DefaultTTL:           time.Hour,
		MaxWait:              30 * time.Second,
		PublishBurst:         100,
		HealthInterval:       time.Second,
	}
}

// =============================================================================
// SERVER STRUCT
// =============================================================================

// Server is the gRPC server for shardq.
type Server struct {
	config     ServerConfig
	queue      *queue.Router[[]byte]
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger

	mu       sync.RWMutex
	running  bool
	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new gRPC server. registry may be nil, in which case the
// global metrics registry is used if one was initialized.
func NewServer(q *queue.Router[[]byte], config ServerConfig, registry *metrics.Registry) *Server {
	if registry == nil {
		registry = metrics.Get()
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = DefaultServerConfig().HealthInterval
	}
	logger := slog.Default().With("component", "grpc")

	var api *metrics.APIMetrics
	if registry != nil {
		api = registry.API
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(config.MaxSendMsgSize),
		grpc.MaxConcurrentStreams(config.MaxConcurrentStreams),

		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			PermitWithoutStream: true,
			MinTime:             10 * time.Second,
		}),

		// Request → Logging → Metrics → Auth → Recovery → Handler
		grpc.ChainUnaryInterceptor(
			unaryLoggingInterceptor(logger),
			unaryMetricsInterceptor(api),
			config.Keys.UnaryServerInterceptor(methodPermissions),
			unaryRecoveryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			streamRecoveryInterceptor(logger),
		),
	}

	s := &Server{
		config:     config,
		queue:      q,
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
		logger:     logger,
		done:       make(chan struct{}),
	}

	RegisterQueueServiceServer(s.grpcServer, newQueueService(q, config, registry, logger))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.refreshHealth()

	if config.EnableReflection {
		reflection.Register(s.grpcServer)
	}

	return s
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start listens on the configured address and serves until Stop. It blocks.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener until Stop. It blocks.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	select {
	case <-s.done:
		s.mu.Unlock()
		return errors.New("server stopped")
	default:
	}
	s.listener = listener
	s.running = true
	s.wg.Add(1)
	go s.watchHealth()
	s.mu.Unlock()

	s.logger.Info("gRPC server starting",
		"address", listener.Addr().String(),
		"reflection", s.config.EnableReflection,
	)

	err := s.grpcServer.Serve(listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs. When ctx
// ends first, remaining RPCs are cut off.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	close(s.done)
	s.running = false
	s.mu.Unlock()

	s.logger.Info("gRPC server stopping...")
	s.health.Shutdown()
	s.wg.Wait()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, forcing")
		s.grpcServer.Stop()
		<-stopped
	}

	s.logger.Info("gRPC server stopped")
}

// Address returns the address the server is listening on.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) watchHealth() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refreshHealth()
		case <-s.done:
			return
		}
	}
}

// refreshHealth publishes the router's liveness to the health service under
// both the overall ("") and the queue service name.
func (s *Server) refreshHealth() {
	st := healthpb.HealthCheckResponse_SERVING
	if !s.queue.Health().Healthy {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// =============================================================================
// INTERCEPTORS (MIDDLEWARE)
// =============================================================================

// unaryLoggingInterceptor logs unary RPC calls.
func unaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		level := slog.LevelInfo
		if code := status.Code(err); code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		} else if err != nil {
			level = slog.LevelWarn
		}

		logger.Log(ctx, level, "gRPC unary",
			"method", info.FullMethod,
			"duration_ms", duration.Milliseconds(),
			"code", status.Code(err).String(),
		)
		return resp, err
	}
}

// unaryMetricsInterceptor records request counts and latency by method.
func unaryMetricsInterceptor(m *metrics.APIMetrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.RecordRequest("grpc", info.FullMethod, status.Code(err).String(), time.Since(start).Seconds())
		return resp, err
	}
}

// unaryRecoveryInterceptor catches panics and converts them to errors.
func unaryRecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}

// streamRecoveryInterceptor covers the health Watch stream and reflection.
func streamRecoveryInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC stream panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(srv, ss)
	}
}
