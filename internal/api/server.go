// =============================================================================
// HTTP API SERVER - REST INTERFACE FOR SHARDQ
// =============================================================================
//
// The HTTP surface is a thin layer over queue.Router[[]byte]. It never changes
// queue semantics: every request maps to exactly one router call.
//
// ENDPOINTS:
//
//   MESSAGES
//   POST   /v1/messages                   Publish {key?, value, ttl?, shard?}
//   GET    /v1/messages?shard=&wait=      Long-poll consume (204 when wait runs out)
//   POST   /v1/messages/{id}/ack          Acknowledge a delivery
//
//   DEAD LETTERS
//   POST   /v1/dead-letters/drain         Remove and return retired messages
//
//   OPERATIONS
//   GET    /v1/stats                      Per-shard counters
//   GET    /health                        Simple status
//   GET    /healthz                       Liveness (redelivery loops alive)
//   GET    /readyz                        Readiness (accepting traffic)
//   GET    /livez                         Startup
//   GET    /version                       Build information
//   GET    /metrics                       Prometheus exposition
//
// ERROR MAPPING:
//
//   ┌──────────────────────────┬─────────────────────────────┐
//   │ queue error              │ HTTP status                 │
//   ├──────────────────────────┼─────────────────────────────┤
//   │ ErrShardFull             │ 503 Service Unavailable     │
//   │ ErrShuttingDown          │ 503 Service Unavailable     │
//   │ ErrInvalidShard          │ 400 Bad Request             │
//   │ rate limiter             │ 429 Too Many Requests       │
//   │ long-poll wait elapsed   │ 204 No Content              │
//   │ missing/unknown API key  │ 401 Unauthorized            │
//   │ role lacks permission    │ 403 Forbidden               │
//   └──────────────────────────┴─────────────────────────────┘
//
// With auth enabled every /v1 route needs an API key; the probes, /version
// and /metrics never do.
//
// =============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"shardq/internal/metrics"
	"shardq/internal/queue"
	"shardq/internal/security"
)

// Server is the HTTP API server.
type Server struct {
	queue      *queue.Router[[]byte]
	config     ServerConfig
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
	metrics    *metrics.Registry
	health     *HealthState
	limiter    *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// NodeID is reported by /v1/stats.
	NodeID string

	// DefaultTTL applies when a publish omits ttl.
	DefaultTTL time.Duration

	// MaxWait caps the long-poll wait of a consume. WriteTimeout must be
	// larger or the server cuts long polls off.
	MaxWait time.Duration

	// PublishRate is the sustained publishes per second allowed across all
	// clients. Zero disables limiting.
	PublishRate  float64
	PublishBurst int

	// Keys checks API keys on /v1 routes. Nil disables authentication.
	Keys *security.KeyStore
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		DefaultTTL:   time.Hour,
		MaxWait:      30 * time.Second,
		PublishBurst: 100,
	}
}

// NewServer creates the API server. registry may be nil, in which case the
// global metrics registry is used if one was initialized.
func NewServer(q *queue.Router[[]byte], config ServerConfig, registry *metrics.Registry) *Server {
	if registry == nil {
		registry = metrics.Get()
	}

	r := chi.NewRouter()

	s := &Server{
		queue:   q,
		config:  config,
		router:  r,
		logger:  slog.Default().With("component", "http"),
		metrics: registry,
		health:  NewHealthState(),
	}
	if config.PublishRate > 0 {
		burst := config.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.PublishRate), burst)
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/livez", s.handleLivez)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", s.metricsHandler())

	keys := s.config.Keys
	s.router.Route("/v1", func(r chi.Router) {
		r.With(keys.RequirePermission(security.PermStatsRead)).Get("/stats", s.handleStats)

		r.Route("/messages", func(r chi.Router) {
			r.With(keys.RequirePermission(security.PermMessagePublish)).Post("/", s.publishMessage)
			r.With(keys.RequirePermission(security.PermMessageConsume)).Get("/", s.consumeMessage)
			r.With(keys.RequirePermission(security.PermMessageConsume)).Post("/{id}/ack", s.ackMessage)
		})

		r.With(keys.RequirePermission(security.PermDeadLetterDrain)).Post("/dead-letters/drain", s.drainDeadLetters)
	})
}

// Handler exposes the routed handler, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Health returns the server's probe state.
func (s *Server) Health() *HealthState {
	return s.health
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("# metrics not initialized\n"))
		})
	}
	return s.metrics.Handler()
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// loggingMiddleware logs every request and records request metrics under the
// matched route pattern.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		if s.metrics != nil {
			s.metrics.API.RecordRequest("http", route, strconv.Itoa(wrapped.status), elapsed.Seconds())
		}

		s.logger.Info("http request",
			"method", r.Method,
			"route", route,
			"status", wrapped.status,
			"duration", elapsed.String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start binds the listener and serves in the background. The bound address
// is available from Addr once Start returns.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting HTTP API server", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
			s.health.SetLive(false)
		}
	}()
	s.health.SetReady(true)
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Stop marks the server not ready and shuts it down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	s.health.SetReady(false)
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}

// queueError maps a router error onto a response.
func (s *Server) queueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrShardFull), errors.Is(err, queue.ErrShuttingDown):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, queue.ErrInvalidShard):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, http.StatusRequestTimeout, err.Error())
	default:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}
