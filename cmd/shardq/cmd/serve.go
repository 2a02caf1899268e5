// =============================================================================
// SERVE COMMAND - RUN A SHARDQ NODE
// =============================================================================
//
// USAGE:
//   shardq serve [--config shardq.yaml]
//
// STARTUP:
//
//   config.Load ──► logger ──► metrics ──► dead-letter sink ──► router
//                                                                 │
//                                   ┌─────────────────────────────┤
//                                   ▼                             ▼
//                              HTTP API                       gRPC API
//
// SHUTDOWN (SIGINT/SIGTERM):
//   1. readiness probe fails so load balancers stop sending traffic
//   2. router closes: blocked publishers and consumers return ErrShuttingDown
//   3. HTTP and gRPC servers drain in-flight requests
//   4. dead-letter sink closes
//
// =============================================================================

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shardq/internal/api"
	"shardq/internal/config"
	"shardq/internal/deadletter"
	grpcserver "shardq/internal/grpc"
	"shardq/internal/metrics"
	"shardq/internal/queue"
)

var (
	serveConfigPath      string
	serveShutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a shardq node",
	Long: `Run a shardq node serving the HTTP and gRPC APIs.

Settings come from the YAML file given with --config, then SHARDQ_*
environment variables override them.

Examples:
  shardq serve
  shardq serve --config /etc/shardq/shardq.yaml
  SHARDQ_QUEUE_SHARD_COUNT=16 SHARDQ_LOG_FORMAT=json shardq serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "",
		"Path to the node config file (env: SHARDQ_CONFIG)")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second,
		"How long to wait for in-flight requests on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	path := serveConfigPath
	if path == "" {
		path = os.Getenv("SHARDQ_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	registry := metrics.Init(cfg.MetricsConfig())

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, cfg, registry)
	if err != nil {
		return err
	}
	if err := n.start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
		defer cancel()
		_ = n.shutdown(shutdownCtx)
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case serveErr = <-n.grpcErr:
		slog.Error("gRPC server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, n.shutdown(shutdownCtx))
}

// =============================================================================
// NODE
// =============================================================================

// node owns every long-lived component of a running server.
type node struct {
	cfg    config.Config
	logger *slog.Logger

	sink      queue.DeadLetterSink[[]byte]
	closeSink func() error
	router    *queue.Router[[]byte]

	httpServer *api.Server
	grpcServer *grpcserver.Server
	grpcErr    chan error
}

// newNode builds the node without opening any listener.
func newNode(ctx context.Context, cfg config.Config, registry *metrics.Registry) (*node, error) {
	n := &node{
		cfg:       cfg,
		logger:    slog.Default().With("component", "node", "node_id", cfg.NodeID),
		closeSink: func() error { return nil },
		grpcErr:   make(chan error, 1),
	}

	switch cfg.DeadLetter.Backend {
	case config.BackendRedis:
		rs, err := deadletter.New(ctx, cfg.DeadLetter.Redis)
		if err != nil {
			return nil, err
		}
		n.sink, n.closeSink = rs, rs.Close
	default:
		n.sink = queue.NewMemorySink[[]byte]()
	}

	router, err := queue.NewRouter[[]byte](cfg.QueueConfig(),
		queue.WithLogger[[]byte](slog.Default()),
		queue.WithMetrics[[]byte](registry),
		queue.WithDeadLetterSink[[]byte](n.sink),
	)
	if err != nil {
		_ = n.closeSink()
		return nil, fmt.Errorf("create router: %w", err)
	}
	n.router = router

	keys, err := cfg.KeyStore()
	if err != nil {
		_ = router.Close()
		_ = n.closeSink()
		return nil, err
	}

	if cfg.HTTP.Enabled {
		apiCfg := cfg.APIConfig()
		apiCfg.Keys = keys
		n.httpServer = api.NewServer(router, apiCfg, registry)
		if rs, ok := n.sink.(*deadletter.RedisSink); ok {
			n.httpServer.Health().AddCheck("redis", func(ctx context.Context) api.HealthCheckResult {
				if err := rs.Ping(ctx); err != nil {
					return api.HealthCheckResult{Status: "fail", Message: err.Error()}
				}
				return api.HealthCheckResult{Status: "pass"}
			})
		}
	}
	if cfg.GRPC.Enabled {
		grpcCfg := cfg.GRPCConfig()
		grpcCfg.Keys = keys
		n.grpcServer = grpcserver.NewServer(router, grpcCfg, registry)
	}
	return n, nil
}

// start opens the listeners. The gRPC server reports a serving failure on
// grpcErr.
func (n *node) start() error {
	if n.httpServer != nil {
		if err := n.httpServer.Start(); err != nil {
			return fmt.Errorf("start HTTP API: %w", err)
		}
	}
	if n.grpcServer != nil {
		go func() {
			if err := n.grpcServer.Start(); err != nil {
				n.grpcErr <- err
			}
		}()
	}

	n.logger.Info("node started",
		"shards", n.router.ShardCount(),
		"http", n.cfg.HTTP.Enabled,
		"grpc", n.cfg.GRPC.Enabled,
		"dead_letter_backend", n.cfg.DeadLetter.Backend,
		"auth", n.cfg.Auth.Enabled,
	)
	return nil
}

// shutdown stops every component. It is safe to call after a failed start.
func (n *node) shutdown(ctx context.Context) error {
	n.logger.Info("node shutting down")

	if n.httpServer != nil {
		n.httpServer.Health().SetReady(false)
	}

	var errs []error
	if err := n.router.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close router: %w", err))
	}
	if n.httpServer != nil {
		if err := n.httpServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop HTTP API: %w", err))
		}
	}
	if n.grpcServer != nil {
		n.grpcServer.Stop(ctx)
	}
	if err := n.closeSink(); err != nil {
		errs = append(errs, fmt.Errorf("close dead-letter sink: %w", err))
	}

	n.logger.Info("node stopped")
	return errors.Join(errs...)
}
