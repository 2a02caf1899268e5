// =============================================================================
// PROMETHEUS METRICS - REGISTRY AND HELPERS
// =============================================================================
//
// Every shardq metric lives in one Registry so that tests can build a fresh,
// isolated one and the server can expose exactly what it registered.
//
// NAMING:
//
//   {namespace}_{subsystem}_{name}_{unit}
//
//   shardq_queue_messages_published_total{shard="0"}
//   shardq_queue_fifo_depth{shard="2"}
//   shardq_api_requests_total{transport="http",route="/v1/messages",code="201"}
//
// CARDINALITY:
// Labels are bounded: shard index (fixed at startup), reason and stage enums,
// route templates (never raw paths), status codes. Message ids are never
// labels. Routers with thousands of shards can collapse the shard label to
// "all" with IncludeShardLabel=false.
//
// ACCESS:
//   - Init/Get: process-wide singleton used by the server
//   - NewRegistry: isolated registries for tests
//
// Record* methods accept a nil receiver, so instrumented code never has to
// check whether metrics were initialized.
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all shardq metrics and the Prometheus registry behind them.
type Registry struct {
	promRegistry *prometheus.Registry
	config       Config
	logger       *slog.Logger
	enabled      bool

	Queue *QueueMetrics
	API   *APIMetrics
}

// Config holds metrics configuration.
type Config struct {
	// Enabled turns collection on. When false every Record* is a no-op.
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`

	// IncludeShardLabel keeps the per-shard label. When false all shards
	// report under shard="all".
	IncludeShardLabel bool `yaml:"include_shard_label"`

	// IncludeGoCollector adds Go runtime metrics (goroutines, GC, memory).
	IncludeGoCollector bool `yaml:"include_go_collector"`

	// IncludeProcessCollector adds process metrics (CPU, RSS, fds).
	IncludeProcessCollector bool `yaml:"include_process_collector"`

	// HistogramBuckets for wait and latency histograms, in seconds.
	HistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// DefaultConfig returns sensible defaults.
//
// Queue waits span from sub-millisecond (shard had room, message was ready)
// to the long-poll ceiling, so buckets run from 0.5ms to 30s.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "shardq",
		IncludeShardLabel:       true,
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		HistogramBuckets: []float64{
			0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
		},
	}
}

// =============================================================================
// GLOBAL REGISTRY
// =============================================================================

var (
	globalRegistry *Registry
	globalOnce     sync.Once
)

// Init initializes the global registry. Later calls return the first one.
func Init(config Config) *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry(config)
	})
	return globalRegistry
}

// Get returns the global registry, or nil if Init was not called.
func Get() *Registry {
	return globalRegistry
}

// Handler returns the /metrics handler of the global registry, or nil.
func Handler() http.Handler {
	if globalRegistry == nil {
		return nil
	}
	return globalRegistry.Handler()
}

// =============================================================================
// REGISTRY CREATION
// =============================================================================

// NewRegistry creates a registry with every shardq metric family registered.
func NewRegistry(config Config) *Registry {
	logger := slog.Default().With("component", "metrics")

	if config.Namespace == "" {
		config.Namespace = "shardq"
	}
	if len(config.HistogramBuckets) == 0 {
		config.HistogramBuckets = DefaultConfig().HistogramBuckets
	}

	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		config:       config,
		logger:       logger,
		enabled:      config.Enabled,
	}

	if !config.Enabled {
		logger.Info("metrics collection disabled")
		return r
	}

	if config.IncludeGoCollector {
		r.promRegistry.MustRegister(collectors.NewGoCollector())
	}
	if config.IncludeProcessCollector {
		r.promRegistry.MustRegister(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		))
	}

	r.Queue = newQueueMetrics(r)
	r.API = newAPIMetrics(r)

	logger.Info("metrics registry initialized",
		"namespace", config.Namespace,
		"include_shard_label", config.IncludeShardLabel,
	)
	return r
}

// Handler returns an HTTP handler serving the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil || !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("# metrics disabled\n"))
		})
	}

	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          &promLogger{logger: r.logger},
		Registry:          r.promRegistry,
	})
}

// promLogger adapts slog to promhttp's error logger.
type promLogger struct {
	logger *slog.Logger
}

func (l *promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", "error", v)
}

// Enabled reports whether collection is on.
func (r *Registry) Enabled() bool {
	return r != nil && r.enabled
}

// Config returns the metrics configuration.
func (r *Registry) Config() Config {
	return r.config
}

// PrometheusRegistry exposes the underlying registry for tests and custom
// collectors.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// shardLabel renders a shard index as a label value.
func (r *Registry) shardLabel(shard int) string {
	if !r.config.IncludeShardLabel {
		return "all"
	}
	return strconv.Itoa(shard)
}

// =============================================================================
// REGISTRATION HELPERS
// =============================================================================

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	v := prometheus.NewCounterVec(opts, labelNames)
	r.promRegistry.MustRegister(v)
	return v
}

func (r *Registry) newGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = r.config.Namespace
	v := prometheus.NewGaugeVec(opts, labelNames)
	r.promRegistry.MustRegister(v)
	return v
}

func (r *Registry) newHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.HistogramBuckets
	}
	v := prometheus.NewHistogramVec(opts, labelNames)
	r.promRegistry.MustRegister(v)
	return v
}

// =============================================================================
// TIMING
// =============================================================================

// Timer measures an operation and feeds an observer.
//
//	timer := metrics.NewTimer(hist.WithLabelValues("0"))
//	defer timer.ObserveDuration()
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts a timer. A nil observer only measures.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), observer: observer}
}

// ObserveDuration records and returns the elapsed time.
func (t *Timer) ObserveDuration() time.Duration {
	elapsed := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(elapsed.Seconds())
	}
	return elapsed
}
