// =============================================================================
// PROBE ENDPOINTS
// =============================================================================
//
//   GET /health      - Overall status, the summary an operator looks at
//   GET /healthz     - Liveness: every shard's redelivery loop is running
//   GET /readyz      - Readiness: the server accepts traffic
//   GET /livez       - Startup: the router exists and the server was started
//
// WHY LIVENESS LOOKS AT THE REDELIVERY LOOPS:
//
//   ┌──────────────────────────────────────────────────────────────────────┐
//   │ shard N                                                              │
//   │                                                                      │
//   │   redeliveryLoop ──► heartbeat (unix nanos) every iteration          │
//   │                                                                      │
//   │   /healthz: heartbeat older than 3×PollInterval+1s ──► 503           │
//   │             loop exited                          ──► 503             │
//   └──────────────────────────────────────────────────────────────────────┘
//
//   A process whose HTTP side answers but whose loops are stuck keeps
//   in-flight messages forever. That process should be restarted.
//
// Extra checks (for example Redis connectivity of the dead-letter sink) are
// registered with AddCheck and show up under ?verbose=true on /readyz.
//
// =============================================================================

package api

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// HEALTH CHECK STATE
// =============================================================================

// HealthState tracks probe state for one server.
type HealthState struct {
	// ready flips to true once the server is serving and back to false on
	// shutdown.
	ready atomic.Bool

	// live is false only after a fatal serving error.
	live atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) HealthCheckResult

// HealthCheckResult contains the result of a health check.
type HealthCheckResult struct {
	Status  string `json:"status"` // "pass", "warn", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthState creates a new health state tracker. It starts live and not
// ready.
func NewHealthState() *HealthState {
	h := &HealthState{
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}
	h.live.Store(true)
	return h
}

// SetReady marks the server as ready to receive traffic.
func (h *HealthState) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetLive marks the server as alive.
func (h *HealthState) SetLive(live bool) {
	h.live.Store(live)
}

// AddCheck registers a named check run by verbose readiness probes.
func (h *HealthState) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// IsReady returns whether the server is ready for traffic.
func (h *HealthState) IsReady() bool {
	return h.ready.Load()
}

// IsLive returns whether the server is alive.
func (h *HealthState) IsLive() bool {
	return h.live.Load()
}

// Uptime returns how long the server has been running.
func (h *HealthState) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// run executes every registered check in name order.
func (h *HealthState) run(ctx context.Context) map[string]HealthCheckResult {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()

	sort.Strings(names)
	results := make(map[string]HealthCheckResult, len(names))
	for _, name := range names {
		start := time.Now()
		result := checks[name](ctx)
		result.Latency = time.Since(start).String()
		results[name] = result
	}
	return results
}

// =============================================================================
// HEALTH CHECK HANDLERS
// =============================================================================

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.queue.Health()

	status := "ok"
	code := http.StatusOK
	if !report.Healthy || !s.health.IsLive() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"node_id": s.config.NodeID,
		"shards":  len(report.Shards),
		"ready":   s.health.IsReady(),
		"uptime":  s.health.Uptime().String(),
	})
}

// handleHealthz handles GET /healthz, the liveness probe.
//
// Returns 503 when the HTTP server hit a fatal error or any shard's
// redelivery loop is stopped or stale. Per-shard detail is always included.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := s.queue.Health()

	if !s.health.IsLive() || !report.Healthy {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "fail",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    s.health.Uptime().String(),
			"message":   "redelivery loops are not healthy",
			"shards":    report.Shards,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "pass",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
		"shards":    report.Shards,
	})
}

// handleReadyz handles GET /readyz, the readiness probe.
//
// USE CASES FOR NOT READY:
//   - Start has not been called yet
//   - Graceful shutdown in progress
//   - A registered check failed (only evaluated with ?verbose=true)
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !s.health.IsReady() {
		resp := map[string]interface{}{
			"status":    "fail",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"message":   "server is not ready",
		}
		if verbose {
			resp["checks"] = s.health.run(r.Context())
		}
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp := map[string]interface{}{
		"status":    "pass",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
	}
	code := http.StatusOK

	if verbose {
		checks := s.health.run(r.Context())
		for _, c := range checks {
			if c.Status == "fail" {
				resp["status"] = "fail"
				code = http.StatusServiceUnavailable
			}
		}
		resp["checks"] = checks

		stats := s.queue.Stats()
		resp["queue"] = map[string]interface{}{
			"node_id":     s.config.NodeID,
			"shard_count": stats.ShardCount,
			"fifo_depth":  stats.FIFODepth,
			"in_flight":   stats.InFlight,
		}
	}

	s.writeJSON(w, code, resp)
}

// handleLivez handles GET /livez, the startup probe.
func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "fail",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"message":   "queue not yet initialized",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "pass",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
	})
}

// =============================================================================
// VERSION & INFO ENDPOINT
// =============================================================================

// Version information (set at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// handleVersion handles GET /version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}
