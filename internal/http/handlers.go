// Package http serves the admin API: health, metrics, queue inspection and a manual fetch
// trigger.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/fetcher"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/lifecycle"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/queue"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/traffic"
)

const serviceName = "weather-pipeline"

// HealthConfig holds the failure-rate thresholds for /health.
type HealthConfig struct {
	Window              time.Duration
	FailureThresholdPct int
	// MinSamples is the number of outcomes in Window below which the failure rate is ignored.
	MinSamples int
}

// FetchTrigger runs fetch cycles on demand.
type FetchTrigger interface {
	Trigger(ctx context.Context) (fetcher.CycleResult, error)
	NextRun() time.Time
}

// Handler holds dependencies for the admin handlers.
type Handler struct {
	queue   queue.Inspector
	trigger FetchTrigger
	manual  bool
	health  HealthConfig
	logger  *zap.Logger

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a Handler. manualTrigger enables POST /fetch; trigger may be nil when it
// is disabled.
func NewHandler(q queue.Inspector, trigger FetchTrigger, manualTrigger bool, health HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		queue:   q,
		trigger: trigger,
		manual:  manualTrigger && trigger != nil,
		health:  health,
		logger:  logger,
	}
}

// NewRouter registers the admin routes behind correlation id and metrics middleware.
func NewRouter(h *Handler, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(logger))
	r.Use(MetricsMiddleware)
	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/queue/stats", h.GetQueueStats).Methods(http.MethodGet)
	r.HandleFunc("/deadletters", h.GetDeadLetters).Methods(http.MethodGet)
	r.HandleFunc("/fetch", h.PostFetch).Methods(http.MethodPost)
	return r
}

type healthResult struct {
	status     string
	statusCode int
	reason     string
	stats      *queue.Stats
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("Health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"queue": "healthy", "processing": "healthy"}
	switch result.reason {
	case "queue_unreachable":
		checks["queue"] = "unhealthy"
	case "failure_rate_breach":
		checks["processing"] = "unhealthy"
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   serviceName,
		"checks":    checks,
		"outcomes":  traffic.Snapshot(h.window()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	if result.stats != nil {
		resp["queue"] = result.stats
	}
	if h.trigger != nil {
		if next := h.trigger.NextRun(); !next.IsZero() {
			resp["next_fetch"] = next.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, result.statusCode, resp)
}

func (h *Handler) window() time.Duration {
	if h.health.Window > 0 {
		return h.health.Window
	}
	return 5 * time.Minute
}

// computeHealthStatus evaluates, in order: shutting-down > queue unreachable > failure rate
// breach > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{status: "shutting-down", statusCode: http.StatusServiceUnavailable, reason: "signal"}
	}
	stats, err := h.queue.Stats(ctx)
	if err != nil {
		observability.LoggerFrom(ctx, h.logger).Warn("Queue health check failed", zap.Error(err))
		return healthResult{status: "degraded", statusCode: http.StatusServiceUnavailable, reason: "queue_unreachable"}
	}
	if h.health.FailureThresholdPct > 0 {
		failures, total := traffic.FailureRate(h.window())
		if total > 0 && total >= h.health.MinSamples {
			pct := float64(failures) * 100 / float64(total)
			if pct >= float64(h.health.FailureThresholdPct) {
				return healthResult{status: "degraded", statusCode: http.StatusServiceUnavailable, reason: "failure_rate_breach", stats: &stats}
			}
		}
	}
	return healthResult{status: "healthy", statusCode: http.StatusOK, stats: &stats}
}

// GetQueueStats handles GET /queue/stats.
func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetDeadLetters handles GET /deadletters. The optional limit query parameter keeps the most
// recent entries.
func (h *Handler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = n
	}

	dead, err := h.queue.DeadLetters(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	total := len(dead)
	if limit > 0 && len(dead) > limit {
		dead = dead[len(dead)-limit:]
	}
	if dead == nil {
		dead = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": dead,
		"count":        len(dead),
		"total":        total,
	})
}

// PostFetch handles POST /fetch by running one fetch cycle now.
func (h *Handler) PostFetch(w http.ResponseWriter, r *http.Request) {
	if !h.manual {
		writeError(w, r, http.StatusNotFound, "MANUAL_TRIGGER_DISABLED", "manual fetch trigger is disabled")
		return
	}
	result, err := h.trigger.Trigger(r.Context())
	if err != nil {
		observability.LoggerFrom(r.Context(), h.logger).Warn("Manual fetch failed", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "FETCH_FAILED", "fetch cycle failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body with the request's correlation id.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "queue backend unavailable")
	observability.LoggerFrom(r.Context(), zap.NewNop()).Debug("queue error", zap.Error(err))
}
