package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
	"github.com/kjstillabower/weather-dashboard-service/internal/lifecycle"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
	"github.com/kjstillabower/weather-dashboard-service/internal/service"
	"github.com/kjstillabower/weather-dashboard-service/internal/store"
	"github.com/kjstillabower/weather-dashboard-service/internal/traffic"
	"github.com/kjstillabower/weather-dashboard-service/internal/validation"
)

// Default and maximum page sizes for the series endpoints.
const (
	DefaultObservationLimit = 24
	DefaultPredictionLimit  = 20
	MaxListLimit            = 1000
)

// maxBodyBytes bounds PATCH request bodies.
const maxBodyBytes = 4 << 10

// HealthConfig holds lifecycle thresholds and dependency probes for the health handler.
type HealthConfig struct {
	RateLimitRPS     int
	RateLimitBurst   int // 0 when rate limiter disabled
	DegradedWindow   time.Duration
	DegradedErrorPct int
	StartTime        time.Time
	// StorePing checks database reachability. Required for the store check.
	StorePing func(ctx context.Context) error
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	dashboards       *service.DashboardService
	seeder           *service.Seeder
	feed             *changefeed.Feed
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	events           EventsConfig
	streams          streamRegistry
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. feed may be nil, in which case the event stream is unavailable.
func NewHandler(
	dashboards *service.DashboardService,
	seeder *service.Seeder,
	feed *changefeed.Feed,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	return &Handler{
		dashboards:   dashboards,
		seeder:       seeder,
		feed:         feed,
		healthConfig: healthConfig,
		logger:       logger,
		rateLimiter:  rateLimiter,
		events:       defaultEventsConfig(),
	}
}

// SetEventsConfig overrides the event stream settings.
func (h *Handler) SetEventsConfig(cfg EventsConfig) {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultEventsConfig().Buffer
	}
	h.events = cfg
}

// ListStations handles GET /stations.
func (h *Handler) ListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := h.dashboards.ListStations(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, stations)
}

// GetStation handles GET /stations/{id}.
func (h *Handler) GetStation(w http.ResponseWriter, r *http.Request) {
	id, ok := stationIDFromPath(w, r)
	if !ok {
		return
	}
	station, err := h.dashboards.GetStation(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, station)
}

// GetDashboard handles GET /stations/{id}/dashboard.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	id, ok := stationIDFromPath(w, r)
	if !ok {
		return
	}
	d, err := h.dashboards.GetDashboard(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, d)
}

// ListObservations handles GET /stations/{id}/observations?limit=.
func (h *Handler) ListObservations(w http.ResponseWriter, r *http.Request) {
	id, ok := stationIDFromPath(w, r)
	if !ok {
		return
	}
	limit, err := validation.ParseLimit(r.URL.Query().Get("limit"), DefaultObservationLimit, MaxListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}
	rows, err := h.dashboards.ListObservations(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, rows)
}

// ListPredictions handles GET /stations/{id}/predictions?limit=.
func (h *Handler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	id, ok := stationIDFromPath(w, r)
	if !ok {
		return
	}
	limit, err := validation.ParseLimit(r.URL.Query().Get("limit"), DefaultPredictionLimit, MaxListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}
	rows, err := h.dashboards.ListPredictions(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, rows)
}

// ListAlerts handles GET /stations/{id}/alerts?active=. Without the parameter every alert is returned.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := stationIDFromPath(w, r)
	if !ok {
		return
	}
	activeOnly, err := validation.ParseBool(r.URL.Query().Get("active"), false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "active: "+err.Error())
		return
	}
	rows, err := h.dashboards.ListAlerts(r.Context(), id, activeOnly)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, rows)
}

// PatchAlert handles PATCH /alerts/{id} with body {"is_active": bool}.
func (h *Handler) PatchAlert(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ValidateID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "alert "+err.Error())
		return
	}
	var body struct {
		IsActive *bool `json:"is_active"`
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil || body.IsActive == nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", `body must be {"is_active": true|false}`)
		return
	}
	alert, err := h.dashboards.SetAlertActive(r.Context(), id, *body.IsActive)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, alert)
}

// PostSeed handles POST /seed[?reset=true].
func (h *Handler) PostSeed(w http.ResponseWriter, r *http.Request) {
	reset, err := validation.ParseBool(r.URL.Query().Get("reset"), false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "reset: "+err.Error())
		return
	}
	summary, err := h.seeder.Seed(r.Context(), reset)
	if err != nil {
		traffic.RecordError()
		if logger := loggerFrom(r); logger != nil {
			logger.Warn("seed request failed", zap.Error(err))
		}
		if errors.Is(err, store.ErrUnavailable) {
			writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Data store unavailable")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "SEED_FAILED", "Seeding failed; retry the request")
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, summary)
}

// stationIDFromPath validates the {id} path variable and writes 400 INVALID_STATION on failure.
func stationIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := validation.ValidateID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_STATION", "station "+err.Error())
		return "", false
	}
	return id, true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result, checks := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "weather-dashboard-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus determines the current health status by evaluating conditions
// in priority order: shutting-down > store unreachable > degraded > healthy.
// Cache reachability is reported in checks but never fails the service; the store is
// the source of truth.
func (h *Handler) computeHealthStatus(ctx context.Context) (healthResult, map[string]string) {
	checks := make(map[string]string)
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}

	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}, checks
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}, checks
	}
	if h.healthConfig.StorePing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.healthConfig.StorePing(pingCtx)
		cancel()
		if err != nil {
			checks["store"] = "unhealthy"
			return healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable"}, checks
		}
		checks["store"] = "healthy"
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errCount, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errCount) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}, checks
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}, checks
}

// writeJSON writes a JSON response with the specified HTTP status code.
// Sets Content-Type header to application/json and encodes the provided value.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": correlationID(r),
		},
	})
}

// writeServiceError maps service errors to responses: 404 for unknown rows, 503 otherwise.
// Store failures count toward the degraded error rate; not-found does not.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		traffic.RecordSuccess()
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Resource not found")
		return
	}
	traffic.RecordError()
	writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Unable to load data")
	if logger := loggerFrom(r); logger != nil {
		logger.Debug("store error", zap.Error(err))
	}
}

func correlationID(r *http.Request) string {
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		return v
	}
	return ""
}

func loggerFrom(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return nil
}

// GetTestStatus handles GET /test. Returns current simulated state.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errCount, _ := traffic.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}
	subscribers := 0
	if h.feed != nil {
		subscribers = h.feed.SubscriberCount()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_requests_in_window":  traffic.RequestCount(window),
		"denied_requests_in_window": traffic.DenialCount(window),
		"errors_in_window":          errCount,
		"window_length":             window.String(),
		"changefeed_subscribers":    subscribers,
		"open_event_streams":        OpenStreams(),
		"config":                    cfg,
	})
}

// PostTestAction handles POST /test/{action} for load, error, reset, shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.postTestLoad(w, r)
	case "error":
		h.postTestError(w, r)
	case "reset":
		h.postTestReset(w, r)
	case "shutdown":
		h.postTestShutdown(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

// postTestLoad simulates load by recording the specified number of requests,
// respecting rate limits if configured. Returns accepted/denied counts and current health state.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 10
	}
	var accepted, denied int
	if h.rateLimiter != nil {
		for i := 0; i < body.Count; i++ {
			if h.rateLimiter.Allow() {
				traffic.RecordSuccess()
				accepted++
			} else {
				traffic.RecordDenied()
				observability.RateLimitDeniedTotal.Inc()
				denied++
			}
		}
	} else {
		traffic.RecordSuccessN(body.Count)
		accepted = body.Count
	}
	result, _ := h.computeHealthStatus(r.Context())
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"action":   "load",
		"message":  msg,
		"state":    result.status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// postTestError simulates errors by recording the specified number of error events.
// Returns current error rate percentage and health state after recording errors.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 1
	}
	traffic.RecordErrorN(body.Count)
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errCount, total := traffic.ErrorRate(window)
	pct := 0
	if total > 0 {
		pct = errCount * 100 / total
	}
	result, _ := h.computeHealthStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         "error",
		"message":        "Recorded " + strconv.Itoa(body.Count) + " errors",
		"state":          result.status,
		"error_rate_pct": pct,
	})
}

// postTestReset clears all simulated traffic state and the shutdown flag. Used for test cleanup.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "All simulated state cleared",
	})
}

// postTestShutdown sets the service shutdown flag, triggering graceful shutdown behavior.
// Health checks will return shutting-down status after this is called.
func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	lifecycle.SetShuttingDown(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutting-down flag set",
	})
}
