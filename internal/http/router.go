package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

// RouterConfig holds route-level settings.
type RouterConfig struct {
	RequestTimeout time.Duration
	TestingMode    bool
}

// NewRouter wires every endpoint with the standard middleware stack. Data routes get the
// rate limiter and request timeout; the event stream is rate limited but not timed out.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	limited := RateLimitMiddleware(h.rateLimiter)
	timed := func(next http.Handler) http.Handler { return next }
	if cfg.RequestTimeout > 0 {
		timed = TimeoutMiddleware(cfg.RequestTimeout)
	}
	api := func(path string, fn http.HandlerFunc, method string) {
		router.Handle(path, limited(timed(fn))).Methods(method)
	}
	api("/stations", h.ListStations, http.MethodGet)
	api("/stations/{id}", h.GetStation, http.MethodGet)
	api("/stations/{id}/dashboard", h.GetDashboard, http.MethodGet)
	api("/stations/{id}/observations", h.ListObservations, http.MethodGet)
	api("/stations/{id}/predictions", h.ListPredictions, http.MethodGet)
	api("/stations/{id}/alerts", h.ListAlerts, http.MethodGet)
	api("/alerts/{id}", h.PatchAlert, http.MethodPatch)
	api("/seed", h.PostSeed, http.MethodPost)
	router.Handle("/dashboard/events", limited(http.HandlerFunc(h.DashboardEvents))).Methods(http.MethodGet)
	api("/dashboard/events/{stream}/select", h.SelectStation, http.MethodPost)

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", h.GetTestStatus).Methods(http.MethodGet)
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods(http.MethodPost)
	}
	return router
}
