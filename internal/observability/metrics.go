package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/weather-dashboard-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Store queries by operation and status. Watch for: error vs success ratio.
	StoreQueriesTotal *prometheus.CounterVec

	// Store latency per operation. Watch for: p95 > 250ms (database pressure).
	StoreQueryDuration *prometheus.HistogramVec

	// Dashboard snapshot cache hits. Misses show up as StoreQueriesTotal{op="dashboard"}.
	CacheHitsTotal *prometheus.CounterVec

	// Cache backend errors by operation and category.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency by operation and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Cache entries dropped because a station's rows changed.
	CacheInvalidationsTotal prometheus.Counter

	// Concurrent misses on the same station. Watch for: stampede under load.
	CacheStampedeDetectedTotal *prometheus.CounterVec
	CacheStampedeConcurrency   *prometheus.HistogramVec

	// Callers that waited on another in-flight dashboard load.
	RequestCoalescingHitsTotal   *prometheus.CounterVec
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Total dashboard lookups and per-station breakdown (allow-list; others go to "other").
	DashboardQueriesTotal          prometheus.Counter
	DashboardQueriesByStationTotal *prometheus.CounterVec

	// Seeding runs by status, duration and rows written per table.
	SeedRunsTotal       *prometheus.CounterVec
	SeedDurationSeconds prometheus.Histogram
	SeedRowsTotal       *prometheus.CounterVec

	// Outbound seed trigger calls and retries.
	SeedTriggerCallsTotal   *prometheus.CounterVec
	SeedTriggerRetriesTotal prometheus.Counter

	// Refresh cycles by trigger (mount, selection, notification) and outcome.
	RefreshTotal *prometheus.CounterVec

	// Change events published and dropped on full subscriber buffers.
	ChangefeedPublishedTotal *prometheus.CounterVec
	ChangefeedDroppedTotal   *prometheus.CounterVec
	ChangefeedSubscribers    prometheus.Gauge

	// Change events forwarded to Kafka by status.
	KafkaMessagesTotal *prometheus.CounterVec

	// Circuit breaker transitions and current state (0 closed, 1 open, 2 half-open).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// In-flight requests observed when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	trackedStationsMu sync.RWMutex
	trackedStations   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	StoreQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeQueriesTotal",
			Help: "Total number of store operations",
		},
		[]string{"op", "status"},
	)
	StoreQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeQueryDurationSeconds",
			Help:    "Store operation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Total number of cache backend errors",
		},
		[]string{"op", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"op", "result"},
	)
	CacheInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheInvalidationsTotal",
			Help: "Total number of dashboard cache entries invalidated by change events",
		},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses that overlapped another miss for the same station",
		},
		[]string{"station"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent misses per station when a stampede is detected",
			Buckets: []float64{2, 3, 5, 10, 25, 50},
		},
		[]string{"station"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Dashboard loads served by waiting on an in-flight load",
		},
		[]string{"station"},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time spent waiting for a coalesced dashboard load",
			Buckets: prometheus.DefBuckets,
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed station",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	DashboardQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dashboardQueriesTotal",
			Help: "Total number of dashboard snapshot lookups",
		},
	)
	DashboardQueriesByStationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboardQueriesByStationTotal",
			Help: "Dashboard lookups by station (allow-list; others use station=other)",
		},
		[]string{"station"},
	)
	SeedRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedRunsTotal",
			Help: "Total number of seeding runs",
		},
		[]string{"status"},
	)
	SeedDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seedDurationSeconds",
			Help:    "Seeding run duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	SeedRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedRowsTotal",
			Help: "Rows written by seeding, per table",
		},
		[]string{"table"},
	)
	SeedTriggerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedTriggerCallsTotal",
			Help: "Outbound seed trigger calls by status",
		},
		[]string{"status"},
	)
	SeedTriggerRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seedTriggerRetriesTotal",
			Help: "Retry attempts for outbound seed trigger calls",
		},
	)
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshTotal",
			Help: "Dashboard refresh cycles by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)
	ChangefeedPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeedPublishedTotal",
			Help: "Change events published, by table and operation",
		},
		[]string{"table", "op"},
	)
	ChangefeedDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeedDroppedTotal",
			Help: "Change events dropped because a subscriber buffer was full",
		},
		[]string{"table"},
	)
	ChangefeedSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "changefeedSubscribers",
			Help: "Current number of change feed subscribers",
		},
	)
	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafkaMessagesTotal",
			Help: "Change events forwarded to Kafka by status",
		},
		[]string{"status"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests when graceful shutdown began",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		StoreQueriesTotal, StoreQueryDuration,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDurationSeconds, CacheInvalidationsTotal,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		DashboardQueriesTotal, DashboardQueriesByStationTotal,
		SeedRunsTotal, SeedDurationSeconds, SeedRowsTotal,
		SeedTriggerCallsTotal, SeedTriggerRetriesTotal,
		RefreshTotal,
		ChangefeedPublishedTotal, ChangefeedDroppedTotal, ChangefeedSubscribers,
		KafkaMessagesTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		RateLimitDeniedTotal,
		ShutdownInFlightRequests,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow. Uses same window as lifecycle.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "Rate limit denials in sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// ObserveStoreQuery records the outcome and latency of one store operation.
func ObserveStoreQuery(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StoreQueriesTotal.WithLabelValues(op, status).Inc()
	StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RecordCircuitBreakerTransition counts a breaker state change.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge publishes the breaker's current state.
func SetCircuitBreakerStateGauge(component string, value float64) {
	CircuitBreakerState.WithLabelValues(component).Set(value)
}

// CircuitBreakerStateValue converts a breaker state ordinal to a gauge value.
func CircuitBreakerStateValue(state int) float64 {
	return float64(state)
}

// RecordShutdownInFlight records in-flight requests at the start of shutdown.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// SetTrackedStations sets the allow-list for per-station metrics. Other stations increment "other".
func SetTrackedStations(stations []string) {
	trackedStationsMu.Lock()
	defer trackedStationsMu.Unlock()
	trackedStations = make(map[string]struct{}, len(stations))
	for _, s := range stations {
		trackedStations[normalizeStationForMetrics(s)] = struct{}{}
	}
}

// MetricStationLabel returns the station label if tracked, otherwise "other".
func MetricStationLabel(station string) string {
	s := normalizeStationForMetrics(station)
	trackedStationsMu.RLock()
	_, ok := trackedStations[s] // nil map read is safe in Go
	trackedStationsMu.RUnlock()
	if ok {
		return s
	}
	return "other"
}

// RecordDashboardQuery records a dashboard lookup for the given station.
func RecordDashboardQuery(station string) {
	DashboardQueriesTotal.Inc()
	DashboardQueriesByStationTotal.WithLabelValues(MetricStationLabel(station)).Inc()
}

func normalizeStationForMetrics(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return s
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
