package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across packages.
func TestMetrics_Usable(t *testing.T) {
	// Route uses path template to avoid cardinality (e.g. /stations/{id} not /stations/<uuid>)
	HTTPRequestsTotal.WithLabelValues("GET", "/stations/{id}/dashboard", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/stations/{id}/dashboard").Observe(0.01)
	StoreQueriesTotal.WithLabelValues("list_observations", "success").Inc()
	StoreQueryDuration.WithLabelValues("list_observations").Observe(0.002)
	CacheHitsTotal.WithLabelValues("dashboard").Inc()
	CacheErrorsTotal.WithLabelValues("get", "timeout").Inc()
	CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(0.001)
	SeedRunsTotal.WithLabelValues("success").Inc()
	SeedRowsTotal.WithLabelValues("observations").Add(960)
	SeedTriggerCallsTotal.WithLabelValues("success").Inc()
	RefreshTotal.WithLabelValues("mount", "success").Inc()
	ChangefeedPublishedTotal.WithLabelValues("alerts", "UPDATE").Inc()
	ChangefeedDroppedTotal.WithLabelValues("observations").Inc()
	KafkaMessagesTotal.WithLabelValues("error").Inc()
	RecordCircuitBreakerTransition("store", "closed", "open")
	SetCircuitBreakerStateGauge("store", CircuitBreakerStateValue(1))
	RecordShutdownInFlight(3)
}

func TestObserveStoreQuery_LabelsStatus(t *testing.T) {
	before := counterValue(t, StoreQueriesTotal.WithLabelValues("ping", "error"))
	ObserveStoreQuery("ping", time.Now(), errors.New("down"))
	after := counterValue(t, StoreQueriesTotal.WithLabelValues("ping", "error"))
	if after-before != 1 {
		t.Errorf("storeQueriesTotal{op=ping,status=error} delta = %v, want 1", after-before)
	}
}

// TestSetTrackedStations_and_RecordDashboardQuery verifies that tracked stations get their
// own label and everything else is folded into "other".
func TestSetTrackedStations_and_RecordDashboardQuery(t *testing.T) {
	SetTrackedStations([]string{"Delhi Central", "Shimla Hills"})
	defer SetTrackedStations(nil)

	if got := MetricStationLabel("  delhi central "); got != "delhi central" {
		t.Errorf("MetricStationLabel(tracked) = %q", got)
	}
	if got := MetricStationLabel("Atlantis"); got != "other" {
		t.Errorf("MetricStationLabel(untracked) = %q, want other", got)
	}

	before := counterValue(t, DashboardQueriesByStationTotal.WithLabelValues("other"))
	RecordDashboardQuery("unknown-station")
	if got := counterValue(t, DashboardQueriesByStationTotal.WithLabelValues("other")) - before; got != 1 {
		t.Errorf("other delta = %v, want 1", got)
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
