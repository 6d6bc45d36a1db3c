package core

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthLoggerRecordUpdatesGauges(t *testing.T) {
	h := NewHealthLogger(
		func() MetricsSnapshot { return MetricsSnapshot{ActiveAgents: 3, HealthScore: 90, AvgInferenceMS: 12} },
		func() HealthSnapshot { return HealthSnapshot{HealthScore: 90, MeshDensity: 0.5} },
	)
	h.Record()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mesh_agents_active 3") {
		t.Fatalf("expected active agents gauge in output, got:\n%s", rec.Body.String())
	}
}

func TestHealthzReflectsHealthScore(t *testing.T) {
	h := NewHealthLogger(
		func() MetricsSnapshot { return MetricsSnapshot{} },
		func() HealthSnapshot { return HealthSnapshot{HealthScore: 10} },
	)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for low health score, got %d", rec.Code)
	}

	h2 := NewHealthLogger(
		func() MetricsSnapshot { return MetricsSnapshot{} },
		func() HealthSnapshot { return HealthSnapshot{HealthScore: 95} },
	)
	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec2 := httptest.NewRecorder()
	h2.Router().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 for high health score, got %d", rec2.Code)
	}
}
