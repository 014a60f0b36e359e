package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhouzirui/z-tutor/backend/internal/cache"
	"github.com/zhouzirui/z-tutor/backend/internal/metrics"
	"github.com/zhouzirui/z-tutor/backend/internal/model/scenario"
	"github.com/zhouzirui/z-tutor/backend/internal/observability"
	sessionservice "github.com/zhouzirui/z-tutor/backend/internal/service/session"
)

func newTestRouter() http.Handler {
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	scenarios := scenario.NewMemoryStore(scenario.Seed())
	orch := sessionservice.New(sessionservice.Dependencies{
		Scenarios: scenarios,
		Metrics:   m,
		Logger:    observability.Discard(),
	}, sessionservice.Config{})
	return NewRouter(Dependencies{
		Scenarios: scenarios,
		Sessions:  orch,
		Cache:     cache.NewStore(nil, cache.Options{Capacity: 8, Logger: observability.Discard()}),
		Gatherer:  reg,
	})
}

func TestHealth(t *testing.T) {
	r := newTestRouter()
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected status: %v", body["status"])
	}
	if _, ok := body["cache"]; !ok {
		t.Fatalf("expected cache stats in health response")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter()

	create := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"userId":"u1"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, create)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "z_tutor_session_started_total") {
		t.Fatalf("expected session metrics in exposition")
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter()
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodOptions, "/api/sessions", nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}
