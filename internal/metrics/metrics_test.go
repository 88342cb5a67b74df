package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounterInc(t *testing.T) {
	c := NewCounter("verify_decisions_total", "decisions made", Labels{"decision": "accept"})
	c.Inc()
	c.Inc()
	if got := c.Value(); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}

func TestGaugeInc(t *testing.T) {
	g := NewGauge("enrolled_users", "enrolled user count", nil)
	g.Inc()
	if got := g.Value(); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}

func TestHistogramObserveDuration(t *testing.T) {
	h := NewHistogram("verify_duration_seconds", "verification latency", nil, DurationBuckets)
	h.ObserveDuration(5 * time.Millisecond)
	h.ObserveDuration(2 * time.Second)

	if h.count != 2 {
		t.Errorf("expected count 2, got %d", h.count)
	}
	if h.sum <= 0 {
		t.Errorf("expected positive sum, got %f", h.sum)
	}
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry("neuroauth", "verify")
	c1 := r.RegisterCounter("decisions_total", "decisions", nil)
	c2 := r.RegisterCounter("decisions_total", "decisions", nil)
	if c1 != c2 {
		t.Error("expected RegisterCounter to return the same instance for the same name")
	}
}

func TestRegistryFullName(t *testing.T) {
	r := NewRegistry("neuroauth", "verify")
	c := r.RegisterCounter("decisions_total", "decisions", nil)
	if c.name != "neuroauth_verify_decisions_total" {
		t.Errorf("expected namespaced name, got %q", c.name)
	}
}

func TestHTTPHandlerPrometheusFormat(t *testing.T) {
	r := NewRegistry("neuroauth", "verify")
	r.RegisterCounter("decisions_total", "decisions made", nil).Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "neuroauth_verify_decisions_total") {
		t.Errorf("expected counter name in Prometheus output, got %q", body)
	}
}

func TestHTTPHandlerJSONFormat(t *testing.T) {
	r := NewRegistry("neuroauth", "verify")
	r.RegisterGauge("enrolled_users", "enrolled users", nil).Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("expected valid JSON, got error: %v", err)
	}
	if _, ok := out["neuroauth_verify_enrolled_users"]; !ok {
		t.Errorf("expected gauge in JSON output, got %v", out)
	}
}
