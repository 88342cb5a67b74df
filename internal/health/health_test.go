package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckerOverallStatusCriticalUnhealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("model_bundle", true, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Message: "model bundle not loaded"}
	})
	c.Check(context.Background())

	if got := c.OverallStatus(); got != StatusUnhealthy {
		t.Errorf("expected StatusUnhealthy for a failing critical component, got %v", got)
	}
}

func TestCheckerOverallStatusNonCriticalDegrades(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("model_bundle", true, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
	c.RegisterFunc("database", false, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Message: "store not open"}
	})
	c.Check(context.Background())

	if got := c.OverallStatus(); got != StatusDegraded {
		t.Errorf("expected StatusDegraded when only a non-critical component fails, got %v", got)
	}
}

func TestCheckerOverallStatusHealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("model_bundle", true, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
	c.Check(context.Background())

	if got := c.OverallStatus(); got != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", got)
	}
}

func TestCheckerCheckRecoversFromPanic(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("model_bundle", true, func(ctx context.Context) CheckResult {
		panic("boom")
	})
	results := c.Check(context.Background())

	result, ok := results["model_bundle"]
	if !ok {
		t.Fatal("expected a result for model_bundle")
	}
	if result.Status != StatusUnhealthy {
		t.Errorf("expected a panicking check to report StatusUnhealthy, got %v", result.Status)
	}
}

func TestCheckerCheckTimesOut(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:     "model_bundle",
		Critical: true,
		Timeout:  10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			return CheckResult{Status: StatusHealthy}
		},
	})
	results := c.Check(context.Background())

	if results["model_bundle"].Status != StatusUnhealthy {
		t.Errorf("expected a timed-out check to report StatusUnhealthy, got %v", results["model_bundle"].Status)
	}
}

func TestCheckerReadiness(t *testing.T) {
	c := NewChecker()
	if c.IsReady() {
		t.Error("expected a freshly constructed checker to not be ready")
	}
	c.SetReady(true)
	if !c.IsReady() {
		t.Error("expected IsReady to reflect SetReady(true)")
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	c := NewChecker()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadinessHandlerNotReady(t *testing.T) {
	c := NewChecker()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before SetReady, got %d", rec.Code)
	}
}

func TestReadinessHandlerReady(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 once ready with no failing components, got %d", rec.Code)
	}
}

func TestHealthHandlerReportsComponentsWhenFull(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("model_bundle", true, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
	c.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/health?full=true", nil)
	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("expected JSON content type, got %q", rec.Header().Get("Content-Type"))
	}
}
