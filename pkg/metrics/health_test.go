package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterComponent(t *testing.T) {
	healthChecker = newHealthChecker()

	RegisterComponent("ctrl/0", true, "live")

	if len(healthChecker.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(healthChecker.components))
	}

	comp := healthChecker.components["ctrl/0"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Critical {
		t.Error("component should not be critical")
	}
	if comp.Message != "live" {
		t.Errorf("expected message 'live', got '%s'", comp.Message)
	}
}

func TestUpdateComponent_KeepsCriticality(t *testing.T) {
	healthChecker = newHealthChecker()

	RegisterCritical("group/a", true, "")
	UpdateComponent("group/a", false, "degraded")

	comp := healthChecker.components["group/a"]
	if !comp.Critical {
		t.Error("update should keep the critical flag")
	}
	if comp.Healthy {
		t.Error("component should be unhealthy")
	}
}

func TestGetHealth_AllHealthy(t *testing.T) {
	healthChecker = newHealthChecker()
	healthChecker.version = "1.0.0"

	RegisterComponent("ctrl/0", true, "")
	RegisterCritical("group/a", true, "")

	health := GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestGetHealth_Degraded(t *testing.T) {
	healthChecker = newHealthChecker()

	RegisterComponent("ctrl/0", false, "resetting")
	RegisterCritical("group/a", true, "")

	if status := GetHealth().Status; status != "degraded" {
		t.Errorf("expected status 'degraded', got '%s'", status)
	}
}

func TestGetHealth_CriticalUnhealthy(t *testing.T) {
	healthChecker = newHealthChecker()

	RegisterComponent("ctrl/0", false, "dead")
	RegisterCritical("group/a", false, "no viable path")

	if status := GetHealth().Status; status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", status)
	}
}

func TestGetReadiness(t *testing.T) {
	healthChecker = newHealthChecker()

	if status := GetReadiness().Status; status != "not_ready" {
		t.Errorf("expected 'not_ready' with no components, got '%s'", status)
	}

	RegisterComponent("ctrl/0", false, "resetting")
	RegisterCritical("group/a", true, "")
	if status := GetReadiness().Status; status != "ready" {
		t.Errorf("expected 'ready', got '%s'", status)
	}

	UpdateComponent("group/a", false, "no viable path")
	readiness := GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected 'not_ready', got '%s'", readiness.Status)
	}
	if readiness.Message != "waiting for group/a" {
		t.Errorf("unexpected message '%s'", readiness.Message)
	}

	RemoveComponent("group/a")
	if status := GetReadiness().Status; status != "ready" {
		t.Errorf("expected 'ready' after removal, got '%s'", status)
	}
}

func TestHealthHandler(t *testing.T) {
	healthChecker = newHealthChecker()
	healthChecker.version = "test"

	RegisterComponent("ctrl/0", true, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	HealthHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected healthy status, got %s", health.Status)
	}
	if health.Version != "test" {
		t.Errorf("expected version 'test', got %s", health.Version)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	healthChecker = newHealthChecker()

	RegisterCritical("group/a", false, "no viable path")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	HealthHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestReadyHandler_NotReady(t *testing.T) {
	healthChecker = newHealthChecker()

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	ReadyHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()

	LivenessHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}
