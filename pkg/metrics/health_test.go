package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetChecker() {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetChecker()

	RegisterComponent("catalog", true, "running")

	if len(healthChecker.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(healthChecker.components))
	}

	comp := healthChecker.components["catalog"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Message != "running" {
		t.Errorf("expected message 'running', got '%s'", comp.Message)
	}
}

func TestGetHealthAllHealthy(t *testing.T) {
	resetChecker()
	SetVersion("1.0.0")

	RegisterComponent("catalog", true, "")
	RegisterComponent("objectstore", true, "")

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

func TestGetHealthOneUnhealthy(t *testing.T) {
	resetChecker()

	RegisterComponent("api", true, "")
	RegisterComponent("catalog", false, "database file locked")

	health := GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
	if health.Components["catalog"] != "unhealthy: database file locked" {
		t.Errorf("unexpected catalog status: %s", health.Components["catalog"])
	}
}

func TestGetReadinessAllReady(t *testing.T) {
	resetChecker()

	RegisterComponent("catalog", true, "")
	RegisterComponent("objectstore", true, "")
	RegisterComponent("api", true, "")

	readiness := GetReadiness()

	if readiness.Status != "ready" {
		t.Errorf("expected status 'ready', got '%s'", readiness.Status)
	}
}

func TestGetReadinessMissingCriticalComponent(t *testing.T) {
	resetChecker()

	RegisterComponent("api", true, "")
	// catalog and objectstore not registered yet

	readiness := GetReadiness()

	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}
	if readiness.Message == "" {
		t.Error("expected message explaining why not ready")
	}
}

func TestGetReadinessCriticalComponentUnhealthy(t *testing.T) {
	resetChecker()

	RegisterComponent("catalog", false, "failed to open database")
	RegisterComponent("objectstore", true, "")
	RegisterComponent("api", true, "")

	readiness := GetReadiness()

	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}
}

func TestReadyHandler(t *testing.T) {
	resetChecker()

	RegisterComponent("catalog", true, "")
	RegisterComponent("objectstore", true, "")
	RegisterComponent("api", true, "")

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	ReadyHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var readiness HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&readiness); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if readiness.Status != "ready" {
		t.Errorf("expected ready status, got %s", readiness.Status)
	}
}

func TestReadyHandlerNotReady(t *testing.T) {
	resetChecker()

	RegisterComponent("api", true, "")
	// catalog not registered

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	ReadyHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var readiness HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&readiness); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if readiness.Status != "not_ready" {
		t.Errorf("expected not_ready status, got %s", readiness.Status)
	}
}

func TestLivenessHandler(t *testing.T) {
	resetChecker()

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()

	LivenessHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["status"] != "alive" {
		t.Errorf("expected status 'alive', got '%s'", response["status"])
	}
	if response["uptime"] == "" {
		t.Error("uptime should not be empty")
	}
}

func TestUpdateComponent(t *testing.T) {
	resetChecker()

	RegisterComponent("objectstore", true, "ok")
	UpdateComponent("objectstore", false, "disk full")

	comp := healthChecker.components["objectstore"]
	if comp.Healthy {
		t.Error("component should be unhealthy after update")
	}
	if comp.Message != "disk full" {
		t.Errorf("expected message 'disk full', got '%s'", comp.Message)
	}
}

func TestUptime(t *testing.T) {
	resetChecker()

	if Uptime() < 0 {
		t.Error("uptime should never be negative")
	}
	time.Sleep(10 * time.Millisecond)
	if Uptime() < 10*time.Millisecond {
		t.Errorf("uptime should advance, got %v", Uptime())
	}
}
