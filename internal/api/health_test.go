package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snarg/callflow/internal/ai"
)

type mockPinger struct{ err error }

func (m mockPinger) HealthCheck(ctx context.Context) error { return m.err }

type mockConn struct{ connected bool }

func (m mockConn) IsConnected() bool { return m.connected }

type mockAIStats struct{ stats ai.MockStats }

func (m mockAIStats) Stats() ai.MockStats { return m.stats }

func getHealth(t *testing.T, h *HealthHandler) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestHealthHealthy(t *testing.T) {
	h := NewHealthHandler(mockPinger{}, mockConn{connected: true},
		mockAIStats{stats: ai.MockStats{Calls: 10, Failures: 3}}, "test", time.Now())

	code, resp := getHealth(t, h)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if resp.Status != "healthy" || resp.Checks["database"] != "ok" || resp.Checks["mqtt"] != "ok" {
		t.Errorf("response = %+v", resp)
	}
	if resp.AI == nil || resp.AI.Calls != 10 || resp.AI.Failures != 3 {
		t.Errorf("ai stats = %+v", resp.AI)
	}
}

func TestHealthDatabaseDown(t *testing.T) {
	h := NewHealthHandler(mockPinger{err: errors.New("down")}, nil, nil, "test", time.Now())

	code, resp := getHealth(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if resp.Status != "unhealthy" || resp.Checks["database"] != "error" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Checks["mqtt"] != "not_configured" {
		t.Errorf("mqtt check = %q", resp.Checks["mqtt"])
	}
}

func TestHealthBrokerDisconnected(t *testing.T) {
	h := NewHealthHandler(mockPinger{}, mockConn{connected: false}, nil, "test", time.Now())

	code, resp := getHealth(t, h)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if resp.Status != "degraded" || resp.Checks["mqtt"] != "disconnected" {
		t.Errorf("response = %+v", resp)
	}
}
