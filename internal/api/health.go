package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/callflow/internal/ai"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	AI            *ai.MockStats     `json:"ai,omitempty"`
}

// Pinger reports database liveness. *database.DB implements it.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// ConnChecker reports broker connectivity. *mqttclient.Client implements it.
type ConnChecker interface {
	IsConnected() bool
}

// AIStats exposes transcription client counters. *ai.MockClient
// implements it.
type AIStats interface {
	Stats() ai.MockStats
}

type HealthHandler struct {
	db        Pinger
	mqtt      ConnChecker
	aiStats   AIStats
	version   string
	startTime time.Time
}

// NewHealthHandler creates the health endpoint. mqtt and aiStats may be
// nil when not configured.
func NewHealthHandler(db Pinger, mqtt ConnChecker, aiStats AIStats, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		aiStats:   aiStats,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Database check
	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.aiStats != nil {
		stats := h.aiStats.Stats()
		resp.AI = &stats
	}
	WriteJSON(w, httpStatus, resp)
}
