package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/callflow/internal/database"
	"github.com/snarg/callflow/internal/ingest"
)

// PacketIngester accepts one packet. *ingest.Coordinator implements it.
type PacketIngester interface {
	IngestPacket(ctx context.Context, callID string, sequence int, data string, timestamp float64) (*ingest.Ack, error)
}

// CallReader serves the read-side endpoints. *database.DB implements it.
type CallReader interface {
	GetCallSnapshot(ctx context.Context, callID string) (*database.CallSnapshot, error)
	GetAIResult(ctx context.Context, callID string) (*database.AIResult, error)
}

type CallsHandler struct {
	ingester PacketIngester
	reader   CallReader
}

func NewCallsHandler(ingester PacketIngester, reader CallReader) *CallsHandler {
	return &CallsHandler{ingester: ingester, reader: reader}
}

// Routes registers the call endpoints.
func (h *CallsHandler) Routes(r chi.Router) {
	r.Post("/call/stream/{call_id}", h.IngestPacket)
	r.Get("/call/{call_id}/status", h.GetStatus)
	r.Get("/call/{call_id}/result", h.GetResult)
}

type ingestRequest struct {
	Sequence  *int     `json:"sequence"`
	Data      string   `json:"data"`
	Timestamp *float64 `json:"timestamp"`
}

type ingestResponse struct {
	Status    string `json:"status"`
	CallID    string `json:"call_id"`
	Sequence  int    `json:"sequence"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Message   string `json:"message,omitempty"`
}

// IngestPacket handles POST /v1/call/stream/{call_id}. Validation
// failures are rejected before any database work; accepted packets are
// durably persisted when the 202 goes out.
func (h *CallsHandler) IngestPacket(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	if callID == "" {
		WriteError(w, http.StatusBadRequest, "missing call_id")
		return
	}

	var req ingestRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Sequence == nil || *req.Sequence < 0 {
		WriteError(w, http.StatusBadRequest, "sequence must be a non-negative integer")
		return
	}
	if req.Data == "" {
		WriteError(w, http.StatusBadRequest, "data must be non-empty")
		return
	}
	if req.Timestamp == nil || *req.Timestamp <= 0 {
		WriteError(w, http.StatusBadRequest, "timestamp must be a positive number")
		return
	}

	ack, err := h.ingester.IngestPacket(r.Context(), callID, *req.Sequence, req.Data, *req.Timestamp)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("call_id", callID).Msg("packet ingestion failed")
		WriteError(w, http.StatusInternalServerError, "packet could not be persisted")
		return
	}

	WriteJSON(w, http.StatusAccepted, ingestResponse{
		Status:    "accepted",
		CallID:    ack.CallID,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
		Message:   ack.Message,
	})
}

type statusResponse struct {
	CallID       string    `json:"call_id"`
	State        string    `json:"state"`
	LastSequence int       `json:"last_sequence"`
	PacketCount  int       `json:"packet_count"`
	HasAIResult  bool      `json:"has_ai_result"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GetStatus handles GET /v1/call/{call_id}/status.
func (h *CallsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")

	snap, err := h.reader.GetCallSnapshot(r.Context(), callID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load call")
		return
	}
	if snap == nil {
		WriteError(w, http.StatusNotFound, "call not found")
		return
	}

	WriteJSON(w, http.StatusOK, statusResponse{
		CallID:       snap.Call.CallID,
		State:        string(snap.Call.State),
		LastSequence: snap.Call.LastSequence,
		PacketCount:  snap.PacketCount,
		HasAIResult:  snap.HasAIResult,
		CreatedAt:    snap.Call.CreatedAt,
		UpdatedAt:    snap.Call.UpdatedAt,
	})
}

type resultResponse struct {
	CallID       string     `json:"call_id"`
	Status       string     `json:"status"`
	Transcript   *string    `json:"transcript"`
	Sentiment    *string    `json:"sentiment"`
	RetryCount   int        `json:"retry_count"`
	LastRetryAt  *time.Time `json:"last_retry_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// GetResult handles GET /v1/call/{call_id}/result.
func (h *CallsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")

	res, err := h.reader.GetAIResult(r.Context(), callID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	if res == nil {
		WriteError(w, http.StatusNotFound, "no result for call")
		return
	}

	WriteJSON(w, http.StatusOK, resultResponse{
		CallID:       res.CallID,
		Status:       res.Status,
		Transcript:   res.Transcript,
		Sentiment:    res.Sentiment,
		RetryCount:   res.RetryCount,
		LastRetryAt:  res.LastRetryAt,
		CompletedAt:  res.CompletedAt,
		ErrorMessage: res.ErrorMessage,
	})
}
