package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/callflow/internal/database"
	"github.com/snarg/callflow/internal/ingest"
	"github.com/snarg/callflow/internal/state"
)

type mockIngester struct {
	ack   *ingest.Ack
	err   error
	calls int
}

func (m *mockIngester) IngestPacket(ctx context.Context, callID string, sequence int, data string, timestamp float64) (*ingest.Ack, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.ack != nil {
		return m.ack, nil
	}
	return &ingest.Ack{CallID: callID, Sequence: sequence}, nil
}

type mockReader struct {
	snap    *database.CallSnapshot
	res     *database.AIResult
	snapErr error
	resErr  error
}

func (m *mockReader) GetCallSnapshot(ctx context.Context, callID string) (*database.CallSnapshot, error) {
	return m.snap, m.snapErr
}

func (m *mockReader) GetAIResult(ctx context.Context, callID string) (*database.AIResult, error) {
	return m.res, m.resErr
}

func newCallsRouter(ing PacketIngester, rd CallReader) http.Handler {
	r := chi.NewRouter()
	h := NewCallsHandler(ing, rd)
	r.Route("/v1", h.Routes)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ── Ingestion endpoint ───────────────────────────────────────────────

func TestIngestEndpointAccepted(t *testing.T) {
	ing := &mockIngester{}
	r := newCallsRouter(ing, &mockReader{})

	rec := doJSON(t, r, "POST", "/v1/call/stream/c1",
		`{"sequence":0,"data":"aGVsbG8=","timestamp":1706745600.25}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "accepted" || resp.CallID != "c1" || resp.Sequence != 0 {
		t.Errorf("response = %+v", resp)
	}
	if ing.calls != 1 {
		t.Errorf("ingester called %d times, want 1", ing.calls)
	}
}

func TestIngestEndpointDuplicatePassthrough(t *testing.T) {
	ing := &mockIngester{ack: &ingest.Ack{
		CallID: "c1", Sequence: 3, Duplicate: true, Message: "duplicate packet ignored",
	}}
	r := newCallsRouter(ing, &mockReader{})

	rec := doJSON(t, r, "POST", "/v1/call/stream/c1",
		`{"sequence":3,"data":"eA==","timestamp":1.0}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp ingestResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Duplicate || resp.Message == "" {
		t.Errorf("response = %+v, want duplicate with message", resp)
	}
}

func TestIngestEndpointValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"malformed_json", `{"sequence":`},
		{"missing_sequence", `{"data":"eA==","timestamp":1.0}`},
		{"negative_sequence", `{"sequence":-1,"data":"eA==","timestamp":1.0}`},
		{"empty_data", `{"sequence":0,"data":"","timestamp":1.0}`},
		{"missing_timestamp", `{"sequence":0,"data":"eA=="}`},
		{"zero_timestamp", `{"sequence":0,"data":"eA==","timestamp":0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ing := &mockIngester{}
			r := newCallsRouter(ing, &mockReader{})

			rec := doJSON(t, r, "POST", "/v1/call/stream/c1", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			// Rejected packets must cause no side effects.
			if ing.calls != 0 {
				t.Errorf("ingester called %d times, want 0", ing.calls)
			}
		})
	}
}

func TestIngestEndpointStoreFailure(t *testing.T) {
	ing := &mockIngester{err: ingest.ErrIngestionFailed}
	r := newCallsRouter(ing, &mockReader{})

	rec := doJSON(t, r, "POST", "/v1/call/stream/c1",
		`{"sequence":0,"data":"eA==","timestamp":1.0}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

// ── Status endpoint ──────────────────────────────────────────────────

func TestStatusEndpoint(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rd := &mockReader{snap: &database.CallSnapshot{
		Call: database.Call{
			CallID: "c1", State: state.ProcessingAI, LastSequence: 4,
			CreatedAt: created, UpdatedAt: created.Add(time.Minute),
		},
		PacketCount: 5,
		HasAIResult: true,
	}}
	r := newCallsRouter(&mockIngester{}, rd)

	rec := doJSON(t, r, "GET", "/v1/call/c1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "PROCESSING_AI" || resp.LastSequence != 4 || resp.PacketCount != 5 || !resp.HasAIResult {
		t.Errorf("response = %+v", resp)
	}
}

func TestStatusEndpointNotFound(t *testing.T) {
	r := newCallsRouter(&mockIngester{}, &mockReader{})

	rec := doJSON(t, r, "GET", "/v1/call/nope/status", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// ── Result endpoint ──────────────────────────────────────────────────

func TestResultEndpoint(t *testing.T) {
	transcript := "Transcript of call c1"
	sentiment := "neutral"
	rd := &mockReader{res: &database.AIResult{
		CallID:     "c1",
		Transcript: &transcript,
		Sentiment:  &sentiment,
		Status:     database.AIStatusCompleted,
		RetryCount: 2,
	}}
	r := newCallsRouter(&mockIngester{}, rd)

	rec := doJSON(t, r, "GET", "/v1/call/c1/result", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp resultResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "completed" || resp.Transcript == nil || *resp.Transcript != transcript {
		t.Errorf("response = %+v", resp)
	}
	if resp.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", resp.RetryCount)
	}
}

func TestResultEndpointNotFound(t *testing.T) {
	r := newCallsRouter(&mockIngester{}, &mockReader{})

	rec := doJSON(t, r, "GET", "/v1/call/c1/result", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
