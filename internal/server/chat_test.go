package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/pipeline"
)

// ---------------------------------------------------------------------------
// Fakes and helpers shared across handler tests
// ---------------------------------------------------------------------------

// fakeTurnRunner implements the turnRunner interface for tests.
type fakeTurnRunner struct {
	// result is returned on success.
	result *pipeline.TurnResult
	// err is returned as the error value.
	err error
	// lastReq records the request passed to ProcessTurn.
	lastReq pipeline.TurnRequest
}

func (f *fakeTurnRunner) ProcessTurn(_ context.Context, req pipeline.TurnRequest) (*pipeline.TurnResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeFeedbackWriter implements the feedbackWriter interface for tests.
type fakeFeedbackWriter struct {
	ok  bool
	err error

	lastSessionID string
	lastTurnID    string
	lastRating    int
}

func (f *fakeFeedbackWriter) SetFeedback(_ context.Context, sessionID, turnID string, value int) (bool, error) {
	f.lastSessionID = sessionID
	f.lastTurnID = turnID
	f.lastRating = value
	return f.ok, f.err
}

// newTestServer builds a minimal *Server with a fresh metrics registry so
// handler tests never touch prometheus.DefaultRegisterer.
func newTestServer() *Server {
	return &Server{
		cfg:     &Config{Port: 8080},
		log:     slog.New(slog.DiscardHandler),
		metrics: newServerMetrics(prometheus.NewRegistry()),
	}
}

// ---------------------------------------------------------------------------
// POST /api/chat
// ---------------------------------------------------------------------------

func TestHandleChat_InvalidJSON(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`not-json`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleChat_MissingQuery(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.turns = &fakeTurnRunner{err: fmt.Errorf("%w: query is required", pipeline.ErrInvalidRequest)}

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"session_id":"sess-1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d — body: %s", w.Code, w.Body.String())
	}
}

func TestHandleChat_Success(t *testing.T) {
	t.Parallel()

	runner := &fakeTurnRunner{result: &pipeline.TurnResult{
		TurnID:    "turn-1",
		Query:     "ما هي ساعات العمل؟",
		Answer:    "ساعات العمل من التاسعة صباحاً حتى الخامسة مساءً.",
		SessionID: "sess-1",
	}}
	s := newTestServer()
	s.turns = runner

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"session_id":"sess-1","query":"ما هي ساعات العمل؟"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}

	var resp pipeline.TurnResult
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TurnID != "turn-1" {
		t.Errorf("query_id = %q, want turn-1", resp.TurnID)
	}
	if resp.Answer != "ساعات العمل من التاسعة صباحاً حتى الخامسة مساءً." {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}

	if runner.lastReq.SessionID != "sess-1" {
		t.Errorf("pipeline saw session_id %q, want sess-1", runner.lastReq.SessionID)
	}
	if runner.lastReq.Query != "ما هي ساعات العمل؟" {
		t.Errorf("pipeline saw query %q", runner.lastReq.Query)
	}
}

// TestHandleChat_LedgerDown verifies that a non-validation pipeline error
// (the session ledger being unreachable) maps to 503.
func TestHandleChat_LedgerDown(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.turns = &fakeTurnRunner{err: errors.New("pipeline: resolve session: database is locked")}

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"session_id":"sess-1","query":"سؤال"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d — body: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "database is locked") {
		t.Error("internal error detail leaked to the client")
	}
}

// ---------------------------------------------------------------------------
// POST /api/feedback
// ---------------------------------------------------------------------------

func TestHandleFeedback_Recorded(t *testing.T) {
	t.Parallel()

	fw := &fakeFeedbackWriter{ok: true}
	s := newTestServer()
	s.feedback = fw

	req := httptest.NewRequest(http.MethodPost, "/api/feedback",
		strings.NewReader(`{"session_id":"sess-1","query_id":"turn-1","rating":1}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleFeedback(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d — body: %s", w.Code, w.Body.String())
	}
	if fw.lastSessionID != "sess-1" || fw.lastTurnID != "turn-1" || fw.lastRating != 1 {
		t.Errorf("recorded (%q, %q, %d), want (sess-1, turn-1, 1)",
			fw.lastSessionID, fw.lastTurnID, fw.lastRating)
	}

	var resp statusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success {
		t.Error("expected success:true")
	}
}

func TestHandleFeedback_UnknownTurn(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.feedback = &fakeFeedbackWriter{ok: false}

	req := httptest.NewRequest(http.MethodPost, "/api/feedback",
		strings.NewReader(`{"session_id":"sess-1","query_id":"missing","rating":0}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleFeedback(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d — body: %s", w.Code, w.Body.String())
	}
}

func TestHandleFeedback_StoreError(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.feedback = &fakeFeedbackWriter{err: errors.New("disk I/O error")}

	req := httptest.NewRequest(http.MethodPost, "/api/feedback",
		strings.NewReader(`{"session_id":"sess-1","query_id":"turn-1","rating":1}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleFeedback(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestHandleFeedback_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"invalid JSON", `not-json`},
		{"missing session_id", `{"query_id":"turn-1","rating":1}`},
		{"missing query_id", `{"session_id":"sess-1","rating":1}`},
		{"missing rating", `{"session_id":"sess-1","query_id":"turn-1"}`},
		{"rating out of range", `{"session_id":"sess-1","query_id":"turn-1","rating":5}`},
		{"negative rating", `{"session_id":"sess-1","query_id":"turn-1","rating":-1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fw := &fakeFeedbackWriter{ok: true}
			s := newTestServer()
			s.feedback = fw

			req := httptest.NewRequest(http.MethodPost, "/api/feedback",
				strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			s.handleFeedback(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
			if fw.lastSessionID != "" {
				t.Error("store must not be called on validation failure")
			}
		})
	}
}
