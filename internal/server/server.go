// Package server implements the HTTP API for the Arabic RAG chatbot:
// chat turns, per-turn feedback, knowledge base administration, health and
// readiness probes, and Prometheus metrics.
// The server is started by the `arag serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/logging"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/pipeline"
)

// New constructs a Server from the pipeline, feedback store, chunk store,
// and config. The chat and feedback routes are rate limited per IP; every
// /api route except health and readiness requires the configured Bearer
// token when one is set.
func New(turns turnRunner, feedback feedbackWriter, chunks chunkAdmin, cfg *Config) (*Server, error) {
	if turns == nil {
		return nil, fmt.Errorf("server: pipeline must not be nil")
	}
	if feedback == nil {
		return nil, fmt.Errorf("server: feedback store must not be nil")
	}
	if chunks == nil {
		return nil, fmt.Errorf("server: chunk store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must cover a full retrieve-rerank-generate turn.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MetricsRegistry == nil || cfg.MetricsGatherer == nil {
		reg := prometheus.NewRegistry()
		cfg.MetricsRegistry = reg
		cfg.MetricsGatherer = reg
	}

	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	s := &Server{
		turns:    turns,
		feedback: feedback,
		chunks:   chunks,
		cfg:      cfg,
		log:      log,
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(cfg.MetricsRegistry),
	}

	if cfg.APIKey == "" {
		log.Warn("server: no API key configured, authentication is disabled")
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stopRL

	protected := func(name string, h http.HandlerFunc) http.Handler {
		return authMiddleware(cfg.APIKey, s.instrument(name, h))
	}
	limited := func(name string, h http.HandlerFunc) http.Handler {
		return authMiddleware(cfg.APIKey, rl.middleware(s.instrument(name, h)))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", limited("chat", s.handleChat))
	mux.Handle("POST /api/feedback", limited("feedback", s.handleFeedback))
	mux.Handle("GET /api/kb/chunks", protected("kb_list", s.handleChunkList))
	mux.Handle("POST /api/kb/chunks", protected("kb_create", s.handleChunkCreate))
	mux.Handle("GET /api/kb/chunks/{point_id}", protected("kb_get", s.handleChunkGet))
	mux.Handle("PUT /api/kb/chunks/{point_id}", protected("kb_update", s.handleChunkUpdate))
	mux.Handle("DELETE /api/kb/chunks/{point_id}", protected("kb_delete", s.handleChunkDelete))
	mux.Handle("DELETE /api/kb/files/{source_file}", protected("kb_delete_file", s.handleFileDelete))
	mux.Handle("GET /api/health", s.instrument("health", s.handleHealth))
	mux.Handle("GET /api/ready", s.instrument("ready", s.handleReady))
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		defer s.stopRL()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleChat handles POST /api/chat. It runs one full pipeline turn and
// returns the result as JSON. Validation failures map to 400; a ledger
// outage maps to 503. Provider failures never surface here: the pipeline
// folds them into the answer.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req pipeline.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observeChat("invalid", 0)
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.metrics.chatInFlight.Inc()
	defer s.metrics.chatInFlight.Dec()

	start := time.Now()
	result, err := s.turns.ProcessTurn(r.Context(), req)
	elapsed := time.Since(start)

	if errors.Is(err, pipeline.ErrInvalidRequest) {
		s.observeChat("invalid", elapsed)
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error("chat turn failed", slog.Any("error", err))
		s.observeChat("unavailable", elapsed)
		writeJSONError(w, "chat is temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	s.observeChat("ok", elapsed)
	writeJSON(w, http.StatusOK, result)
}

// handleFeedback handles POST /api/feedback. A rating of 1 or 0 is recorded
// against the turn named by query_id. Unknown session or turn ids map to 404.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		writeJSONError(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if req.QueryID == "" {
		writeJSONError(w, "query_id is required", http.StatusBadRequest)
		return
	}
	if req.Rating == nil || (*req.Rating != 0 && *req.Rating != 1) {
		writeJSONError(w, "rating must be 0 or 1", http.StatusBadRequest)
		return
	}
	if req.Comment != "" {
		log.Info("feedback comment",
			slog.String("session_id", req.SessionID),
			slog.String("query_id", req.QueryID),
			slog.String("comment", req.Comment),
		)
	}

	ok, err := s.feedback.SetFeedback(r.Context(), req.SessionID, req.QueryID, *req.Rating)
	if err != nil {
		log.Error("feedback write failed", slog.Any("error", err))
		writeJSONError(w, "failed to store feedback", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSONError(w, "session or query not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusCreated, statusResponse{
		Success: true,
		Detail:  "feedback submitted and recorded successfully",
	})
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observeChat records one completed chat request.
func (s *Server) observeChat(outcome string, elapsed time.Duration) {
	s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// writeJSON writes v as the JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("server: response encode error", slog.Any("error", err))
	}
}

// writeJSONError writes a JSON-formatted error response with the given status code.
func writeJSONError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
