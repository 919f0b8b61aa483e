package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/kb"
	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/logging"
)

// handleChunkCreate handles POST /api/kb/chunks.
// It embeds the supplied text and stores it as a new chunk for the named
// source file. Embedding failures are client-visible validation errors.
func (s *Server) handleChunkCreate(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req chunkCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observeKB("create", "invalid")
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		s.observeKB("create", "invalid")
		writeJSONError(w, "text_content is required", http.StatusBadRequest)
		return
	}
	if req.SourceFile == "" {
		s.observeKB("create", "invalid")
		writeJSONError(w, "source_file is required", http.StatusBadRequest)
		return
	}

	detail, err := s.chunks.Create(r.Context(), req.Text, req.SourceFile)
	if errors.Is(err, kb.ErrValidation) {
		s.observeKB("create", "invalid")
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error("chunk create failed", slog.Any("error", err))
		s.observeKB("create", "error")
		writeJSONError(w, "failed to create chunk", http.StatusInternalServerError)
		return
	}

	s.observeKB("create", "ok")
	writeJSON(w, http.StatusCreated, detail)
}

// handleChunkList handles GET /api/kb/chunks?source_file=&limit=&offset_id=.
// Pagination uses the store's opaque scroll cursor.
func (s *Server) handleChunkList(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.observeKB("list", "invalid")
			writeJSONError(w, "limit must be an integer between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	chunks, next, err := s.chunks.List(r.Context(), q.Get("source_file"), limit, q.Get("offset_id"))
	if err != nil {
		log.Error("chunk list failed", slog.Any("error", err))
		s.observeKB("list", "error")
		writeJSONError(w, "failed to list chunks", http.StatusInternalServerError)
		return
	}

	s.observeKB("list", "ok")
	writeJSON(w, http.StatusOK, chunkListResponse{Chunks: chunks, NextOffsetID: next})
}

// handleChunkGet handles GET /api/kb/chunks/{point_id}.
func (s *Server) handleChunkGet(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	pointID := r.PathValue("point_id")

	detail, ok, err := s.chunks.Get(r.Context(), pointID)
	if err != nil {
		log.Error("chunk get failed", slog.Any("error", err))
		s.observeKB("get", "error")
		writeJSONError(w, "failed to fetch chunk", http.StatusInternalServerError)
		return
	}
	if !ok {
		s.observeKB("get", "not_found")
		writeJSONError(w, fmt.Sprintf("chunk %q not found", pointID), http.StatusNotFound)
		return
	}

	s.observeKB("get", "ok")
	writeJSON(w, http.StatusOK, detail)
}

// handleChunkUpdate handles PUT /api/kb/chunks/{point_id}.
// Changed text is re-embedded by the store before anything is written.
func (s *Server) handleChunkUpdate(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	pointID := r.PathValue("point_id")

	var req chunkUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observeKB("update", "invalid")
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == nil && len(req.MetadataUpdates) == 0 {
		s.observeKB("update", "invalid")
		writeJSONError(w, "nothing to update", http.StatusBadRequest)
		return
	}

	detail, ok, err := s.chunks.Update(r.Context(), pointID, req.Text, req.MetadataUpdates)
	if errors.Is(err, kb.ErrValidation) {
		s.observeKB("update", "invalid")
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error("chunk update failed", slog.Any("error", err))
		s.observeKB("update", "error")
		writeJSONError(w, "failed to update chunk", http.StatusInternalServerError)
		return
	}
	if !ok {
		s.observeKB("update", "not_found")
		writeJSONError(w, fmt.Sprintf("chunk %q not found", pointID), http.StatusNotFound)
		return
	}

	s.observeKB("update", "ok")
	writeJSON(w, http.StatusOK, detail)
}

// handleChunkDelete handles DELETE /api/kb/chunks/{point_id}.
func (s *Server) handleChunkDelete(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	pointID := r.PathValue("point_id")

	ok, err := s.chunks.Delete(r.Context(), pointID)
	if err != nil {
		log.Error("chunk delete failed", slog.Any("error", err))
		s.observeKB("delete", "error")
		writeJSONError(w, "failed to delete chunk", http.StatusInternalServerError)
		return
	}
	if !ok {
		s.observeKB("delete", "not_found")
		writeJSONError(w, fmt.Sprintf("chunk %q not found", pointID), http.StatusNotFound)
		return
	}

	s.observeKB("delete", "ok")
	writeJSON(w, http.StatusOK, statusResponse{
		Success: true,
		Detail:  fmt.Sprintf("chunk %q deleted", pointID),
	})
}

// handleFileDelete handles DELETE /api/kb/files/{source_file}.
// The store cannot report a match count, so the response only distinguishes
// confirmed completion from an unconfirmed delete.
func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	sourceFile := r.PathValue("source_file")

	result, err := s.chunks.DeleteBySourceFile(r.Context(), sourceFile)
	if err != nil {
		log.Error("file delete failed",
			slog.String("source_file", sourceFile),
			slog.Any("error", err),
		)
		s.observeKB("delete_file", "error")
		writeJSONError(w, "failed to delete chunks", http.StatusInternalServerError)
		return
	}

	s.observeKB("delete_file", result.Status)
	writeJSON(w, http.StatusOK, result)
}

// observeKB records one completed KB admin operation.
func (s *Server) observeKB(op, outcome string) {
	s.metrics.kbOperationsTotal.WithLabelValues(op, outcome).Inc()
}
