package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/becomeliminal/nim-assistant/knowledge"
	"github.com/becomeliminal/nim-assistant/logging"
)

type ingestRequest struct {
	Title       string `json:"title"`
	Category    string `json:"category"`
	Language    string `json:"language"`
	Industry    string `json:"industry"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

type ingestResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.config.Ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge ingestion is not configured")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.config.Ingestor.Ingest(r.Context(), knowledge.Source{
		Title:       req.Title,
		Category:    req.Category,
		Language:    req.Language,
		Industry:    req.Industry,
		ContentType: req.ContentType,
		Body:        req.Body,
	})
	switch {
	case errors.Is(err, knowledge.ErrDuplicateDocument):
		writeJSON(w, http.StatusConflict, ingestResponse{DocumentID: res.DocumentID, Duplicate: true})
		return
	case errors.Is(err, knowledge.ErrInvalidDocument), errors.Is(err, knowledge.ErrEmptyDocument):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logging.Component(r.Context(), "server").Error("ingestion failed", "title", req.Title, "error", err)
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}

	s.config.Metrics.ChunksIngested(res.Chunks)
	s.config.Metrics.SetKnowledgeSize(s.config.Ingestor.Size())
	writeJSON(w, http.StatusCreated, ingestResponse{DocumentID: res.DocumentID, Chunks: res.Chunks})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if s.config.Ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge ingestion is not configured")
		return
	}
	err := s.config.Ingestor.Deactivate(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, knowledge.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
		return
	case err != nil:
		logging.Component(r.Context(), "server").Error("deactivation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "deactivation failed")
		return
	}
	s.config.Metrics.SetKnowledgeSize(s.config.Ingestor.Size())
	w.WriteHeader(http.StatusNoContent)
}
