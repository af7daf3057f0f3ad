package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/orchestrator"
	"github.com/kworks-ai/docqa/internal/qaerr"
)

type createSessionRequest struct {
	Title       string   `json:"title,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, qaerr.Wrap(qaerr.KindInvalidInput, err, "decode body"))
			return
		}
	}
	sess, err := s.store.Create(r.Context(), req.Title, req.DocumentIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": sess})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	entries, total, err := s.store.List(r.Context(), page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": entries,
		"total":    total,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Verify existence first so deletes of unknown sessions 404.
	if _, err := s.store.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClearTurns(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearTurns(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type messageRequest struct {
	Query        string   `json:"query"`
	DocIDs       []string `json:"doc_ids,omitempty"`
	ResetContext bool     `json:"reset_context,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, qaerr.Wrap(qaerr.KindInvalidInput, err, "decode body"))
		return
	}
	res, err := s.orch.Ask(r.Context(), orchestrator.Request{
		SessionID:    r.PathValue("id"),
		Query:        req.Query,
		DocIDs:       req.DocIDs,
		ResetContext: req.ResetContext,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, qaerr.Wrap(qaerr.KindInvalidInput, err, "decode body"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, qaerr.New(qaerr.KindInternal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan orchestrator.Event, 64)
	go s.orch.Stream(r.Context(), orchestrator.Request{
		SessionID:    r.PathValue("id"),
		Query:        req.Query,
		DocIDs:       req.DocIDs,
		ResetContext: req.ResetContext,
	}, events)

	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			s.log.Debug("stream write failed, draining", zap.Error(err))
			// Keep draining so the orchestrator can finish and persist.
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	s.orch.Interrupt(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
