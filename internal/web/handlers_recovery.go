package web

// handlers_recovery.go covers the error-recovery operation surface.

import (
	"encoding/json"
	"net/http"

	"github.com/JonMunkholm/importflow/internal/logging"
	"github.com/JonMunkholm/importflow/internal/recovery"
	"github.com/go-chi/chi/v5"
)

// handleStatus returns the session's status and error counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Status(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          snap.Status,
		"totalRecords":    snap.TotalRecords,
		"remainingErrors": snap.RemainingErrors,
		"resolvedCount":   snap.ResolvedCount,
		"expiresAt":       snap.ExpiresAt,
	})
}

// handleSuggestions returns one auto-fix recommendation per
// (field, errorType) group of current errors.
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := s.ctrl.Suggestions(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	if suggestions == nil {
		suggestions = []recovery.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

// handleFixSingle applies one fix and returns the record's new version.
// A stale expectedVersion yields 409.
func (s *Server) handleFixSingle(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req recovery.FixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, r, "invalid JSON body")
		return
	}
	if req.Field == "" {
		respondBadRequest(w, r, "field is required")
		return
	}

	version, err := s.ctrl.FixSingle(r.Context(), sessionID, req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"version": version})
}

// bulkFixRequest is the body of POST fix-bulk.
type bulkFixRequest struct {
	Fixes []recovery.FixRequest `json:"fixes"`
}

// handleFixBulk applies each fix independently and reports per-item
// success and failure.
func (s *Server) handleFixBulk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req bulkFixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, r, "invalid JSON body")
		return
	}

	result, err := s.ctrl.FixBulk(r.Context(), sessionID, req.Fixes)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("bulk fix complete",
		"session_id", sessionID,
		"batch", len(req.Fixes),
		"successful", result.Successful,
		"failed", len(result.Failed),
	)

	writeBulkResult(w, result)
}

// autoFixRequest is the body of POST auto-fix.
type autoFixRequest struct {
	Fixes []recovery.AutoFixRule `json:"fixes"`
}

// handleAutoFix applies rule-driven repairs to all matching errors.
func (s *Server) handleAutoFix(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req autoFixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, r, "invalid JSON body")
		return
	}

	result, err := s.ctrl.AutoFix(r.Context(), sessionID, req.Fixes)
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeBulkResult(w, result)
}

// writeBulkResult normalizes the failed list so clients always get an
// array, then writes the result.
func writeBulkResult(w http.ResponseWriter, result recovery.BulkFixResult) {
	if result.Failed == nil {
		result.Failed = []recovery.FixFailure{}
	}
	writeJSON(w, http.StatusOK, result)
}
