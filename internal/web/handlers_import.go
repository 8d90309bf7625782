package web

// handlers_import.go covers the upload → analyze → delete flow.

import (
	"encoding/json"
	"net/http"

	"github.com/JonMunkholm/importflow/internal/logging"
	"github.com/JonMunkholm/importflow/internal/parser"
	"github.com/JonMunkholm/importflow/internal/validate"
	"github.com/go-chi/chi/v5"
)

// handleUpload accepts a multipart CSV upload, parses it under the
// admission limiter and byte ceiling, and creates a session in
// uploaded status.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.limiter.Acquire(ctx); err != nil {
		respondError(w, r, err)
		return
	}
	defer s.limiter.Release()

	// One extra MB of form overhead beyond the payload ceiling; the
	// parser enforces the real limit incrementally on the file part.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxBytes+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		respondBadRequest(w, r, "invalid multipart form or request too large")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondBadRequest(w, r, "no file provided")
		return
	}
	defer file.Close()

	declaredType := r.FormValue("type")
	if declaredType == "" {
		declaredType = header.Header.Get("Content-Type")
	}

	ds, err := s.parser.Parse(ctx, file, declaredType)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer ds.Close()

	records, err := s.collectRecords(ds)
	if err != nil {
		respondError(w, r, err)
		return
	}

	sessionID, err := s.store.Create(records, nil)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.FromContext(ctx).Info("upload accepted",
		"session_id", sessionID,
		"file", header.Filename,
		"records", len(records),
		"columns", len(ds.Schema.Columns),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"columns":   ds.Schema.Columns,
		"records":   len(records),
	})
}

// collectRecords drains the dataset iterator, stopping early once the
// per-session record ceiling is exceeded.
func (s *Server) collectRecords(ds *parser.Dataset) ([]validate.Record, error) {
	iter, err := ds.Records()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []validate.Record
	for {
		rec, ok, err := iter.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return records, nil
		}
		records = append(records, rec)
		if len(records) > s.cfg.Session.MaxRecords {
			return records, nil // Create rejects with ErrTooManyRecords
		}
	}
}

// analyzeRequest is the body of POST /api/import/analyze.
type analyzeRequest struct {
	SessionID string           `json:"sessionId"`
	Mappings  validate.Mapping `json:"mappings"`
}

// handleAnalyze submits field mappings and runs validation over the
// session's records.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, r, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		respondBadRequest(w, r, "sessionId is required")
		return
	}

	errs, err := s.ctrl.Analyze(r.Context(), req.SessionID, req.Mappings)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("analysis complete",
		"session_id", req.SessionID,
		"errors", len(errs),
	)

	if errs == nil {
		errs = []validate.ErrorRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

// handleDeleteSession tears a session down. Idempotent: a second delete
// of the same session still returns 200.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sum, found := s.ctrl.Delete(sessionID)
	if found {
		logging.FromContext(r.Context()).Info("session deleted",
			"session_id", sessionID,
			"total_records", sum.TotalRecords,
		)
		if s.manager != nil {
			s.manager.ArchiveSummary(r.Context(), sum)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
