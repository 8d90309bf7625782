package web

// errors.go maps engine errors to HTTP responses.
//
// Every error is logged with full detail server-side and returned to
// the client as a coded JSON body. The code groups mirror the engine's
// taxonomy: FILE for input errors, SES for session/lifecycle errors,
// RES for resource ceilings, VAL for request-shape problems.

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JonMunkholm/importflow/internal/broadcast"
	"github.com/JonMunkholm/importflow/internal/logging"
	"github.com/JonMunkholm/importflow/internal/parser"
	"github.com/JonMunkholm/importflow/internal/session"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Action string `json:"action,omitempty"`
}

// errorMapping pairs an engine sentinel with its HTTP presentation.
type errorMapping struct {
	sentinel error
	status   int
	code     string
	message  string
	action   string
}

var errorMappings = []errorMapping{
	{parser.ErrUnsupportedFormat, http.StatusUnsupportedMediaType, "FILE001",
		"The file format is not supported", "Upload a CSV file with a text/csv content type"},
	{parser.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "FILE002",
		"The file exceeds the maximum allowed size", "Split the file into smaller chunks"},
	{parser.ErrEmptyFile, http.StatusBadRequest, "FILE003",
		"The uploaded file is empty", "Upload a CSV file with a header row and data"},
	{parser.ErrTooManyUploads, http.StatusTooManyRequests, "RES001",
		"Too many uploads are being processed", "Retry after a short delay"},
	{session.ErrResourceExhausted, http.StatusTooManyRequests, "RES002",
		"The concurrent session limit is reached", "Delete finished sessions or retry later"},
	{session.ErrTooManyRecords, http.StatusRequestEntityTooLarge, "RES003",
		"The dataset exceeds the per-session record limit", "Split the dataset across sessions"},
	{broadcast.ErrTooManyConnections, http.StatusTooManyRequests, "RES004",
		"The session has too many event subscribers", "Close an existing connection and retry"},
	{session.ErrSessionNotFound, http.StatusNotFound, "SES001",
		"The session does not exist", "Check the session id or start a new upload"},
	{session.ErrSessionExpired, http.StatusGone, "SES002",
		"The session has expired", "Start a new upload"},
	{session.ErrVersionConflict, http.StatusConflict, "SES003",
		"The record was modified by another fix", "Re-fetch the record and retry with the new version"},
	{session.ErrMissingMappings, http.StatusBadRequest, "VAL001",
		"Field mappings are required for analysis", "Submit at least one column-to-field mapping"},
	{session.ErrRecordNotFound, http.StatusBadRequest, "VAL002",
		"The record index is out of range", "Check recordIndex against totalRecords"},
	{session.ErrUnknownField, http.StatusBadRequest, "VAL003",
		"The field is not mapped in this session", "Re-run analysis with a mapping for this field"},
	{session.ErrInvalidState, http.StatusConflict, "SES004",
		"The operation is not valid in the session's current status", "Fetch status and follow the workflow order"},
}

// respondError logs err and writes the mapped JSON error response.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := ErrorResponse{Error: "An internal error occurred", Code: "ERR000"}

	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			status = m.status
			body = ErrorResponse{Error: m.message, Code: m.code, Action: m.action}
			break
		}
	}

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", body.Code,
		"error", err.Error(),
	)

	writeJSON(w, status, body)
}

// respondBadRequest writes a VAL000 response for malformed request
// bodies and parameters.
func respondBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	logging.FromContext(r.Context()).Warn("bad request",
		"path", r.URL.Path,
		"method", r.Method,
		"reason", msg,
	)
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "VAL000"})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
