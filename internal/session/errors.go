package session

import "errors"

// Sentinel errors returned by Store operations. The web layer maps
// these to HTTP status codes; bulk operations report them per item by
// Reason (see Reason).
var (
	// ErrSessionNotFound means no live session or tombstone exists for
	// the id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired means the session reached its idle deadline and
	// only a terminal tombstone remains.
	ErrSessionExpired = errors.New("session expired")

	// ErrVersionConflict means a fix carried an expectedVersion that no
	// longer matches the record. The caller should re-fetch and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrResourceExhausted means the global concurrent-session ceiling
	// is reached. Callers should back off and retry later.
	ErrResourceExhausted = errors.New("concurrent session limit reached")

	// ErrTooManyRecords means the dataset exceeds the per-session
	// record ceiling.
	ErrTooManyRecords = errors.New("record count exceeds per-session limit")

	// ErrMissingMappings means analysis was requested without any field
	// mappings.
	ErrMissingMappings = errors.New("field mappings are required")

	// ErrRecordNotFound means a fix addressed a record index outside
	// the dataset.
	ErrRecordNotFound = errors.New("record index out of range")

	// ErrUnknownField means a fix addressed a canonical field with no
	// mapping in this session.
	ErrUnknownField = errors.New("field is not mapped in this session")

	// ErrInvalidState means the operation is not allowed in the
	// session's current status.
	ErrInvalidState = errors.New("operation not valid in current session status")
)

// Reason returns the stable machine-readable name for a Store error,
// used as the per-item failure reason in bulk results.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrVersionConflict):
		return "VersionConflict"
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFound"
	case errors.Is(err, ErrSessionExpired):
		return "SessionExpired"
	case errors.Is(err, ErrRecordNotFound):
		return "RecordNotFound"
	case errors.Is(err, ErrUnknownField):
		return "UnknownField"
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ErrResourceExhausted):
		return "ResourceExhausted"
	case err == nil:
		return ""
	default:
		return "Internal"
	}
}
