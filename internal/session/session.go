// Package session owns the lifecycle and mutable state of import
// sessions: creation, record storage, error-set storage, fix
// application, expiry, and deletion.
//
// A Store is an explicit registry constructed per instance, never a
// process-wide singleton, so independent stores can coexist (and be
// instantiated freely in tests). Mutation of one session is serialized
// by that session's own lock; sessions never contend with each other,
// and the store-level lock only guards the registry map.
package session

import "time"

// Status is the lifecycle state of an import session.
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusAnalyzing Status = "analyzing"
	StatusAnalyzed  Status = "analyzed"
	StatusFixing    Status = "fixing"
	StatusResolved  Status = "resolved"
	StatusExpired   Status = "expired"
	StatusDeleted   Status = "deleted"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusDeleted
}

// Snapshot is a read-only view of a session's externally visible state.
type Snapshot struct {
	ID              string    `json:"sessionId"`
	Status          Status    `json:"status"`
	TotalRecords    int       `json:"totalRecords"`
	RemainingErrors int       `json:"remainingErrors"`
	ResolvedCount   int       `json:"resolvedCount"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Summary is the terminal record of a session, produced when it is
// expired or deleted. It carries only counters and timestamps; the
// records themselves are already freed when a Summary is built.
type Summary struct {
	ID              string
	Status          Status
	TotalRecords    int
	RemainingErrors int
	ResolvedCount   int
	CreatedAt       time.Time
	EndedAt         time.Time
}

// FixOutcome reports the result of one applied fix.
type FixOutcome struct {
	Version         int64  // record version after the fix
	Status          Status // session status after the fix
	StatusChanged   bool   // true when the fix caused a status transition
	RemainingErrors int    // size of the error set after re-validation
	ErrorRemoved    bool   // true when the fix cleared an existing error
}

// Notice names a session approaching its idle deadline.
type Notice struct {
	ID        string
	Remaining time.Duration
}
