// Package broadcast implements the per-session publish/subscribe hub
// that streams progress events to connected listeners.
package broadcast

import "time"

// EventType tags a progress event. The set is closed; subscribers can
// switch exhaustively on it.
type EventType string

const (
	EventStatusChanged    EventType = "status-changed"
	EventFixApplied       EventType = "fix-applied"
	EventBulkFixCompleted EventType = "bulk-fix-completed"
	EventSessionExpiring  EventType = "session-expiring"
	EventHeartbeat        EventType = "heartbeat"
)

// Event is one progress message. Only the fields relevant to the event
// type are populated; the rest are omitted from the JSON encoding.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`

	Status           string `json:"status,omitempty"`           // status-changed
	RecordIndex      *int   `json:"recordIndex,omitempty"`      // fix-applied
	Field            string `json:"field,omitempty"`            // fix-applied
	Successful       *int   `json:"successful,omitempty"`       // bulk-fix-completed
	Failed           *int   `json:"failed,omitempty"`           // bulk-fix-completed
	MinutesRemaining *int   `json:"minutesRemaining,omitempty"` // session-expiring
}

// StatusChanged builds a status-changed event.
func StatusChanged(sessionID, status string) Event {
	return Event{Type: EventStatusChanged, SessionID: sessionID, Timestamp: time.Now(), Status: status}
}

// FixApplied builds a fix-applied event.
func FixApplied(sessionID string, recordIndex int, field string) Event {
	return Event{Type: EventFixApplied, SessionID: sessionID, Timestamp: time.Now(), RecordIndex: &recordIndex, Field: field}
}

// BulkFixCompleted builds a bulk-fix-completed event.
func BulkFixCompleted(sessionID string, successful, failed int) Event {
	return Event{Type: EventBulkFixCompleted, SessionID: sessionID, Timestamp: time.Now(), Successful: &successful, Failed: &failed}
}

// SessionExpiring builds a session-expiring event.
func SessionExpiring(sessionID string, remaining time.Duration) Event {
	minutes := int(remaining.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return Event{Type: EventSessionExpiring, SessionID: sessionID, Timestamp: time.Now(), MinutesRemaining: &minutes}
}
