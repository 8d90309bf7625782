package broadcast

// hub.go implements the subscriber registry and delivery policy.
//
// Each subscriber owns a bounded buffered channel. Publish never
// blocks: events are queued in publish order per connection, and a
// connection whose buffer is full is dropped (the event is not). Dead
// or silent connections are reaped by Run based on heartbeat age, so a
// misbehaving listener degrades to its own disconnection, never to a
// stalled session.

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTooManyConnections is returned when a session already has the
// maximum number of subscribers.
var ErrTooManyConnections = errors.New("connection limit reached for session")

// Defaults applied when Config fields are zero.
const (
	DefaultBufferSize        = 32
	DefaultMaxPerSession     = 16
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMissedHeartbeats  = 3
)

// Config bounds the hub's resource usage.
type Config struct {
	BufferSize        int           // events queued per connection before it is dropped
	MaxPerSession     int           // connection ceiling per session
	HeartbeatInterval time.Duration // expected heartbeat cadence
	MissedHeartbeats  int           // consecutive misses before a connection is reaped
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxPerSession <= 0 {
		c.MaxPerSession = DefaultMaxPerSession
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = DefaultMissedHeartbeats
	}
	return c
}

// Subscriber is one live connection's view of a session's event stream.
type Subscriber struct {
	SessionID   string
	ConnID      string
	ConnectedAt time.Time

	ch chan Event

	mu            sync.Mutex
	lastHeartbeat time.Time
	closed        bool
}

// Events returns the subscriber's ordered event stream. The channel is
// closed when the subscriber is unsubscribed or dropped.
func (sub *Subscriber) Events() <-chan Event { return sub.ch }

// closeLocked closes the channel once. Caller holds sub.mu.
func (sub *Subscriber) closeLocked() {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Hub routes session events to subscribers.
type Hub struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]map[string]*Subscriber // sessionID → connID → sub
	conns    map[string]*Subscriber            // connID → sub

	now func() time.Time
}

// NewHub creates a broadcast hub.
func NewHub(cfg Config) *Hub {
	return &Hub{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]map[string]*Subscriber),
		conns:    make(map[string]*Subscriber),
		now:      time.Now,
	}
}

// HeartbeatInterval returns the expected heartbeat cadence, used by the
// transport layer to schedule pings.
func (h *Hub) HeartbeatInterval() time.Duration { return h.cfg.HeartbeatInterval }

// Subscribe registers a connection on a session's event stream.
func (h *Hub) Subscribe(sessionID, connID string) (*Subscriber, error) {
	now := h.now()
	sub := &Subscriber{
		SessionID:     sessionID,
		ConnID:        connID,
		ConnectedAt:   now,
		ch:            make(chan Event, h.cfg.BufferSize),
		lastHeartbeat: now,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Replace first so a reconnect with a known connID is not counted
	// against the ceiling.
	if old, ok := h.conns[connID]; ok {
		h.removeLocked(old)
	}
	if len(h.sessions[sessionID]) >= h.cfg.MaxPerSession {
		return nil, ErrTooManyConnections
	}
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]*Subscriber)
	}
	h.sessions[sessionID][connID] = sub
	h.conns[connID] = sub
	return sub, nil
}

// Unsubscribe removes a connection and closes its event stream.
// Unknown connection ids are a no-op.
func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.conns[connID]; ok {
		h.removeLocked(sub)
	}
}

// Publish delivers an event to every subscriber of the session, in
// publish order per connection. A subscriber whose buffer is full is
// dropped so it cannot block delivery to others.
func (h *Hub) Publish(sessionID string, ev Event) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.sessions[sessionID]))
	for _, sub := range h.sessions[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var dropped []*Subscriber
	for _, sub := range subs {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
		sub.mu.Unlock()
	}

	for _, sub := range dropped {
		slog.Warn("dropping slow subscriber",
			"session_id", sub.SessionID,
			"conn_id", sub.ConnID,
			"buffer", h.cfg.BufferSize,
		)
		h.Unsubscribe(sub.ConnID)
	}
}

// Heartbeat records a liveness signal from a connection.
func (h *Hub) Heartbeat(connID string) {
	h.mu.RLock()
	sub := h.conns[connID]
	h.mu.RUnlock()
	if sub == nil {
		return
	}
	sub.mu.Lock()
	sub.lastHeartbeat = h.now()
	sub.mu.Unlock()
}

// ReapStale unsubscribes connections that missed the configured number
// of consecutive heartbeats and returns how many were dropped.
func (h *Hub) ReapStale() int {
	deadline := h.now().Add(-time.Duration(h.cfg.MissedHeartbeats) * h.cfg.HeartbeatInterval)

	h.mu.RLock()
	var stale []*Subscriber
	for _, sub := range h.conns {
		sub.mu.Lock()
		if sub.lastHeartbeat.Before(deadline) {
			stale = append(stale, sub)
		}
		sub.mu.Unlock()
	}
	h.mu.RUnlock()

	for _, sub := range stale {
		slog.Info("reaping stale subscriber",
			"session_id", sub.SessionID,
			"conn_id", sub.ConnID,
		)
		h.Unsubscribe(sub.ConnID)
	}
	return len(stale)
}

// Run reaps stale connections on the heartbeat cadence until the
// context is cancelled, then closes every remaining subscriber.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.CloseAll()
			return
		case <-ticker.C:
			h.ReapStale()
		}
	}
}

// CloseSession drops every subscriber of one session, used when the
// session reaches a terminal state.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.sessions[sessionID] {
		h.removeLocked(sub)
	}
}

// CloseAll drops every subscriber, used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.conns {
		h.removeLocked(sub)
	}
}

// ConnectionCount returns the number of live subscribers, for the
// health endpoint. sessionID == "" counts across all sessions.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sessionID == "" {
		return len(h.conns)
	}
	return len(h.sessions[sessionID])
}

// removeLocked detaches and closes a subscriber. Caller holds h.mu.
func (h *Hub) removeLocked(sub *Subscriber) {
	delete(h.conns, sub.ConnID)
	if m := h.sessions[sub.SessionID]; m != nil {
		delete(m, sub.ConnID)
		if len(m) == 0 {
			delete(h.sessions, sub.SessionID)
		}
	}
	sub.mu.Lock()
	sub.closeLocked()
	sub.mu.Unlock()
}
