package web

// handlers_ws.go implements the streaming channel. Each connection gets
// a hub subscription plus two goroutines: a write pump draining the
// subscriber's event channel and sending pings, and a read pump
// consuming client heartbeats and pongs. Heartbeats are bidirectional;
// the hub's reaper drops connections that stay silent.

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/JonMunkholm/importflow/internal/broadcast"
	"github.com/JonMunkholm/importflow/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from another origin; auth happens via the
	// API key middleware, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is what subscribers may send: heartbeats only.
type clientMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// handleSubscribe upgrades the connection and streams session events
// until the client disconnects or is reaped.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}
	if sessionID == "" {
		respondBadRequest(w, r, "sessionId is required")
		return
	}

	// The session must exist, but terminal tombstones may still be
	// watched for their final status.
	if _, err := s.store.Get(sessionID); err != nil {
		respondError(w, r, err)
		return
	}

	connID := uuid.NewString()
	sub, err := s.hub.Subscribe(sessionID, connID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Unsubscribe(connID)
		logging.FromContext(r.Context()).Warn("websocket upgrade failed", "error", err)
		return
	}

	logger := logging.WithFields(r.Context(),
		"session_id", sessionID,
		"conn_id", connID,
	)
	logger.Info("subscriber connected", "user_id", r.URL.Query().Get("userId"))

	go s.writePump(conn, sub)
	go s.readPump(conn, connID, logger)
}

// writePump sends events and periodic pings. It owns all writes to the
// connection and closes it when the subscription ends.
func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscriber) {
	interval := s.hub.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	writeWait := 10 * time.Second

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.hub.Unsubscribe(sub.ConnID)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			heartbeat := broadcast.Event{
				Type:      broadcast.EventHeartbeat,
				SessionID: sub.SessionID,
				Timestamp: time.Now(),
			}
			if err := conn.WriteJSON(heartbeat); err != nil {
				s.hub.Unsubscribe(sub.ConnID)
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.hub.Unsubscribe(sub.ConnID)
				return
			}
		}
	}
}

// readPump consumes client frames. Pongs and heartbeat messages both
// refresh the connection's liveness; anything else is ignored.
func (s *Server) readPump(conn *websocket.Conn, connID string, logger *slog.Logger) {
	defer s.hub.Unsubscribe(connID)

	maxSilence := time.Duration(s.cfg.Broadcast.MissedHeartbeats+1) * s.hub.HeartbeatInterval()
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(maxSilence))
	conn.SetPongHandler(func(string) error {
		s.hub.Heartbeat(connID)
		conn.SetReadDeadline(time.Now().Add(maxSilence))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("subscriber disconnected", "reason", err.Error())
			return
		}

		var msg clientMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == "heartbeat" {
			s.hub.Heartbeat(connID)
			conn.SetReadDeadline(time.Now().Add(maxSilence))
		}
	}
}
