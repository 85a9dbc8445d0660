package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/internal/metrics"
	"github.com/ephemera-project/ephemera/signaling"
)

const (
	wsDrainInterval = time.Second
	wsWriteTimeout  = 10 * time.Second
	wsPongTimeout   = 60 * time.Second
	wsReadLimit     = 128 * 1024
)

// wsSignalFrame is an inbound signal over the socket.
type wsSignalFrame struct {
	To      string          `json:"to"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// wsDelivery is an outbound batch of drained messages.
type wsDelivery struct {
	Messages []signaling.Message `json:"messages"`
}

// handleSignalSocket is transport sugar over the signal mailbox: the
// client holds a socket instead of polling. Semantics stay identical --
// the mailbox is drained on a short cadence, at most once per message.
func (s *Server) handleSignalSocket(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peerId")
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "missing_peer_id")
		return
	}

	up := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.wsOriginAllowed,
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}

	metrics.WebsocketSessions.Inc()
	defer metrics.WebsocketSessions.Dec()
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	done := make(chan struct{})

	// Read pump: inbound frames become queued signals.
	go func() {
		defer close(done)
		for {
			var frame wsSignalFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if err := s.svc.Signaling.Enqueue(r.Context(), peerID, frame.To, frame.Type, frame.Payload); err != nil {
				s.log.Debug("socket signal rejected",
					logger.String("peer", peerID),
					logger.Error(err))
			}
		}
	}()

	// Write pump: drain the mailbox and push batches.
	ticker := time.NewTicker(wsDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			msgs, err := s.svc.Signaling.Drain(r.Context(), peerID)
			if err != nil {
				s.log.Warn("socket drain failed", logger.Error(err))
				return
			}
			if len(msgs) == 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsDelivery{Messages: msgs}); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsOriginAllowed(r *http.Request) bool {
	origins := s.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
