package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// WSHandler serves a websocket subscription for one session's events.
// The session ID is supplied by the route; Handler upgrades the request
// and streams every event as a JSON text message until the client
// disconnects or the server shuts down.
type WSHandler struct {
	publisher *Publisher
	log       *slog.Logger

	// SessionID extracts the session ID from the request. Defaults to the
	// "id" path value.
	SessionID func(r *http.Request) string
}

// NewWSHandler creates a handler streaming events from publisher.
// logger may be nil, in which case slog.Default is used.
func NewWSHandler(publisher *Publisher, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		publisher: publisher,
		log:       logger,
		SessionID: func(r *http.Request) string { return r.PathValue("id") },
	}
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := h.SessionID(r)
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ch, cancel := h.publisher.Subscribe(sessionID)
	defer cancel()

	// CloseRead surfaces client disconnects through ctx cancellation; the
	// server never expects inbound messages.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := h.writeEvent(ctx, conn, ev); err != nil {
				h.log.Debug("websocket write failed", "session_id", sessionID, "error", err)
				return
			}
		}
	}
}

func (h *WSHandler) writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
