// Package events exposes the subscriber side of the event broadcaster: a
// WebSocket endpoint that forwards a session room's detection and metrics
// events to connected clients.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rtcvision/rtcvision/broker"
)

const (
	// writeWait bounds each outbound write.
	writeWait = 10 * time.Second
	// pongWait is how long we tolerate a silent client.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// envelope is the wire shape of one forwarded event.
type envelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithCheckOrigin overrides the upgrade origin check. The default accepts
// any origin; deployments fronted by a browser app on another host need
// this.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// Handler serves GET /api/events?session_id=<room>. Each connection
// subscribes to the named room and receives its events as JSON text
// messages until the client disconnects or the room is cleaned up.
type Handler struct {
	broker   broker.Broker
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler returns a Handler forwarding events from b.
func NewHandler(b broker.Broker, opts ...Option) *Handler {
	h := &Handler{
		broker: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ http.Handler = (*Handler)(nil)

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("session_id")
	if room == "" {
		http.Error(w, "session_id query parameter is required", http.StatusBadRequest)
		return
	}
	lastEventID := r.URL.Query().Get("last_event_id")

	stream, err := h.broker.Subscribe(r.Context(), room, lastEventID)
	if err != nil {
		h.log.Error("event subscribe failed",
			slog.String("session_id", room), slog.String("err", err.Error()))
		http.Error(w, "subscription failed", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		_ = stream.Close()
		return
	}

	h.log.Info("event subscriber connected", slog.String("session_id", room))
	h.serve(conn, stream, room)
}

// serve pumps events to the connection until either side goes away. The
// read loop exists only to process control frames and detect disconnects.
func (h *Handler) serve(conn *websocket.Conn, stream broker.EventStream, room string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer conn.Close()
	defer stream.Close()

	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := make(chan broker.Event)
	go func() {
		defer cancel()
		for {
			ev, err := stream.Next(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
					h.log.Warn("event stream ended",
						slog.String("session_id", room), slog.String("err", err.Error()))
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(envelope{ID: ev.ID, Type: ev.Type, Data: ev.Data}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			// Room cleaned up or client went away. Tell the client this is
			// a deliberate end of stream before closing.
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
