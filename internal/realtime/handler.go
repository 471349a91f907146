package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/lockstep/internal/identity"
	"github.com/roach88/lockstep/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + writeWait
)

// Source provides the snapshot a subscription starts from.
// authority.Authority satisfies it.
type Source interface {
	Sync(ctx context.Context, id, actor string) (protocol.Snapshot, error)
}

// Verifier maps a bearer token to an actor.
// identity.Keys satisfies it.
type Verifier interface {
	Verify(token string) (string, error)
}

// Handler serves realtime subscriptions over websockets.
//
// The first message on a connection is the current snapshot; every later
// message is an accepted update. A text frame "ping" is answered "pong".
type Handler struct {
	source   Source
	hub      *Hub
	verifier Verifier
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler.
func NewHandler(source Source, hub *Hub, verifier Verifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		source:   source,
		hub:      hub,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Serve authenticates the request, subscribes it to entityID and upgrades
// the connection. The subscription is registered before the snapshot is
// read. Failures before the upgrade are plain HTTP errors.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, entityID string) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		token = identity.BearerToken(r.Header.Get("Authorization"))
	}
	actor, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	sub := h.hub.Join(entityID, actor)
	defer sub.Close()

	snap, err := h.source.Sync(r.Context(), entityID, actor)
	if err != nil {
		switch {
		case protocol.IsNotFound(err):
			http.Error(w, err.Error(), http.StatusNotFound)
		case protocol.IsUnauthorized(err):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			h.logger.Error("realtime sync failed", "entity", entityID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	if err := sub.Seed(snap); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade", "entity", entityID, "error", err)
		return
	}
	defer conn.Close()

	h.logger.Info("realtime subscriber connected", "entity", entityID, "actor", actor, "version", snap.Version)
	h.session(conn, sub, Update{EntityID: entityID, Version: snap.Version, State: snap.State})
	h.logger.Info("realtime subscriber disconnected", "entity", entityID, "actor", actor)
}

// session owns all writes to conn; the reader goroutine only signals.
func (h *Handler) session(conn *websocket.Conn, sub *Subscription, initial Update) {
	pongs := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, pongs)
	}()

	if err := writeUpdate(conn, initial); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case u, ok := <-sub.Events():
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscription ended")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			if err := writeUpdate(conn, u); err != nil {
				return
			}
		case <-pongs:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func readLoop(conn *websocket.Conn, pongs chan<- struct{}) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.TextMessage && string(data) == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

func writeUpdate(conn *websocket.Conn, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
