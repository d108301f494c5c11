package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"qms/clinic-queue/internal/hub"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	boardPongWait   = 60 * time.Second
	boardPingPeriod = 50 * time.Second
	boardWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleBoardSocket streams board snapshots for one doctor and date. Clients
// may switch boards with a subscribe message; unsubscribe ends the stream.
func (h *Handler) handleBoardSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.hub == nil {
		writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "unavailable", "board stream disabled")
		return
	}
	sub := hub.Subscription{
		DoctorID:    strings.TrimSpace(r.URL.Query().Get("doctor_id")),
		ServiceDate: strings.TrimSpace(r.URL.Query().Get("date")),
	}
	if !isValidUUID(sub.DoctorID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("board upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16), Subscription: sub}
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	if board, err := h.svc.Board(r.Context(), sub.DoctorID, sub.ServiceDate); err == nil {
		if payload, err := json.Marshal(board); err == nil {
			client.Send <- payload
		}
	}

	done := make(chan struct{})
	go h.writeBoardPump(conn, client, done)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(boardPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(boardPongWait))
	})
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		parsed, ok := hub.ParseSubscribe(message)
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			break
		}
		if !isValidUUID(parsed.DoctorID) {
			continue
		}
		h.hub.UpdateSubscription(client, hub.Subscription{DoctorID: parsed.DoctorID, ServiceDate: parsed.ServiceDate})
	}
	close(done)
}

func (h *Handler) writeBoardPump(conn *websocket.Conn, client *hub.Client, done <-chan struct{}) {
	ticker := time.NewTicker(boardPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(boardWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(boardWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
