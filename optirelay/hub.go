// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package optirelay bridges sync engine instances across processes: a
// websocket hub fans frames out to every other member of a named channel,
// and Client plugs a hub channel into an engine as its cross-instance
// Channel. The relay treats frames as opaque bytes; identity filtering and
// dedup stay inside the engine.
package optirelay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to a peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from a peer.
	pongWait = 60 * time.Second
	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum inbound frame size. Relay frames are small JSON envelopes.
	maxFrameSize = 512 * 1024
	// Outbound frames buffered per member before the member counts as slow.
	memberSendBuffer = 256
)

// ErrorResponse is the JSON body of rejected relay requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Hub relays frames between the members of named channels. A frame published
// by one member reaches every other member of the same channel and never the
// sender, matching the engine's in-process channel semantics.
type Hub struct {
	authenticator ClientAuthenticator
	logger        *slog.Logger
	upgrader      websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]map[*member]struct{}
	closed bool
}

// NewHub creates a relay hub serving websocket upgrades on GET /?channel=name.
func NewHub(authenticator ClientAuthenticator, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		authenticator: authenticator,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Members authenticate with bearer tokens; the Origin header
			// carries no signal for SDK clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*member]struct{}),
	}
}

type member struct {
	hub     *Hub
	conn    *websocket.Conn
	channel string
	userID  string
	send    chan []byte
}

// ServeHTTP authenticates the caller, upgrades the connection and joins the
// member to the requested channel.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "channel query parameter is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Error("websocket upgrade failed", "error", err, "channel", channel)
		return
	}

	m := &member{
		hub:     h,
		conn:    conn,
		channel: channel,
		userID:  userID,
		send:    make(chan []byte, memberSendBuffer),
	}
	if !h.register(m) {
		conn.Close()
		return
	}
	h.logger.Info("relay member joined", "channel", channel, "user", userID)

	go m.writePump()
	m.readPump()
}

func (h *Hub) register(m *member) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	room := h.rooms[m.channel]
	if room == nil {
		room = make(map[*member]struct{})
		h.rooms[m.channel] = room
	}
	room[m] = struct{}{}
	return true
}

func (h *Hub) unregister(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[m.channel]
	if room == nil {
		return
	}
	if _, ok := room[m]; !ok {
		return
	}
	delete(room, m)
	close(m.send)
	if len(room) == 0 {
		delete(h.rooms, m.channel)
	}
}

// broadcast hands the frame to every other member of the sender's channel.
// Sends happen under the table lock and never block; members whose buffer is
// full are dropped from the room.
func (h *Hub) broadcast(from *member, payload []byte) {
	var slow []*member

	h.mu.Lock()
	for m := range h.rooms[from.channel] {
		if m == from {
			continue
		}
		select {
		case m.send <- payload:
		default:
			slow = append(slow, m)
		}
	}
	h.mu.Unlock()

	for _, m := range slow {
		h.logger.Warn("relay member not consuming, dropping",
			"channel", m.channel, "user", m.userID)
		h.unregister(m)
		m.conn.Close()
	}
}

func (m *member) readPump() {
	defer func() {
		m.hub.unregister(m)
		m.conn.Close()
		m.hub.logger.Info("relay member left", "channel", m.channel, "user", m.userID)
	}()
	m.conn.SetReadLimit(maxFrameSize)
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.hub.logger.Debug("relay read ended", "channel", m.channel, "error", err)
			}
			return
		}
		m.hub.broadcast(m, payload)
	}
}

func (m *member) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = m.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// MemberCount reports the live members of a channel.
func (h *Hub) MemberCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[channel])
}

// Close disconnects every member and rejects future upgrades.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var members []*member
	for _, room := range h.rooms {
		for m := range room {
			members = append(members, m)
		}
	}
	h.mu.Unlock()

	for _, m := range members {
		m.conn.Close()
	}
	return nil
}

func (h *Hub) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("relay error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
