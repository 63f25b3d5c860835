// Package realtime pushes session updates to browser clients over WebSocket.
// A client joins one or more session rooms and receives every update
// produced for them.
package realtime

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/botemu/internal/metrics"
	"github.com/p-blackswan/botemu/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 4096
	sendBufferSize = 64
)

// Client frame events.
const (
	EventJoin  = "join-session"
	EventLeave = "leave-session"
)

// Server frame events.
const (
	EventJoined  = "session-joined"
	EventError   = "error"
	EventMessage = "message"
)

// SocketMessage types carried by EventMessage frames.
const (
	TypeMessage = "message"
	TypeUpdate  = "update"
	TypeError   = "error"
	TypeStatus  = "status"
)

// SocketMessage is the payload of a "message" frame. Timestamp is in unix
// milliseconds.
type SocketMessage struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// ClientFrame is what a socket sends to the hub.
type ClientFrame struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId"`
}

// ServerFrame is what the hub sends to a socket.
type ServerFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Joined is the data of a session-joined frame.
type Joined struct {
	SessionID   string `json:"sessionId"`
	BotUsername string `json:"botUsername"`
}

// ErrorData is the data of an error frame.
type ErrorData struct {
	Message string `json:"message"`
}

// StatusPayload announces that a session is gone.
type StatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// Sessions resolves a session for join requests.
type Sessions interface {
	Get(id string) (*session.Session, bool)
}

type client struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins restricts the Origin header accepted on upgrade.
// An empty list or "*" accepts any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.origins = origins }
}

// WithMetrics reports the connected client count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithClock overrides the SocketMessage timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// Hub tracks connected sockets and their session rooms.
type Hub struct {
	sessions Sessions
	upgrader websocket.Upgrader
	origins  []string
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
}

// NewHub creates a hub. It implements http.Handler for the upgrade endpoint.
func NewHub(sessions Sessions, logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		sessions: sessions,
		now:      time.Now,
		logger:   logger.With().Str("component", "realtime").Logger(),
		clients:  make(map[*client]struct{}),
		rooms:    make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 || slices.Contains(h.origins, "*") {
		return true
	}
	return slices.Contains(h.origins, origin)
}

// ServeHTTP upgrades the connection and serves it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:    uuid.New().String(),
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[string]struct{}),
	}
	h.register(c)
	h.logger.Info().Str("socket_id", c.id).Msg("socket connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetRealtimeClients(n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetRealtimeClients(n)
	h.logger.Info().Str("socket_id", c.id).Msg("socket disconnected")
}

func (h *Hub) leaveLocked(c *client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("socket_id", c.id).Msg("socket read error")
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendTo(c, ServerFrame{Event: EventError, Data: ErrorData{Message: "Invalid frame"}})
			continue
		}
		h.handle(c, frame)
	}
}

func (h *Hub) handle(c *client, frame ClientFrame) {
	switch frame.Event {
	case EventJoin:
		sess, ok := h.sessions.Get(frame.SessionID)
		if !ok {
			h.sendTo(c, ServerFrame{Event: EventError, Data: ErrorData{Message: "Session not found"}})
			return
		}
		// CloseSession runs after the store drops the session and needs h.mu,
		// so a session still present here cannot have its room closed yet.
		h.mu.Lock()
		if _, ok := h.sessions.Get(frame.SessionID); !ok {
			h.mu.Unlock()
			h.sendTo(c, ServerFrame{Event: EventError, Data: ErrorData{Message: "Session not found"}})
			return
		}
		if _, live := h.clients[c]; live {
			c.rooms[frame.SessionID] = struct{}{}
			members, ok := h.rooms[frame.SessionID]
			if !ok {
				members = make(map[*client]struct{})
				h.rooms[frame.SessionID] = members
			}
			members[c] = struct{}{}
		}
		h.mu.Unlock()

		h.logger.Info().Str("socket_id", c.id).Str("session_id", frame.SessionID).Msg("socket joined session")
		h.sendTo(c, ServerFrame{Event: EventJoined, Data: Joined{SessionID: sess.ID, BotUsername: sess.Bot.Username}})

	case EventLeave:
		h.mu.Lock()
		h.leaveLocked(c, frame.SessionID)
		h.mu.Unlock()
		h.logger.Info().Str("socket_id", c.id).Str("session_id", frame.SessionID).Msg("socket left session")

	default:
		h.sendTo(c, ServerFrame{Event: EventError, Data: ErrorData{Message: "Unknown event: " + frame.Event}})
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendTo queues a frame for one client. A full queue drops the client.
func (h *Hub) sendTo(c *client, frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshaling frame")
		return
	}

	h.mu.RLock()
	_, live := h.clients[c]
	queued := true
	if live {
		select {
		case c.send <- data:
		default:
			queued = false
		}
	}
	h.mu.RUnlock()

	if !queued {
		h.logger.Warn().Str("socket_id", c.id).Msg("socket send buffer full, dropping client")
		h.unregister(c)
	}
}

// Broadcast sends msg to every socket joined to sessionID and returns how
// many sockets it was queued for. A zero Timestamp is set to now.
func (h *Hub) Broadcast(sessionID string, msg SocketMessage) int {
	if msg.Timestamp == 0 {
		msg.Timestamp = h.now().UnixMilli()
	}
	data, err := json.Marshal(ServerFrame{Event: EventMessage, Data: msg})
	if err != nil {
		h.logger.Error().Err(err).Msg("marshaling broadcast")
		return 0
	}

	var slow []*client
	sent := 0
	h.mu.RLock()
	for c := range h.rooms[sessionID] {
		select {
		case c.send <- data:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("socket_id", c.id).Msg("socket send buffer full, dropping client")
		h.unregister(c)
	}
	return sent
}

// BroadcastUpdate sends an update-typed SocketMessage to a session room.
func (h *Hub) BroadcastUpdate(sessionID string, update telego.Update) {
	h.Broadcast(sessionID, SocketMessage{Type: TypeUpdate, Payload: update, Timestamp: h.now().UnixMilli()})
}

// BroadcastError sends an error-typed SocketMessage to a session room.
func (h *Hub) BroadcastError(sessionID, message string) {
	h.Broadcast(sessionID, SocketMessage{Type: TypeError, Payload: ErrorData{Message: message}, Timestamp: h.now().UnixMilli()})
}

// CloseSession tells the room the session is gone and empties it. The
// sockets stay connected.
func (h *Hub) CloseSession(sessionID, reason string) {
	h.Broadcast(sessionID, SocketMessage{
		Type:      TypeStatus,
		Payload:   StatusPayload{SessionID: sessionID, Status: reason},
		Timestamp: h.now().UnixMilli(),
	})

	h.mu.Lock()
	for c := range h.rooms[sessionID] {
		delete(c.rooms, sessionID)
	}
	delete(h.rooms, sessionID)
	h.mu.Unlock()
}

// Clients returns the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of sockets joined to sessionID.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Shutdown disconnects every socket.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}
