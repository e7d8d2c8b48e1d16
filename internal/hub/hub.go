// Package hub provides connection and session management for WebSocket clients.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/agentchat/internal/chat"
	"github.com/xiaot623/agentchat/internal/protocol"
)

var (
	// ErrSessionNotFound is returned for a session id the hub does not hold.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when a turn is already in flight.
	ErrSessionBusy = errors.New("session is streaming")
	// ErrBufferFull is returned when the send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrConnectionClosed is returned when sending to an unregistered connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// SessionFactory creates the chat session bound to a new session id.
type SessionFactory func(sessionID string) *chat.Session

// Connection represents a single WebSocket connection.
type Connection struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	mu        sync.Mutex

	sendMu sync.Mutex
	closed bool
}

// entry is a chat session together with the connections bound to it.
type entry struct {
	chat        *chat.Session
	conns       map[string]bool
	busy        atomic.Bool
	unsubscribe func()
}

// Hub manages all WebSocket connections and their chat sessions.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Sessions indexed by session ID
	sessions map[string]*entry

	newSession SessionFactory

	// Channels for registration/unregistration
	register   chan *Connection
	unregister chan *Connection

	// Broadcast channel for sending to specific session
	broadcast chan *SessionMessage

	done chan struct{}
	mu   sync.RWMutex
}

// SessionMessage is used to broadcast a message to a session.
type SessionMessage struct {
	SessionID string
	Data      []byte
}

// NewHub creates a new Hub that creates sessions with newSession.
func NewHub(newSession SessionFactory) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]*entry),
		newSession:  newSession,
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *SessionMessage, 256),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			log.Info().Str("component", "hub").Str("conn_id", conn.ID).Msg("connection registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				h.detachLocked(conn)
				conn.closeSend()
			}
			h.mu.Unlock()
			log.Info().Str("component", "hub").Str("conn_id", conn.ID).Msg("connection unregistered")

		case msg := <-h.broadcast:
			h.mu.RLock()
			if e, ok := h.sessions[msg.SessionID]; ok {
				for connID := range e.conns {
					if conn, exists := h.connections[connID]; exists {
						if err := conn.trySend(msg.Data); errors.Is(err, ErrBufferFull) {
							// Buffer full, close the connection
							log.Warn().Str("component", "hub").Str("conn_id", connID).Msg("connection buffer full, closing")
							go h.Unregister(conn)
						}
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection creates a new connection. It must be registered with Register.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, 256),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// BindSession binds a connection to a session, creating the session when
// sessionID is empty or unknown. It returns the bound session id.
func (h *Hub) BindSession(conn *Connection, sessionID string) string {
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:8]
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.SessionID == sessionID {
		if _, ok := h.sessions[sessionID]; ok {
			return sessionID
		}
	}

	// Remove from old session if any
	h.detachLocked(conn)

	e, ok := h.sessions[sessionID]
	if !ok {
		e = &entry{
			chat:  h.newSession(sessionID),
			conns: make(map[string]bool),
		}
		h.sessions[sessionID] = e
		e.unsubscribe = h.forward(sessionID, e.chat)
		log.Info().Str("component", "hub").Str("session_id", sessionID).Msg("session created")
	}

	conn.SessionID = sessionID
	e.conns[conn.ID] = true
	return sessionID
}

// Session returns the chat session bound to sessionID.
func (h *Hub) Session(sessionID string) (*chat.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.chat, true
}

// StartTurn sends text to the session in the background. Only one turn per
// session may be in flight; a second call returns ErrSessionBusy until the
// first settles.
func (h *Hub) StartTurn(ctx context.Context, sessionID, text string) error {
	h.mu.RLock()
	e, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	if !e.busy.CompareAndSwap(false, true) {
		return ErrSessionBusy
	}

	go func() {
		defer e.busy.Store(false)
		e.chat.SendMessage(ctx, text)
	}()
	return nil
}

// forward broadcasts every snapshot of s to the connections of sessionID.
func (h *Hub) forward(sessionID string, s *chat.Session) func() {
	sub, cancel := s.Subscribe()
	go func() {
		for snap := range sub {
			if err := h.BroadcastJSON(sessionID, NewStateMessage(sessionID, snap)); err != nil {
				log.Warn().Err(err).Str("component", "hub").Str("session_id", sessionID).Msg("failed to broadcast state")
			}
		}
	}()
	return cancel
}

// detachLocked removes conn from its session and drops the session once it
// has no connections left.
func (h *Hub) detachLocked(conn *Connection) {
	if conn.SessionID == "" {
		return
	}
	e, ok := h.sessions[conn.SessionID]
	if !ok {
		return
	}
	delete(e.conns, conn.ID)
	if len(e.conns) == 0 {
		e.unsubscribe()
		delete(h.sessions, conn.SessionID)
		log.Info().Str("component", "hub").Str("session_id", conn.SessionID).Msg("session dropped")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.connections {
		delete(h.connections, id)
		conn.closeSend()
	}
	for id, e := range h.sessions {
		e.unsubscribe()
		delete(h.sessions, id)
	}
}

// Broadcast sends a message to all connections of a session.
func (h *Hub) Broadcast(sessionID string, data []byte) {
	select {
	case h.broadcast <- &SessionMessage{SessionID: sessionID, Data: data}:
	case <-h.done:
	}
}

// BroadcastJSON sends a JSON message to all connections of a session.
func (h *Hub) BroadcastJSON(sessionID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(sessionID, data)
	return nil
}

// SendToConnection sends a message to a specific connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	return conn.trySend(data)
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetSessionCount returns the number of active sessions.
func (h *Hub) GetSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// NewStateMessage converts a session snapshot into a state message.
func NewStateMessage(sessionID string, snap chat.Snapshot) protocol.StateMessage {
	return protocol.StateMessage{
		BaseMessage: protocol.NewBase(protocol.TypeState, sessionID),
		Status:      snap.Status,
		Partial:     snap.Partial,
		Error:       snap.Error,
		Messages:    snap.History,
	}
}

// trySend queues data without blocking.
func (c *Connection) trySend(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// closeSend closes the Send channel once.
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
