// Package ws provides WebSocket server functionality for client connections.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/agentchat/internal/config"
	"github.com/xiaot623/agentchat/internal/hub"
	"github.com/xiaot623/agentchat/internal/protocol"
)

// Server handles WebSocket connections.
type Server struct {
	ctx      context.Context
	cfg      *config.Config
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server. Turns started by clients run
// under ctx and outlive the connection that started them.
func NewServer(ctx context.Context, cfg *config.Config, h *hub.Hub) *Server {
	return &Server{
		ctx: ctx,
		cfg: cfg,
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "ws").Msg("failed to upgrade websocket")
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("component", "ws").Str("conn_id", conn.ID).Msg("websocket read error")
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Str("component", "ws").Str("conn_id", conn.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var baseMsg protocol.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch baseMsg.Type {
	case protocol.TypeHello:
		s.handleHello(conn, data)
	case protocol.TypeSendMessage:
		s.handleSendMessage(conn, data, baseMsg.RequestID)
	default:
		s.sendError(conn, baseMsg.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
	}
}

// handleHello binds the connection to a session and replies with hello_ack
// followed by the current state of the session.
func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	if s.cfg.GatewayKey != "" && msg.APIKey != s.cfg.GatewayKey {
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeUnauthorized, "invalid api_key")
		return
	}

	sessionID := s.hub.BindSession(conn, msg.SessionID)

	ack := protocol.HelloAckMessage{BaseMessage: protocol.NewBase(protocol.TypeHelloAck, sessionID)}
	ack.RequestID = msg.RequestID
	if err := s.hub.SendJSONToConnection(conn, ack); err != nil {
		log.Warn().Err(err).Str("component", "ws").Str("conn_id", conn.ID).Msg("failed to send hello_ack")
		return
	}

	if session, ok := s.hub.Session(sessionID); ok {
		if err := s.hub.SendJSONToConnection(conn, hub.NewStateMessage(sessionID, session.Snapshot())); err != nil {
			log.Warn().Err(err).Str("component", "ws").Str("conn_id", conn.ID).Msg("failed to send initial state")
		}
	}

	log.Info().Str("component", "ws").Str("conn_id", conn.ID).Str("session_id", sessionID).Msg("hello handshake completed")
}

// handleSendMessage starts a turn on the bound session. Progress reaches
// the client as state messages.
func (s *Server) handleSendMessage(conn *hub.Connection, data []byte, requestID string) {
	var msg protocol.SendMessageMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, requestID, protocol.ErrorCodeInvalidMessage, "invalid send_message message")
		return
	}

	if conn.SessionID == "" {
		s.sendError(conn, requestID, protocol.ErrorCodeSessionRequired, "must send hello first")
		return
	}

	if strings.TrimSpace(msg.Text) == "" {
		s.sendError(conn, requestID, protocol.ErrorCodeInvalidMessage, "text is required")
		return
	}

	err := s.hub.StartTurn(s.ctx, conn.SessionID, msg.Text)
	switch {
	case err == nil:
	case errors.Is(err, hub.ErrSessionBusy):
		s.sendError(conn, requestID, protocol.ErrorCodeBusy, "a reply is still streaming")
	case errors.Is(err, hub.ErrSessionNotFound):
		s.sendError(conn, requestID, protocol.ErrorCodeSessionRequired, "session no longer exists, send hello again")
	default:
		log.Error().Err(err).Str("component", "ws").Str("session_id", conn.SessionID).Msg("failed to start turn")
		s.sendError(conn, requestID, protocol.ErrorCodeInternalError, err.Error())
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, requestID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.NewBase(protocol.TypeError, conn.SessionID),
		Code:        code,
		Message:     message,
	}
	errMsg.RequestID = requestID
	if err := s.hub.SendJSONToConnection(conn, errMsg); err != nil {
		log.Warn().Err(err).Str("component", "ws").Str("conn_id", conn.ID).Msg("failed to send error")
	}
}
