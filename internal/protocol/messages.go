// Package protocol defines the WebSocket message protocol between clients
// and the chat gateway.
package protocol

import (
	"time"

	"github.com/xiaot623/agentchat/internal/domain"
)

// Message types from client to gateway
const (
	TypeHello       = "hello"
	TypeSendMessage = "send_message"
)

// Message types from gateway to client
const (
	TypeHelloAck = "hello_ack"
	TypeState    = "state"
	TypeError    = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// HelloMessage is sent by client to establish connection. A non-empty
// SessionID joins an existing in-memory session.
type HelloMessage struct {
	BaseMessage
	APIKey     string            `json:"api_key,omitempty"`
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckMessage is sent by the gateway after successful hello.
type HelloAckMessage struct {
	BaseMessage
}

// SendMessageMessage starts a new user turn.
type SendMessageMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// StateMessage carries the observable state of a session.
type StateMessage struct {
	BaseMessage
	Status   domain.SessionStatus `json:"status"`
	Partial  string               `json:"partial"`
	Error    string               `json:"error,omitempty"`
	Messages []domain.Message     `json:"messages"`
}

// ErrorMessage is sent by the gateway when a client message is rejected.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeUnauthorized    = "unauthorized"
	ErrorCodeSessionRequired = "session_required"
	ErrorCodeBusy            = "busy"
	ErrorCodeInternalError   = "internal_error"
)

// NewBase returns a BaseMessage of the given type stamped with the current time.
func NewBase(typ, sessionID string) BaseMessage {
	return BaseMessage{
		Type:      typ,
		Ts:        time.Now().UnixMilli(),
		SessionID: sessionID,
	}
}
