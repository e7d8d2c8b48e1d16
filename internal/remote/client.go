// Package remote is a WebSocket client for the chat gateway.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/agentchat/internal/chat"
	"github.com/xiaot623/agentchat/internal/protocol"
)

// Event is a message received from the gateway. Exactly one of State and
// Error is set for the state and error types.
type Event struct {
	Type  string
	State *protocol.StateMessage
	Error *protocol.ErrorMessage
	Raw   []byte
}

// Client represents a WebSocket client of the gateway.
type Client struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	sessionID string
}

// Dial connects to the gateway at addr, e.g. ws://localhost:8090/ws.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	return &Client{conn: conn}, nil
}

// SessionID returns the session bound by Hello.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Hello sends a hello message and waits for hello_ack. An empty sessionID
// asks the gateway for a new session. It returns the bound session id.
func (c *Client) Hello(apiKey, sessionID string) (string, error) {
	msg := protocol.HelloMessage{
		BaseMessage: protocol.NewBase(protocol.TypeHello, sessionID),
		APIKey:      apiKey,
		ClientMeta: map[string]string{
			"client": "agentchat-cli",
		},
	}
	if err := c.writeJSON(msg); err != nil {
		return "", errors.Wrap(err, "write hello")
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", errors.Wrap(err, "read hello_ack")
	}

	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return "", errors.Wrap(err, "unmarshal hello_ack")
	}

	switch base.Type {
	case protocol.TypeHelloAck:
	case protocol.TypeError:
		var errMsg protocol.ErrorMessage
		if err := json.Unmarshal(data, &errMsg); err != nil {
			return "", errors.Wrap(err, "unmarshal error")
		}
		return "", errors.Errorf("hello failed: %s - %s", errMsg.Code, errMsg.Message)
	default:
		return "", errors.Errorf("expected hello_ack, got: %s", base.Type)
	}

	c.sessionID = base.SessionID
	return c.sessionID, nil
}

// SendMessage asks the gateway to start a turn with text.
func (c *Client) SendMessage(text string) error {
	msg := protocol.SendMessageMessage{
		BaseMessage: protocol.NewBase(protocol.TypeSendMessage, c.sessionID),
		Text:        text,
	}
	msg.RequestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	return errors.Wrap(c.writeJSON(msg), "write send_message")
}

// ReadEvents calls handler for every message until the connection closes.
// It returns nil after a normal closure.
func (c *Client) ReadEvents(handler func(Event)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return errors.Wrap(err, "read")
		}

		ev, err := decodeEvent(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "remote").Msg("skipping undecodable message")
			continue
		}
		handler(ev)
	}
}

func decodeEvent(data []byte) (Event, error) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return Event{}, errors.Wrap(err, "unmarshal message")
	}

	ev := Event{Type: base.Type, Raw: data}
	switch base.Type {
	case protocol.TypeState:
		ev.State = &protocol.StateMessage{}
		if err := json.Unmarshal(data, ev.State); err != nil {
			return Event{}, errors.Wrap(err, "unmarshal state")
		}
		if !ev.State.Status.Valid() {
			return Event{}, errors.Errorf("unknown session status %q", ev.State.Status)
		}
	case protocol.TypeError:
		ev.Error = &protocol.ErrorMessage{}
		if err := json.Unmarshal(data, ev.Error); err != nil {
			return Event{}, errors.Wrap(err, "unmarshal error")
		}
	}
	return ev, nil
}

// Snapshot converts a state message into a session snapshot.
func Snapshot(msg *protocol.StateMessage) chat.Snapshot {
	return chat.Snapshot{
		History: msg.Messages,
		Partial: msg.Partial,
		Status:  msg.Status,
		Error:   msg.Error,
	}
}

func (c *Client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}
