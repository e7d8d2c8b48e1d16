// Package domain defines the core domain models for agent chat sessions.
package domain

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionStatus represents the status of a chat session.
type SessionStatus string

const (
	SessionStatusReady     SessionStatus = "ready"
	SessionStatusStreaming SessionStatus = "streaming"
	SessionStatusError     SessionStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusReady, SessionStatusStreaming, SessionStatusError:
		return true
	}
	return false
}
