// Package chat implements the streaming chat session: conversation history,
// one upstream request per user turn and the status observed by front ends.
package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/agentchat/internal/agent"
	"github.com/xiaot623/agentchat/internal/domain"
)

// subscriberBuffer is the number of snapshots queued per subscriber before
// the oldest one is dropped.
const subscriberBuffer = 32

// Snapshot is a copy of the observable state of a session.
type Snapshot struct {
	History []domain.Message
	Partial string
	Status  domain.SessionStatus
	Error   string
}

// Session holds a conversation with the agent. All fields are owned by the
// session and only change inside SendMessage.
type Session struct {
	streamer agent.Streamer
	logger   zerolog.Logger

	mu      sync.Mutex
	history []domain.Message
	partial string
	status  domain.SessionStatus
	err     string

	subs   map[int]chan Snapshot
	nextID int
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for turn diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// NewSession creates a session with empty history and status ready.
func NewSession(streamer agent.Streamer, opts ...Option) *Session {
	s := &Session{
		streamer: streamer,
		logger:   log.Logger.With().Str("component", "chat").Logger(),
		history:  []domain.Message{},
		status:   domain.SessionStatusReady,
		subs:     make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendMessage runs one user turn. Text that is empty after trimming is
// ignored. Failures are recorded in the session state rather than
// returned; once SendMessage returns the status is ready or error.
//
// Callers must not start a turn while another is streaming.
func (s *Session) SendMessage(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	if s.status == domain.SessionStatusStreaming {
		s.logger.Warn().Msg("send while a turn is still streaming")
	}
	s.err = ""
	s.history = append(s.history, domain.Message{Role: domain.RoleUser, Content: text})
	s.partial = ""
	s.status = domain.SessionStatusStreaming
	s.publishLocked()
	s.mu.Unlock()

	s.logger.Debug().Int("chars", len(text)).Msg("turn started")

	var acc strings.Builder
	err := s.streamer.Stream(ctx, text, func(delta string) error {
		acc.WriteString(delta)
		s.mu.Lock()
		s.partial = acc.String()
		s.publishLocked()
		s.mu.Unlock()
		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.partial = ""
	if err != nil {
		s.status = domain.SessionStatusError
		s.err = err.Error()
		s.publishLocked()
		s.logger.Warn().Err(err).Msg("turn failed")
		return
	}

	s.history = append(s.history, domain.Message{Role: domain.RoleAssistant, Content: acc.String()})
	s.status = domain.SessionStatusReady
	s.publishLocked()
	s.logger.Debug().Int("chars", acc.Len()).Msg("turn finished")
}

// Snapshot returns a copy of the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// History returns a copy of the conversation so far.
func (s *Session) History() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneMessages(s.history)
}

// Partial returns the assistant text received so far in the current turn.
func (s *Session) Partial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial
}

// Status returns the current session status.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the message of the last failed turn, or "" when there is none.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscribe returns a channel receiving a snapshot after every state
// change. Publishing never blocks: a subscriber that falls behind loses
// its oldest queued snapshots, never the newest. The returned function
// unsubscribes and closes the channel.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		History: domain.CloneMessages(s.history),
		Partial: s.partial,
		Status:  s.status,
		Error:   s.err,
	}
}

func (s *Session) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		offer(ch, snap)
	}
}

// offer delivers snap, dropping the oldest queued snapshot if ch is full.
// Only the session sends on ch, under its mutex.
func offer(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
