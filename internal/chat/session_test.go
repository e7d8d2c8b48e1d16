package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentchat/internal/agent"
	"github.com/xiaot623/agentchat/internal/domain"
)

type fakeStreamer struct {
	deltas []string
	err    error
	calls  []string
	before func()
	each   func(delta string)
}

func (f *fakeStreamer) Stream(ctx context.Context, text string, onDelta agent.DeltaHandler) error {
	f.calls = append(f.calls, text)
	if f.before != nil {
		f.before()
	}
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
		if f.each != nil {
			f.each(d)
		}
	}
	return f.err
}

func newAgentSession(t *testing.T, handler http.HandlerFunc) *Session {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewSession(agent.NewClient(agent.Config{
		ApplicationID: "APP",
		APIKey:        "key",
		AgentID:       "agent",
		BaseURL:       server.URL,
	}))
}

func drain(ch <-chan Snapshot) []Snapshot {
	var out []Snapshot
	for {
		select {
		case snap := <-ch:
			out = append(out, snap)
		default:
			return out
		}
	}
}

func TestNewSessionInitialState(t *testing.T) {
	s := NewSession(&fakeStreamer{})
	snap := s.Snapshot()
	assert.Equal(t, domain.SessionStatusReady, snap.Status)
	assert.Empty(t, snap.History)
	assert.Empty(t, snap.Partial)
	assert.Empty(t, snap.Error)
}

func TestSendMessageEmptyIsNoop(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"x"}}
	s := NewSession(f)
	sub, cancel := s.Subscribe()
	defer cancel()

	for _, text := range []string{"", "   ", "\n\t "} {
		s.SendMessage(context.Background(), text)
	}

	assert.Empty(t, f.calls)
	assert.Empty(t, s.History())
	assert.Equal(t, domain.SessionStatusReady, s.Status())
	assert.Empty(t, drain(sub))
}

func TestSendMessageAppendsUserBeforeRequest(t *testing.T) {
	f := &fakeStreamer{}
	s := NewSession(f)
	f.before = func() {
		assert.Equal(t, []domain.Message{{Role: domain.RoleUser, Content: "hello"}}, s.History())
		assert.Equal(t, domain.SessionStatusStreaming, s.Status())
		assert.Empty(t, s.Partial())
	}

	s.SendMessage(context.Background(), "  hello \n")

	assert.Equal(t, []string{"hello"}, f.calls)
}

func TestSendMessageSuccess(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"Hel", "lo", "", " world"}}
	s := NewSession(f)

	var partials []string
	f.each = func(string) {
		partials = append(partials, s.Partial())
	}

	s.SendMessage(context.Background(), "hi")

	assert.Equal(t, []string{"Hel", "Hello", "Hello", "Hello world"}, partials)
	assert.Equal(t, []domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "Hello world"},
	}, s.History())
	assert.Equal(t, domain.SessionStatusReady, s.Status())
	assert.Empty(t, s.Partial())
	assert.Empty(t, s.Err())
}

func TestSendMessageTransportError(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"par"}, err: errors.Wrap(errors.New("connection reset"), "read stream")}
	s := NewSession(f)

	s.SendMessage(context.Background(), "hi")

	assert.Equal(t, domain.SessionStatusError, s.Status())
	assert.Equal(t, "read stream: connection reset", s.Err())
	assert.Empty(t, s.Partial())
	assert.Equal(t, []domain.Message{{Role: domain.RoleUser, Content: "hi"}}, s.History())
}

func TestSendMessageStreamErrorEvent(t *testing.T) {
	s := newAgentSession(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"text-delta\",\"delta\":\"a\"}\n")
		fmt.Fprint(w, "data: {\"error\":\"rate limited\"}\n")
		fmt.Fprint(w, "data: {\"type\":\"text-delta\",\"delta\":\"b\"}\n")
	})
	sub, cancel := s.Subscribe()
	defer cancel()

	s.SendMessage(context.Background(), "q")

	assert.Equal(t, domain.SessionStatusError, s.Status())
	assert.Equal(t, "rate limited", s.Err())
	assert.Empty(t, s.Partial())
	assert.Equal(t, []domain.Message{{Role: domain.RoleUser, Content: "q"}}, s.History())

	for _, snap := range drain(sub) {
		assert.NotContains(t, snap.Partial, "b")
	}
}

func TestSendMessageRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"structured message", `{"message":"M"}`, "M"},
		{"markup", "<!DOCTYPE html><html><body>Attention Required</body></html>", agent.HTMLResponseMessage},
		{"raw body", "service unavailable", "service unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newAgentSession(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, tt.body)
			})

			s.SendMessage(context.Background(), "q")

			assert.Equal(t, domain.SessionStatusError, s.Status())
			assert.Equal(t, tt.want, s.Err())
			assert.Len(t, s.History(), 1)
		})
	}
}

func TestSendMessageTwoTurns(t *testing.T) {
	var turn atomic.Int32
	s := newAgentSession(t, func(w http.ResponseWriter, r *http.Request) {
		n := turn.Add(1)
		fmt.Fprintf(w, "data: {\"type\":\"text-delta\",\"delta\":\"answer %d\"}\n", n)
	})

	s.SendMessage(context.Background(), "first")
	s.SendMessage(context.Background(), "second")

	assert.Equal(t, []domain.Message{
		{Role: domain.RoleUser, Content: "first"},
		{Role: domain.RoleAssistant, Content: "answer 1"},
		{Role: domain.RoleUser, Content: "second"},
		{Role: domain.RoleAssistant, Content: "answer 2"},
	}, s.History())
	assert.Equal(t, domain.SessionStatusReady, s.Status())
}

func TestSendMessageErrorIsNotSticky(t *testing.T) {
	f := &fakeStreamer{err: errors.New("boom")}
	s := NewSession(f)

	s.SendMessage(context.Background(), "one")
	require.Equal(t, domain.SessionStatusError, s.Status())

	f.err = nil
	f.deltas = []string{"ok"}
	f.before = func() {
		assert.Empty(t, s.Err())
	}
	s.SendMessage(context.Background(), "two")

	assert.Equal(t, domain.SessionStatusReady, s.Status())
	assert.Empty(t, s.Err())
	assert.Equal(t, []domain.Message{
		{Role: domain.RoleUser, Content: "one"},
		{Role: domain.RoleUser, Content: "two"},
		{Role: domain.RoleAssistant, Content: "ok"},
	}, s.History())
}

func TestSubscribeObservesTurn(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"a", "b"}}
	s := NewSession(f)
	sub, cancel := s.Subscribe()
	defer cancel()

	s.SendMessage(context.Background(), "go")

	snaps := drain(sub)
	require.Len(t, snaps, 4)
	assert.Equal(t, domain.SessionStatusStreaming, snaps[0].Status)
	assert.Equal(t, "", snaps[0].Partial)
	assert.Equal(t, "a", snaps[1].Partial)
	assert.Equal(t, "ab", snaps[2].Partial)
	assert.Equal(t, domain.SessionStatusReady, snaps[3].Status)
	assert.Len(t, snaps[3].History, 2)
}

func TestBufferEmptyUnlessStreaming(t *testing.T) {
	f := &fakeStreamer{deltas: []string{"x", "y"}}
	s := NewSession(f)
	sub, cancel := s.Subscribe()
	defer cancel()

	s.SendMessage(context.Background(), "ok")
	f.err = errors.New("fail")
	s.SendMessage(context.Background(), "bad")

	snaps := drain(sub)
	require.NotEmpty(t, snaps)
	for _, snap := range snaps {
		if snap.Status != domain.SessionStatusStreaming {
			assert.Empty(t, snap.Partial, "status %s", snap.Status)
		}
	}
	assert.Equal(t, domain.SessionStatusError, snaps[len(snaps)-1].Status)
}

func TestSubscribeSlowObserverGetsLatest(t *testing.T) {
	deltas := make([]string, subscriberBuffer*3)
	for i := range deltas {
		deltas[i] = "x"
	}
	s := NewSession(&fakeStreamer{deltas: deltas})
	sub, cancel := s.Subscribe()
	defer cancel()

	s.SendMessage(context.Background(), "go")

	snaps := drain(sub)
	require.Len(t, snaps, subscriberBuffer)
	last := snaps[len(snaps)-1]
	assert.Equal(t, domain.SessionStatusReady, last.Status)
	assert.Len(t, last.History[1].Content, len(deltas))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := NewSession(&fakeStreamer{})
	sub, cancel := s.Subscribe()
	cancel()
	cancel()

	_, ok := <-sub
	assert.False(t, ok)

	s.SendMessage(context.Background(), "still works")
	assert.Equal(t, domain.SessionStatusReady, s.Status())
}

func TestSnapshotHistoryIsACopy(t *testing.T) {
	s := NewSession(&fakeStreamer{deltas: []string{"a"}})
	s.SendMessage(context.Background(), "q")

	h := s.History()
	h[0].Content = "mutated"
	assert.Equal(t, "q", s.History()[0].Content)
}
