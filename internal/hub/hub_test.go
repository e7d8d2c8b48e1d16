package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentchat/internal/agent"
	"github.com/xiaot623/agentchat/internal/chat"
	"github.com/xiaot623/agentchat/internal/domain"
	"github.com/xiaot623/agentchat/internal/protocol"
)

type blockingStreamer struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingStreamer() *blockingStreamer {
	return &blockingStreamer{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (b *blockingStreamer) Stream(ctx context.Context, text string, onDelta agent.DeltaHandler) error {
	b.started <- struct{}{}
	<-b.release
	return onDelta("reply to " + text)
}

func startHub(t *testing.T, streamer agent.Streamer) *Hub {
	t.Helper()
	h := NewHub(func(string) *chat.Session {
		return chat.NewSession(streamer)
	})
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func readState(t *testing.T, conn *Connection) protocol.StateMessage {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		require.True(t, ok, "send channel closed")
		var msg protocol.StateMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, protocol.TypeState, msg.Type)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state message")
	}
	return protocol.StateMessage{}
}

func TestBindSessionCreatesAndReuses(t *testing.T) {
	h := startHub(t, agent.NewMockClient())

	c1 := h.NewConnection(nil)
	c2 := h.NewConnection(nil)
	h.Register(c1)
	h.Register(c2)

	id := h.BindSession(c1, "")
	assert.Regexp(t, `^sess_[0-9a-f]{8}$`, id)
	assert.Equal(t, id, c1.SessionID)

	assert.Equal(t, id, h.BindSession(c2, id))
	assert.Equal(t, id, h.BindSession(c1, id))
	assert.Equal(t, 1, h.GetSessionCount())

	s1, ok := h.Session(id)
	require.True(t, ok)
	assert.Equal(t, domain.SessionStatusReady, s1.Status())

	assert.Equal(t, "named", h.BindSession(c2, "named"))
	assert.Equal(t, 2, h.GetSessionCount())
}

func TestStartTurnUnknownSession(t *testing.T) {
	h := startHub(t, agent.NewMockClient())
	err := h.StartTurn(context.Background(), "sess_missing", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStartTurnBusy(t *testing.T) {
	streamer := newBlockingStreamer()
	h := startHub(t, streamer)

	conn := h.NewConnection(nil)
	h.Register(conn)
	id := h.BindSession(conn, "")

	require.NoError(t, h.StartTurn(context.Background(), id, "first"))
	<-streamer.started

	assert.ErrorIs(t, h.StartTurn(context.Background(), id, "second"), ErrSessionBusy)

	close(streamer.release)
	s, _ := h.Session(id)
	require.Eventually(t, func() bool {
		return s.Status() == domain.SessionStatusReady
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.StartTurn(context.Background(), id, "third") == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateBroadcastReachesConnections(t *testing.T) {
	h := startHub(t, agent.NewMockClient())

	c1 := h.NewConnection(nil)
	c2 := h.NewConnection(nil)
	h.Register(c1)
	h.Register(c2)
	id := h.BindSession(c1, "")
	h.BindSession(c2, id)

	require.NoError(t, h.StartTurn(context.Background(), id, "hello"))

	for _, conn := range []*Connection{c1, c2} {
		first := readState(t, conn)
		assert.Equal(t, id, first.SessionID)
		assert.Equal(t, domain.SessionStatusStreaming, first.Status)
		require.Len(t, first.Messages, 1)
		assert.Equal(t, "hello", first.Messages[0].Content)

		var last protocol.StateMessage
		for last.Status != domain.SessionStatusReady {
			last = readState(t, conn)
		}
		assert.Empty(t, last.Partial)
		require.Len(t, last.Messages, 2)
		assert.Equal(t, domain.RoleAssistant, last.Messages[1].Role)
	}
}

func TestUnregisterDropsEmptySession(t *testing.T) {
	h := startHub(t, agent.NewMockClient())

	c1 := h.NewConnection(nil)
	c2 := h.NewConnection(nil)
	h.Register(c1)
	h.Register(c2)
	id := h.BindSession(c1, "")
	h.BindSession(c2, id)

	h.Unregister(c1)
	require.Eventually(t, func() bool { return h.GetConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.GetSessionCount())

	h.Unregister(c2)
	require.Eventually(t, func() bool { return h.GetSessionCount() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-c2.Send
	assert.False(t, ok)
	assert.ErrorIs(t, h.SendToConnection(c2, []byte("late")), ErrConnectionClosed)
}

func TestSendToConnectionBufferFull(t *testing.T) {
	h := startHub(t, agent.NewMockClient())
	conn := h.NewConnection(nil)
	for i := 0; i < cap(conn.Send); i++ {
		require.NoError(t, h.SendToConnection(conn, []byte("x")))
	}
	assert.ErrorIs(t, h.SendToConnection(conn, []byte("x")), ErrBufferFull)
}

func TestRunClosesConnectionsOnShutdown(t *testing.T) {
	h := NewHub(func(string) *chat.Session { return chat.NewSession(agent.NewMockClient()) })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	conn := h.NewConnection(nil)
	h.Register(conn)
	h.BindSession(conn, "")

	cancel()
	<-done

	_, ok := <-conn.Send
	assert.False(t, ok)
	assert.Equal(t, 0, h.GetSessionCount())

	// Unregister after shutdown must not block.
	h.Unregister(conn)
}
