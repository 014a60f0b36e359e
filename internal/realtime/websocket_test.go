package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
	"github.com/zhouzirui/z-tutor/backend/internal/observability"
)

// newTestServer upgrades every request, sends script, then either closes the
// connection or echoes audio frame sizes until the client goes away.
func newTestServer(t *testing.T, script []Event, closeAfter bool, audio chan<- int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, ev := range script {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		if closeAfter {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
			return
		}
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage && audio != nil {
				audio <- len(data)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			require.FailNow(t, "event channel was not closed")
		}
	}
}

func TestWebSocketClientDeliversEventsInOrder(t *testing.T) {
	script := []Event{
		{Type: EventMessageCompleted, Role: chat.RoleUser, Text: "Can I get a latte?"},
		{Type: EventResponseStarted, ResponseID: "r1"},
		{Type: EventMessageCompleted, Role: chat.RoleAssistant, Text: "Sure, what size?", ResponseID: "r1"},
		{Type: EventResponseDone, ResponseID: "r1"},
	}
	srv := newTestServer(t, script, true, nil)

	client := NewWebSocketClient(Options{URL: wsURL(srv)}, observability.Discard())
	require.NoError(t, client.Connect(context.Background()))

	got := collect(t, client.Events())
	require.Len(t, got, len(script)+1)
	for i, ev := range script {
		assert.Equal(t, ev.Type, got[i].Type, "event %d", i)
		assert.False(t, got[i].At.IsZero())
	}
	assert.Equal(t, "Sure, what size?", got[2].Text)
	assert.Equal(t, EventClosed, got[len(got)-1].Type)
}

func TestWebSocketClientSendAudioAndDisconnect(t *testing.T) {
	audio := make(chan int, 1)
	srv := newTestServer(t, nil, false, audio)

	client := NewWebSocketClient(Options{URL: wsURL(srv)}, observability.Discard())
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.SendAudio(context.Background(), make([]byte, 320)))

	select {
	case n := <-audio:
		assert.Equal(t, 320, n)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "server did not receive audio")
	}

	require.NoError(t, client.Disconnect(context.Background()))
	assert.NoError(t, client.Disconnect(context.Background()))

	for ev := range client.Events() {
		assert.NotEqual(t, EventClosed, ev.Type, "local disconnect must not report a remote close")
	}
	assert.ErrorIs(t, client.SendAudio(context.Background(), []byte{1}), ErrNotConnected)
}

func TestWebSocketClientDisconnectBeforeConnect(t *testing.T) {
	client := NewWebSocketClient(Options{URL: "ws://127.0.0.1:1"}, observability.Discard())
	require.NoError(t, client.Disconnect(context.Background()))
	_, ok := <-client.Events()
	assert.False(t, ok)
}

func TestWebSocketClientConnectFailsAfterRetries(t *testing.T) {
	client := NewWebSocketClient(Options{
		URL:              "ws://127.0.0.1:1",
		MaxRetries:       2,
		RetryDelay:       time.Millisecond,
		HandshakeTimeout: 100 * time.Millisecond,
	}, observability.Discard())

	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestEventMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	msg := Event{Type: EventMessageCompleted, Transcript: "hello"}.Message(now)
	assert.Equal(t, chat.RoleAssistant, msg.Role)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, now, msg.Timestamp)
}
