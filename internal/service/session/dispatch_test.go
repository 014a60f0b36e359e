package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tutor/backend/internal/events"
	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
	"github.com/zhouzirui/z-tutor/backend/internal/model/session"
	"github.com/zhouzirui/z-tutor/backend/internal/realtime"
	sessionservice "github.com/zhouzirui/z-tutor/backend/internal/service/session"
)

type fakeClient struct {
	events chan realtime.Event

	mu           sync.Mutex
	connected    bool
	disconnected bool
	audio        [][]byte
	closeOnce    sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan realtime.Event, 16)}
}

func (c *fakeClient) Connect(context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) SendAudio(_ context.Context, chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return realtime.ErrNotConnected
	}
	c.audio = append(c.audio, chunk)
	return nil
}

func (c *fakeClient) Events() <-chan realtime.Event {
	return c.events
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeClient) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func TestAttachDispatchesEventsInOrder(t *testing.T) {
	h := newHarness(t, sessionservice.Config{}, nil)
	ctx := context.Background()

	info, err := h.orch.CreateOrResume(ctx, "u1", session.Options{})
	require.NoError(t, err)

	client := newFakeClient()
	require.NoError(t, h.orch.Attach(ctx, info.ID, client))
	assert.Equal(t, 1, h.orch.Stats().RealtimeAttached)

	client.events <- realtime.Event{Type: realtime.EventMessageCompleted, Role: chat.RoleUser, Transcript: "Hi, I'd like a latte."}
	client.events <- realtime.Event{Type: realtime.EventResponseStarted, ResponseID: "r1"}
	require.Eventually(t, func() bool { return h.orch.AISpeaking(info.ID) }, time.Second, 5*time.Millisecond)

	client.events <- realtime.Event{Type: realtime.EventMessageCompleted, ResponseID: "r1", Role: chat.RoleAssistant, Text: "Coming right up."}
	client.events <- realtime.Event{Type: realtime.EventResponseDone, ResponseID: "r1"}
	require.Eventually(t, func() bool {
		live, ok := h.orch.Session(info.ID)
		return ok && live.MessageCount == 2 && !h.orch.AISpeaking(info.ID)
	}, time.Second, 5*time.Millisecond)

	conv, err := h.store.Get(ctx, info.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "Hi, I'd like a latte.", conv.Messages[0].Content)
	assert.Equal(t, chat.RoleAssistant, conv.Messages[1].Role)

	client.events <- realtime.Event{Type: realtime.EventClosed}
	require.Eventually(t, func() bool {
		_, ok := h.orch.Session(info.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	ev, ok := h.events.Last(events.TeardownCompleted)
	require.True(t, ok)
	assert.Equal(t, string(session.SignalDisconnect), ev.Attrs["signal"])
	assert.True(t, client.isDisconnected())
}

func TestAttachReplacesPreviousClient(t *testing.T) {
	h := newHarness(t, sessionservice.Config{}, nil)
	ctx := context.Background()

	info, err := h.orch.CreateOrResume(ctx, "u1", session.Options{})
	require.NoError(t, err)

	first, second := newFakeClient(), newFakeClient()
	require.NoError(t, h.orch.Attach(ctx, info.ID, first))
	require.NoError(t, h.orch.Attach(ctx, info.ID, second))

	assert.True(t, first.isDisconnected())
	assert.False(t, second.isDisconnected())
	_, ok := h.orch.Session(info.ID)
	assert.True(t, ok, "closing a replaced client must not end the session")

	require.NoError(t, h.orch.SendAudio(ctx, info.ID, []byte{1, 2, 3}))
	second.mu.Lock()
	assert.Len(t, second.audio, 1)
	second.mu.Unlock()
}

func TestAttachAndSendAudioErrors(t *testing.T) {
	h := newHarness(t, sessionservice.Config{}, nil)
	ctx := context.Background()

	require.ErrorIs(t, h.orch.Attach(ctx, "missing", newFakeClient()), sessionservice.ErrSessionNotFound)
	require.ErrorIs(t, h.orch.SendAudio(ctx, "missing", []byte{1}), sessionservice.ErrSessionNotFound)

	info, err := h.orch.CreateOrResume(ctx, "u1", session.Options{})
	require.NoError(t, err)
	require.ErrorIs(t, h.orch.SendAudio(ctx, info.ID, []byte{1}), sessionservice.ErrNoRealtimeClient)
}

func TestTeardownDisconnectsAttachedClient(t *testing.T) {
	h := newHarness(t, sessionservice.Config{}, nil)
	ctx := context.Background()

	info, err := h.orch.CreateOrResume(ctx, "u1", session.Options{})
	require.NoError(t, err)
	client := newFakeClient()
	require.NoError(t, h.orch.Attach(ctx, info.ID, client))

	sum, err := h.orch.EndSession(ctx, info.ID, session.SignalUserStop)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.True(t, client.isDisconnected())
	assert.Equal(t, session.SignalUserStop, sum.Signal)

	// dispatcher drains once the channel closes
	assert.Equal(t, 0, h.orch.Shutdown(ctx))
}
