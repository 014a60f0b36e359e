package realtime

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tutor/backend/internal/realtime"
	sessionservice "github.com/zhouzirui/z-tutor/backend/internal/service/session"
)

type fakeSessions struct {
	mu       sync.Mutex
	attached map[string]realtime.Client
	audio    map[string][][]byte
}

func newFakeSessions(ids ...string) *fakeSessions {
	f := &fakeSessions{attached: make(map[string]realtime.Client), audio: make(map[string][][]byte)}
	for _, id := range ids {
		f.audio[id] = nil
	}
	return f
}

func (f *fakeSessions) Attach(_ context.Context, sessionID string, client realtime.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.audio[sessionID]; !ok {
		return sessionservice.ErrSessionNotFound
	}
	f.attached[sessionID] = client
	return nil
}

func (f *fakeSessions) SendAudio(_ context.Context, sessionID string, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.audio[sessionID]; !ok {
		return sessionservice.ErrSessionNotFound
	}
	if _, ok := f.attached[sessionID]; !ok {
		return sessionservice.ErrNoRealtimeClient
	}
	f.audio[sessionID] = append(f.audio[sessionID], chunk)
	return nil
}

func (f *fakeSessions) chunks(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio[sessionID])
}

func setupRouter(sessions Sessions, factory ClientFactory) *chi.Mux {
	r := chi.NewRouter()
	New(sessions, factory).RegisterRoutes(r)
	return r
}

func factory(string) realtime.Client {
	return realtime.NewWebSocketClient(realtime.Options{URL: "ws://127.0.0.1:1"}, nil)
}

func TestAttachRequiresFactory(t *testing.T) {
	r := setupRouter(newFakeSessions("s1"), nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/sessions/s1/realtime", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestAttachUnknownSession(t *testing.T) {
	r := setupRouter(newFakeSessions(), factory)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/sessions/nope/realtime", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestAudioChunk(t *testing.T) {
	sessions := newFakeSessions("s1")
	r := setupRouter(sessions, factory)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/sessions/s1/audio", bytes.NewReader([]byte{1, 2})))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 without realtime client, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/sessions/s1/realtime", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/sessions/s1/audio", bytes.NewReader([]byte{1, 2})))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/sessions/s1/audio", bytes.NewReader(nil)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty chunk, got %d", resp.Code)
	}
}

func TestAudioStreamForwardsBinaryFrames(t *testing.T) {
	sessions := newFakeSessions("s1")
	sessions.attached["s1"] = factory("s1")
	server := httptest.NewServer(setupRouter(sessions, factory))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/sessions/s1/audio/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte("ignored"))

	deadline := time.Now().Add(time.Second)
	for sessions.chunks("s1") < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 forwarded chunks, got %d", sessions.chunks("s1"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
