package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tutor/backend/internal/observability"
	"github.com/zhouzirui/z-tutor/backend/internal/realtime"
	sessionservice "github.com/zhouzirui/z-tutor/backend/internal/service/session"
	"github.com/zhouzirui/z-tutor/backend/pkg/utils"
)

// maxAudioChunk 单个音频分片上限
const maxAudioChunk = 1 << 20

// Sessions is the orchestrator surface the realtime routes need.
type Sessions interface {
	Attach(ctx context.Context, sessionID string, client realtime.Client) error
	SendAudio(ctx context.Context, sessionID string, chunk []byte) error
}

// ClientFactory builds a fresh realtime client for a session.
type ClientFactory func(sessionID string) realtime.Client

// Handler 实时语音链路的HTTP/WebSocket处理器
type Handler struct {
	sessions  Sessions
	newClient ClientFactory
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// New 创建实时处理器；newClient 为空时 /realtime 返回 503。
func New(sessions Sessions, newClient ClientFactory) *Handler {
	return &Handler{
		sessions:  sessions,
		newClient: newClient,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
		},
		logger: observability.Component("realtime-handler"),
	}
}

// RegisterRoutes 注册实时语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions/{sessionID}/realtime", h.handleAttach)
	r.Post("/sessions/{sessionID}/audio", h.handleAudio)
	r.Get("/sessions/{sessionID}/audio/ws", h.handleAudioStream)
}

func (h *Handler) handleAttach(w http.ResponseWriter, r *http.Request) {
	if h.newClient == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "realtime endpoint not configured")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.sessions.Attach(r.Context(), sessionID, h.newClient(sessionID)); err != nil {
		if errors.Is(err, sessionservice.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Warn("attach realtime client failed", "session_id", sessionID, "error", err)
		utils.RespondError(w, http.StatusBadGateway, "realtime connect failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	chunk, err := io.ReadAll(io.LimitReader(r.Body, maxAudioChunk+1))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio")
		return
	}
	if len(chunk) == 0 || len(chunk) > maxAudioChunk {
		utils.RespondError(w, http.StatusBadRequest, "audio chunk must be between 1 byte and 1MB")
		return
	}

	if err := h.sessions.SendAudio(r.Context(), chi.URLParam(r, "sessionID"), chunk); err != nil {
		utils.RespondError(w, audioStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleAudioStream 把浏览器的二进制音频帧直接转发到实时连接。
func (h *Handler) handleAudioStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxAudioChunk)

	ctx := r.Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("audio stream closed", "session_id", sessionID, "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := h.sessions.SendAudio(ctx, sessionID, data); err != nil {
			closeCode := websocket.CloseInternalServerErr
			if audioStatus(err) != http.StatusInternalServerError {
				closeCode = websocket.ClosePolicyViolation
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, err.Error()), time.Now().Add(time.Second))
			return
		}
	}
}

func audioStatus(err error) int {
	switch {
	case errors.Is(err, sessionservice.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessionservice.ErrNoRealtimeClient), errors.Is(err, realtime.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
