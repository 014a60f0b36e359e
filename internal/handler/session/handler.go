package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tutor/backend/internal/analysis/analytics"
	"github.com/zhouzirui/z-tutor/backend/internal/analysis/flow"
	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
	"github.com/zhouzirui/z-tutor/backend/internal/model/session"
	"github.com/zhouzirui/z-tutor/backend/internal/service/ai"
	sessionservice "github.com/zhouzirui/z-tutor/backend/internal/service/session"
	"github.com/zhouzirui/z-tutor/backend/pkg/utils"
)

// Orchestrator 是处理器依赖的会话编排能力，便于测试替换。
type Orchestrator interface {
	CreateOrResume(ctx context.Context, userID string, opts session.Options) (session.Session, error)
	Session(sessionID string) (session.Session, bool)
	SaveMessage(ctx context.Context, sessionID string, msg chat.Message) bool
	UpdateStatus(ctx context.Context, sessionID string, status session.Status) bool
	SetAISpeaking(sessionID string, speaking bool) bool
	EndSession(ctx context.Context, sessionID string, signal session.Signal) (*sessionservice.Summary, error)
	RecordMistake(sessionID string, m flow.Mistake) bool
	TrackLearningEvent(sessionID string, ev analytics.LearningEvent) bool
	Suggestions(sessionID string) (sessionservice.Suggestions, bool)
	RequestFeedback(ctx context.Context, sessionID string, req sessionservice.FeedbackRequest) (*ai.Result, error)
}

// Handler 会话接口的HTTP处理器
type Handler struct {
	sessions Orchestrator
}

// New 创建会话处理器
func New(sessions Orchestrator) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateOrResume)
	r.Get("/sessions/{sessionID}", h.handleGet)
	r.Post("/sessions/{sessionID}/messages", h.handleSaveMessage)
	r.Put("/sessions/{sessionID}/status", h.handleUpdateStatus)
	r.Put("/sessions/{sessionID}/speaking", h.handleSpeaking)
	r.Post("/sessions/{sessionID}/end", h.handleEnd)
	r.Get("/sessions/{sessionID}/suggestions", h.handleSuggestions)
	r.Post("/sessions/{sessionID}/mistakes", h.handleMistake)
	r.Post("/sessions/{sessionID}/learning-events", h.handleLearningEvent)
	r.Post("/sessions/{sessionID}/feedback", h.handleFeedback)
}

func (h *Handler) handleCreateOrResume(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID string `json:"userId"`
		session.Options
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	info, err := h.sessions.CreateOrResume(r.Context(), payload.UserID, payload.Options)
	if err != nil {
		var storageErr *sessionservice.StorageError
		switch {
		case errors.Is(err, sessionservice.ErrUserRequired):
			utils.RespondError(w, http.StatusBadRequest, "userId is required")
		case errors.As(err, &storageErr):
			utils.RespondError(w, http.StatusServiceUnavailable, storageErr.Error())
		default:
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	status := http.StatusCreated
	if info.IsResumed {
		status = http.StatusOK
	}
	utils.RespondJSON(w, status, info)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	info, ok := h.sessions.Session(chi.URLParam(r, "sessionID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, sessionservice.ErrSessionNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, info)
}

func (h *Handler) handleSaveMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload struct {
		Role            string         `json:"role"`
		Content         string         `json:"content"`
		AudioTranscript string         `json:"audioTranscript"`
		Timestamp       *time.Time     `json:"timestamp"`
		Metadata        map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	role := chat.Role(strings.ToLower(payload.Role))
	if !role.Valid() {
		utils.RespondError(w, http.StatusBadRequest, "role must be user, assistant or system")
		return
	}
	if strings.TrimSpace(payload.Content) == "" && payload.AudioTranscript == "" {
		utils.RespondError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg := chat.Message{
		Role:            role,
		Content:         payload.Content,
		AudioTranscript: payload.AudioTranscript,
		Metadata:        payload.Metadata,
	}
	if payload.Timestamp != nil {
		msg.Timestamp = *payload.Timestamp
	}

	if !h.sessions.SaveMessage(r.Context(), sessionID, msg) {
		if _, live := h.sessions.Session(sessionID); !live {
			utils.RespondError(w, http.StatusNotFound, sessionservice.ErrSessionNotFound.Error())
			return
		}
		utils.RespondJSON(w, http.StatusAccepted, map[string]any{"saved": false})
		return
	}
	utils.RespondJSON(w, http.StatusCreated, map[string]any{"saved": true})
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Status session.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || !payload.Status.Valid() {
		utils.RespondError(w, http.StatusBadRequest, "status must be active, paused or ended")
		return
	}
	if !h.sessions.UpdateStatus(r.Context(), chi.URLParam(r, "sessionID"), payload.Status) {
		utils.RespondError(w, http.StatusConflict, "status not updated")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"status": payload.Status})
}

func (h *Handler) handleSpeaking(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Speaking bool `json:"speaking"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.sessions.SetAISpeaking(chi.URLParam(r, "sessionID"), payload.Speaking) {
		utils.RespondError(w, http.StatusNotFound, sessionservice.ErrSessionNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"speaking": payload.Speaking})
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Signal string `json:"signal"`
	}
	// 空请求体视为用户主动结束
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	summary, err := h.sessions.EndSession(r.Context(), chi.URLParam(r, "sessionID"), session.ParseSignal(payload.Signal))
	if err != nil {
		var storageErr *sessionservice.StorageError
		if errors.As(err, &storageErr) {
			utils.RespondError(w, http.StatusServiceUnavailable, storageErr.Error())
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if summary == nil {
		utils.RespondError(w, http.StatusNotFound, sessionservice.ErrSessionNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	out, ok := h.sessions.Suggestions(chi.URLParam(r, "sessionID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, sessionservice.ErrSessionNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleMistake(w http.ResponseWriter, r *http.Request) {
	var payload flow.Mistake
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Category == "" {
		utils.RespondError(w, http.StatusBadRequest, "category is required")
		return
	}
	if !h.sessions.RecordMistake(chi.URLParam(r, "sessionID"), payload) {
		utils.RespondError(w, http.StatusNotFound, sessionservice.ErrSessionNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *Handler) handleLearningEvent(w http.ResponseWriter, r *http.Request) {
	var payload analytics.LearningEvent
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Type == "" {
		utils.RespondError(w, http.StatusBadRequest, "type is required")
		return
	}
	if !h.sessions.TrackLearningEvent(chi.URLParam(r, "sessionID"), payload) {
		utils.RespondError(w, http.StatusNotFound, sessionservice.ErrSessionNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UseCase        string `json:"useCase"`
		Text           string `json:"text"`
		Tier           string `json:"tier"`
		Personalized   bool   `json:"personalized"`
		IncludeHistory bool   `json:"includeHistory"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	useCase := ai.UseCaseGrammarAnalysis
	if payload.UseCase != "" {
		useCase = ai.ParseUseCase(payload.UseCase)
	}
	res, err := h.sessions.RequestFeedback(r.Context(), chi.URLParam(r, "sessionID"), sessionservice.FeedbackRequest{
		UseCase:        useCase,
		Text:           payload.Text,
		Tier:           ai.ParseTier(payload.Tier),
		Personalized:   payload.Personalized,
		IncludeHistory: payload.IncludeHistory,
	})
	if err != nil {
		var completionErr *ai.CompletionError
		switch {
		case errors.Is(err, ai.ErrNoCompleter):
			utils.RespondError(w, http.StatusServiceUnavailable, "ai feedback unavailable")
		case errors.As(err, &completionErr):
			utils.RespondError(w, http.StatusBadGateway, completionErr.Error())
		default:
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if res == nil {
		utils.RespondError(w, http.StatusNotFound, sessionservice.ErrSessionNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, res)
}
