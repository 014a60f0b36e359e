// Package session owns the lifecycle of live tutoring sessions: creation or
// resumption, transcript persistence, the AI speaking flag, single-flight
// teardown and the idle reaper.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tutor/backend/internal/analysis/analytics"
	"github.com/zhouzirui/z-tutor/backend/internal/analysis/flow"
	"github.com/zhouzirui/z-tutor/backend/internal/analysis/sentiment"
	"github.com/zhouzirui/z-tutor/backend/internal/events"
	"github.com/zhouzirui/z-tutor/backend/internal/metrics"
	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
	"github.com/zhouzirui/z-tutor/backend/internal/model/scenario"
	"github.com/zhouzirui/z-tutor/backend/internal/model/session"
	"github.com/zhouzirui/z-tutor/backend/internal/observability"
	"github.com/zhouzirui/z-tutor/backend/internal/service/ai"
	"github.com/zhouzirui/z-tutor/backend/internal/store"
)

const defaultLevel = "beginner"

// FlowTracker is the per-user flow heuristics collaborator.
type FlowTracker interface {
	Start(userID string)
	Update(userID string, u flow.Update)
	RecordMistake(userID string, m flow.Mistake)
	CheckBreakSuggestion(userID string) flow.Suggestion
	CheckPracticeRecommendation(userID string) flow.PracticeRecommendation
	Phase(userID string) flow.Phase
	EndSession(userID string) flow.Summary
}

// AnalyticsTracker is the per-session analytics collaborator.
type AnalyticsTracker interface {
	InitializeSession(sessionID string, meta analytics.SessionMeta)
	TrackMessage(sessionID string, msg chat.Message)
	TrackLearningEvent(sessionID string, ev analytics.LearningEvent)
	TrackFlowEvent(sessionID string, ev analytics.FlowEvent)
	TrackCompletion(sessionID, model string, fromCache bool)
	EndSession(sessionID string) *analytics.Summary
}

// Completions is satisfied by *ai.CompletionService.
type Completions interface {
	CreateOptimizedCompletion(ctx context.Context, useCase ai.UseCase, messages []*schema.Message, user ai.User, opts ai.Options) (*ai.Result, error)
}

// Dependencies are the collaborators of the Orchestrator. Store is required.
type Dependencies struct {
	Store       store.ConversationStore
	Flow        FlowTracker
	Analytics   AnalyticsTracker
	Completions Completions
	Prompts     *ai.PromptBuilder
	Scenarios   scenario.Store
	Sink        events.Sink
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Orchestrator 是会话状态的唯一拥有者，对外只返回副本。
type Orchestrator struct {
	cfg         Config
	store       store.ConversationStore
	flow        FlowTracker
	analytics   AnalyticsTracker
	completions Completions
	prompts     *ai.PromptBuilder
	scenarios   scenario.Store
	sink        events.Sink
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	sessions *registry
	users    *userLocks

	teardownMu sync.Mutex
	teardowns  map[string]*teardownCall

	dispatchers sync.WaitGroup
}

// New builds an Orchestrator. Missing flow or analytics collaborators get
// in-process defaults.
func New(deps Dependencies, cfg Config) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	o := &Orchestrator{
		cfg:         cfg.withDefaults(),
		store:       deps.Store,
		flow:        deps.Flow,
		analytics:   deps.Analytics,
		completions: deps.Completions,
		prompts:     deps.Prompts,
		scenarios:   deps.Scenarios,
		sink:        deps.Sink,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		now:         now,
		sessions:    newRegistry(),
		users:       newUserLocks(),
		teardowns:   make(map[string]*teardownCall),
	}
	if o.store == nil {
		o.store = store.NewMemoryStore(now)
	}
	if o.flow == nil {
		o.flow = flow.NewTracker(flow.DefaultConfig(), now)
	}
	if o.analytics == nil {
		o.analytics = analytics.NewAggregator(now)
	}
	if o.prompts == nil {
		o.prompts = ai.NewPromptBuilder()
	}
	if o.sink == nil {
		o.sink = events.Nop
	}
	if o.logger == nil {
		o.logger = observability.Component("session")
	}
	return o
}

// CreateOrResume returns the user's live session, resumes a recent durable
// conversation, or starts a new one. Calls for the same user are serialized.
func (o *Orchestrator) CreateOrResume(ctx context.Context, userID string, opts session.Options) (session.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return session.Session{}, ErrUserRequired
	}

	unlock := o.users.lock(userID)
	defer unlock()

	if ls := o.sessions.forUser(userID); ls != nil {
		info := ls.snapshot()
		if call := o.inFlight(info.ID); call != nil {
			// 正在拆除的会话不能复用，等拆除结束后再新建。
			select {
			case <-call.done:
			case <-ctx.Done():
				return session.Session{}, ctx.Err()
			}
		} else if info.Status != session.StatusEnding && info.Status != session.StatusEnded {
			o.emit(events.SessionReused, info.ID, userID, nil)
			return info, nil
		}
	}

	now := o.now()
	var (
		conv    *chat.Conversation
		resumed bool
	)
	if !opts.ForceNew {
		found, err := o.findResumable(ctx, userID, opts.ScenarioID, now)
		if err != nil {
			return session.Session{}, err
		}
		if found != nil {
			conv, resumed = found, true
		}
	}

	if conv == nil {
		created, err := o.createConversation(ctx, userID, opts, now)
		if err != nil {
			return session.Session{}, err
		}
		conv = created
	}

	info := session.Session{
		ID:             conv.ID,
		UserID:         userID,
		ConversationID: conv.ID,
		StartTime:      now,
		LastActivity:   now,
		Status:         session.StatusActive,
		MessageCount:   len(conv.Messages),
		IsResumed:      resumed,
		ScenarioID:     conv.ScenarioID,
		Level:          conv.Level,
		Title:          conv.Title,
	}
	goals := 0
	if scn := o.lookupScenario(info.ScenarioID); scn != nil {
		goals = len(scn.Goals)
	}
	o.sessions.add(newLiveSession(info, opts.SessionType, goals))

	o.guard("flow.start", info.ID, func() { o.flow.Start(userID) })
	o.guard("analytics.init", info.ID, func() {
		o.analytics.InitializeSession(info.ID, analytics.SessionMeta{
			UserID:     userID,
			ScenarioID: info.ScenarioID,
			Level:      info.Level,
			Resumed:    resumed,
			Goals:      goals,
		})
	})

	o.metrics.SessionStarted(resumed)
	evType := events.SessionCreated
	if resumed {
		evType = events.SessionResumed
	}
	o.emit(evType, info.ID, userID, map[string]any{
		"scenarioId":   info.ScenarioID,
		"messageCount": info.MessageCount,
	})
	o.logger.Info("session registered",
		"session_id", info.ID, "user_id", userID, "resumed", resumed, "scenario_id", info.ScenarioID)
	return info, nil
}

func (o *Orchestrator) findResumable(ctx context.Context, userID, scenarioID string, now time.Time) (*chat.Conversation, error) {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()

	conv, err := o.store.FindResumable(sctx, userID, scenarioID, now.Add(-o.cfg.ResumeWindow))
	if err != nil {
		return nil, &StorageError{Op: "find_resumable", Err: err}
	}
	if conv == nil {
		return nil, nil
	}
	if err := o.store.UpdateStatus(sctx, conv.ID, chat.StatusActive); err != nil {
		return nil, &StorageError{Op: "resume", SessionID: conv.ID, Err: err}
	}
	conv.Status = chat.StatusActive
	return conv, nil
}

func (o *Orchestrator) createConversation(ctx context.Context, userID string, opts session.Options, now time.Time) (*chat.Conversation, error) {
	scn := o.lookupScenario(opts.ScenarioID)

	level := strings.TrimSpace(opts.Level)
	if level == "" && scn != nil {
		level = scn.Level
	}
	if level == "" {
		level = defaultLevel
	}

	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	conv, err := o.store.Create(sctx, chat.Conversation{
		UserID:        userID,
		ScenarioID:    opts.ScenarioID,
		Level:         level,
		Title:         conversationTitle(opts, scn, now),
		Status:        chat.StatusActive,
		LastMessageAt: now,
		CreatedAt:     now,
		Metadata: map[string]any{
			"sessionType": sessionTypeOrDefault(opts.SessionType),
		},
	})
	if err != nil {
		return nil, &StorageError{Op: "create", Err: err}
	}
	return conv, nil
}

func conversationTitle(opts session.Options, scn *scenario.Scenario, now time.Time) string {
	switch {
	case strings.TrimSpace(opts.LessonName) != "":
		return strings.TrimSpace(opts.LessonName)
	case scn != nil && scn.Title != "":
		return scn.Title
	case opts.ScenarioID != "":
		return opts.ScenarioID
	default:
		return "Conversation " + now.Format("2006-01-02 15:04")
	}
}

func sessionTypeOrDefault(t string) string {
	if t == "" {
		return "conversation"
	}
	return t
}

// SaveMessage persists msg to the session's conversation. It returns false
// for unknown or ending sessions and when persistence fails; analytics sees
// the message either way once the session is live.
func (o *Orchestrator) SaveMessage(ctx context.Context, sessionID string, msg chat.Message) bool {
	if !msg.Role.Valid() {
		o.dropMessage(sessionID, "", msg.Role, "invalid_role")
		return false
	}
	ls := o.sessions.get(sessionID)
	if ls == nil {
		o.dropMessage(sessionID, "", msg.Role, "unknown_session")
		return false
	}
	info, ok := ls.admitWrite()
	if !ok {
		o.dropMessage(sessionID, info.UserID, msg.Role, "session_ending")
		return false
	}
	defer ls.writes.Done()

	now := o.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	sctx, cancel := o.storeCtx(ctx)
	err := o.store.AppendMessage(sctx, info.ConversationID, msg)
	cancel()

	var responseTime time.Duration
	ls.mu.Lock()
	if err == nil {
		ls.info.MessageCount++
	}
	if now.After(ls.info.LastActivity) {
		ls.info.LastActivity = now
	}
	switch msg.Role {
	case chat.RoleUser:
		if !ls.lastAssistantAt.IsZero() && msg.Timestamp.After(ls.lastAssistantAt) {
			responseTime = msg.Timestamp.Sub(ls.lastAssistantAt)
		}
	case chat.RoleAssistant:
		ls.lastAssistantAt = msg.Timestamp
	}
	count := ls.info.MessageCount
	ls.mu.Unlock()

	if msg.Role == chat.RoleUser {
		o.guard("flow.update", sessionID, func() {
			o.flow.Update(info.UserID, flow.Update{
				Message:      true,
				ResponseTime: responseTime,
				Mood:         sentiment.Analyze(msg.Content).Mood,
			})
		})
	}
	o.guard("analytics.message", sessionID, func() { o.analytics.TrackMessage(sessionID, msg) })

	if err != nil {
		o.logger.Warn("persist message failed",
			"session_id", sessionID, "user_id", info.UserID, "role", msg.Role, "error", err)
		o.metrics.MessageHandled(string(msg.Role), "storage_error")
		o.emit(events.MessageDropped, sessionID, info.UserID, map[string]any{
			"role":   string(msg.Role),
			"reason": "storage_error",
		})
		return false
	}

	o.metrics.MessageHandled(string(msg.Role), "saved")
	o.emit(events.MessageSaved, sessionID, info.UserID, map[string]any{
		"role":         string(msg.Role),
		"messageCount": count,
	})
	return true
}

func (o *Orchestrator) dropMessage(sessionID, userID string, role chat.Role, reason string) {
	o.metrics.MessageHandled(string(role), reason)
	o.emit(events.MessageDropped, sessionID, userID, map[string]any{
		"role":   string(role),
		"reason": reason,
	})
}

// UpdateStatus changes the in-memory and durable status. Setting ended runs
// a user_stop teardown.
func (o *Orchestrator) UpdateStatus(ctx context.Context, sessionID string, status session.Status) bool {
	if !status.Valid() || status == session.StatusEnding {
		return false
	}
	if status == session.StatusEnded {
		sum, err := o.EndSession(ctx, sessionID, session.SignalUserStop)
		return err == nil && sum != nil
	}

	ls := o.sessions.get(sessionID)
	if ls == nil {
		return false
	}
	ls.mu.Lock()
	if ls.info.Status == session.StatusEnding || ls.info.Status == session.StatusEnded {
		ls.mu.Unlock()
		return false
	}
	ls.info.Status = status
	ls.info.LastActivity = maxTime(ls.info.LastActivity, o.now())
	convID := ls.info.ConversationID
	ls.mu.Unlock()

	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	if err := o.store.UpdateStatus(sctx, convID, durableStatus(status)); err != nil {
		o.logger.Warn("persist status failed", "session_id", sessionID, "status", status, "error", err)
		return false
	}
	return true
}

func durableStatus(s session.Status) chat.Status {
	switch s {
	case session.StatusEnded:
		return chat.StatusCompleted
	case session.StatusPaused:
		return chat.StatusPaused
	case session.StatusEnding:
		return chat.StatusEnding
	default:
		return chat.StatusActive
	}
}

// SetAISpeaking sets the session's speaking flag. It returns false for
// unknown sessions.
func (o *Orchestrator) SetAISpeaking(sessionID string, speaking bool) bool {
	ls := o.sessions.get(sessionID)
	if ls == nil {
		return false
	}
	if ls.setSpeaking(speaking) {
		o.emit(events.SpeakingChanged, sessionID, "", map[string]any{"speaking": speaking})
	}
	ls.touch(o.now())
	return true
}

// AISpeaking reports the speaking flag; unknown sessions are silent.
func (o *Orchestrator) AISpeaking(sessionID string) bool {
	ls := o.sessions.get(sessionID)
	if ls == nil {
		return false
	}
	speaking, _ := ls.speakingState()
	return speaking
}

// Session returns a snapshot of a live session.
func (o *Orchestrator) Session(sessionID string) (session.Session, bool) {
	ls := o.sessions.get(sessionID)
	if ls == nil {
		return session.Session{}, false
	}
	return ls.snapshot(), true
}

// RecordMistake feeds a learner mistake to flow and analytics.
func (o *Orchestrator) RecordMistake(sessionID string, m flow.Mistake) bool {
	ls := o.sessions.get(sessionID)
	if ls == nil {
		return false
	}
	if m.At.IsZero() {
		m.At = o.now()
	}
	userID := ls.snapshot().UserID
	o.guard("flow.mistake", sessionID, func() { o.flow.RecordMistake(userID, m) })
	o.guard("analytics.learning", sessionID, func() {
		o.analytics.TrackLearningEvent(sessionID, analytics.LearningEvent{
			Type:     analytics.Correction,
			Value:    m.Category,
			At:       m.At,
			Metadata: map[string]any{"detail": m.Detail},
		})
	})
	return true
}

// TrackLearningEvent forwards ev to analytics.
func (o *Orchestrator) TrackLearningEvent(sessionID string, ev analytics.LearningEvent) bool {
	if o.sessions.get(sessionID) == nil {
		return false
	}
	if ev.At.IsZero() {
		ev.At = o.now()
	}
	o.guard("analytics.learning", sessionID, func() { o.analytics.TrackLearningEvent(sessionID, ev) })
	return true
}

// Suggestions bundles the flow checks for a session.
type Suggestions struct {
	Break    flow.Suggestion             `json:"break"`
	Practice flow.PracticeRecommendation `json:"practice"`
	Phase    flow.Phase                  `json:"phase"`
}

// Suggestions runs the break and practice checks. Positive results are
// recorded as flow events.
func (o *Orchestrator) Suggestions(sessionID string) (Suggestions, bool) {
	ls := o.sessions.get(sessionID)
	if ls == nil {
		return Suggestions{}, false
	}
	userID := ls.snapshot().UserID

	var out Suggestions
	o.guard("flow.suggestions", sessionID, func() {
		out.Break = o.flow.CheckBreakSuggestion(userID)
		out.Practice = o.flow.CheckPracticeRecommendation(userID)
		out.Phase = o.flow.Phase(userID)
	})

	if out.Break.Suggest {
		o.emit(events.BreakSuggested, sessionID, userID, map[string]any{"reason": out.Break.Reason})
		o.guard("analytics.flow", sessionID, func() {
			o.analytics.TrackFlowEvent(sessionID, analytics.FlowEvent{Type: "break_suggested", Detail: out.Break.Reason})
		})
	}
	if out.Practice.Recommend {
		o.emit(events.PracticeSuggested, sessionID, userID, map[string]any{"category": out.Practice.Category})
		o.guard("analytics.flow", sessionID, func() {
			o.analytics.TrackFlowEvent(sessionID, analytics.FlowEvent{Type: "practice_suggested", Detail: out.Practice.Category})
		})
	}
	return out, true
}

// FeedbackRequest asks for a non-realtime tutor response about Text.
type FeedbackRequest struct {
	UseCase        ai.UseCase `json:"useCase"`
	Text           string     `json:"text"`
	Tier           ai.Tier    `json:"tier,omitempty"`
	Personalized   bool       `json:"personalized,omitempty"`
	IncludeHistory bool       `json:"includeHistory,omitempty"`
}

var feedbackEvents = map[ai.UseCase]analytics.LearningEventType{
	ai.UseCaseGrammarAnalysis:       analytics.GrammarPoint,
	ai.UseCaseVocabularyAnalysis:    analytics.VocabularyIntroduced,
	ai.UseCasePronunciationFeedback: analytics.PronunciationNote,
}

// RequestFeedback runs a cached completion in the context of the session.
// Unknown sessions return (nil, nil).
func (o *Orchestrator) RequestFeedback(ctx context.Context, sessionID string, req FeedbackRequest) (*ai.Result, error) {
	ls := o.sessions.get(sessionID)
	if ls == nil {
		return nil, nil
	}
	if o.completions == nil {
		return nil, ai.ErrNoCompleter
	}
	if req.UseCase == "" {
		req.UseCase = ai.UseCaseGrammarAnalysis
	}
	if req.UseCase == ai.UseCaseRealtimeConversation {
		return nil, fmt.Errorf("use case %s is served by the realtime connection", req.UseCase)
	}
	info := ls.snapshot()

	var history []chat.Message
	if req.IncludeHistory {
		sctx, cancel := o.storeCtx(ctx)
		conv, err := o.store.Get(sctx, info.ConversationID)
		cancel()
		switch {
		case err == nil:
			history = conv.Messages
		case errors.Is(err, store.ErrNotFound):
		default:
			o.logger.Warn("load history failed", "session_id", sessionID, "error", err)
		}
	}

	messages, err := o.prompts.Build(ctx, ai.PromptInput{
		UseCase:  req.UseCase,
		Scenario: o.lookupScenario(info.ScenarioID),
		Level:    info.Level,
		Text:     req.Text,
		History:  history,
	})
	if err != nil {
		return nil, err
	}

	res, err := o.completions.CreateOptimizedCompletion(ctx, req.UseCase, messages,
		ai.User{ID: info.UserID, Tier: req.Tier, Level: info.Level},
		ai.Options{
			SessionID:    sessionID,
			Level:        info.Level,
			ScenarioID:   info.ScenarioID,
			Personalized: req.Personalized || len(history) > 0,
		})
	if err != nil {
		return nil, err
	}

	ls.touch(o.now())
	o.guard("analytics.completion", sessionID, func() {
		o.analytics.TrackCompletion(sessionID, res.ModelUsed, res.FromCache)
		if t, ok := feedbackEvents[req.UseCase]; ok {
			o.analytics.TrackLearningEvent(sessionID, analytics.LearningEvent{
				Type:     t,
				Value:    req.Text,
				Metadata: map[string]any{"model": res.ModelUsed, "fromCache": res.FromCache},
			})
		}
	})
	return res, nil
}

// SendAudio forwards an audio chunk to the session's realtime client.
func (o *Orchestrator) SendAudio(ctx context.Context, sessionID string, chunk []byte) error {
	ls := o.sessions.get(sessionID)
	if ls == nil {
		return ErrSessionNotFound
	}
	ls.mu.Lock()
	client := ls.client
	ls.mu.Unlock()
	if client == nil {
		return ErrNoRealtimeClient
	}
	ls.touch(o.now())
	return client.SendAudio(ctx, chunk)
}

// Stats is a read-only view of orchestrator state.
type Stats struct {
	ActiveSessions    int `json:"activeSessions"`
	SpeakingSessions  int `json:"speakingSessions"`
	RealtimeAttached  int `json:"realtimeAttached"`
	TeardownsInFlight int `json:"teardownsInFlight"`
	UserLocksHeld     int `json:"userLocksHeld"`
}

func (o *Orchestrator) Stats() Stats {
	st := Stats{ActiveSessions: o.sessions.len(), UserLocksHeld: o.users.held()}
	for _, ls := range o.sessions.list() {
		ls.mu.Lock()
		if ls.speaking {
			st.SpeakingSessions++
		}
		if ls.client != nil {
			st.RealtimeAttached++
		}
		ls.mu.Unlock()
	}
	o.teardownMu.Lock()
	st.TeardownsInFlight = len(o.teardowns)
	o.teardownMu.Unlock()
	return st
}

func (o *Orchestrator) inFlight(sessionID string) *teardownCall {
	o.teardownMu.Lock()
	defer o.teardownMu.Unlock()
	return o.teardowns[sessionID]
}

func (o *Orchestrator) lookupScenario(id string) *scenario.Scenario {
	if id == "" || o.scenarios == nil {
		return nil
	}
	scn, ok := o.scenarios.FindByID(id)
	if !ok {
		return nil
	}
	return &scn
}

func (o *Orchestrator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.StoreTimeout)
}

// guard 隔离协作方的 panic，保证拆除的其余步骤继续执行。
func (o *Orchestrator) guard(op, sessionID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("collaborator panicked", "op", op, "session_id", sessionID, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (o *Orchestrator) emit(t events.Type, sessionID, userID string, attrs map[string]any) {
	o.sink.Emit(events.Event{
		Type:      t,
		SessionID: sessionID,
		UserID:    userID,
		At:        o.now(),
		Attrs:     attrs,
	})
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
