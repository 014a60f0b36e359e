// Package analytics accumulates per-session learning analytics and scores a
// session when it ends.
package analytics

import (
	"math"
	"sync"
	"time"

	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
)

// LearningEventType 学习事件类型。
type LearningEventType string

const (
	VocabularyIntroduced LearningEventType = "vocabulary_introduced"
	GrammarPoint         LearningEventType = "grammar_point"
	PronunciationNote    LearningEventType = "pronunciation_note"
	Correction           LearningEventType = "correction"
	GoalCompleted        LearningEventType = "goal_completed"
)

// LearningEvent records something the learner encountered or achieved.
type LearningEvent struct {
	Type     LearningEventType `json:"type"`
	Value    string            `json:"value,omitempty"`
	At       time.Time         `json:"at"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// FlowEvent records a flow-heuristics decision surfaced during the session.
type FlowEvent struct {
	Type   string    `json:"type"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// SessionMeta describes the session an accumulator belongs to.
type SessionMeta struct {
	UserID     string
	ScenarioID string
	Level      string
	Resumed    bool
	// Goals is the number of lesson goals, used for the completion rate.
	Goals int
}

type messageRecord struct {
	role chat.Role
	at   time.Time
}

type accumulator struct {
	meta        SessionMeta
	startedAt   time.Time
	messages    []messageRecord
	latencies   []time.Duration
	cacheHits   int
	completions int
	modelUsage  map[string]int
	learning    []LearningEvent
	flow        []FlowEvent
}

// Summary is the scored result of a session.
type Summary struct {
	SessionID         string         `json:"sessionId"`
	UserID            string         `json:"userId"`
	ScenarioID        string         `json:"scenarioId,omitempty"`
	MessageCount      int            `json:"messageCount"`
	UserMessages      int            `json:"userMessages"`
	AssistantMessages int            `json:"assistantMessages"`
	AvgLatencyMs      int64          `json:"avgLatencyMs"`
	CacheHits         int            `json:"cacheHits"`
	CompletionCalls   int            `json:"completionCalls"`
	CacheHitRatio     float64        `json:"cacheHitRatio"`
	ModelUsage        map[string]int `json:"modelUsage,omitempty"`
	LearningEvents    map[string]int `json:"learningEvents,omitempty"`
	FlowEvents        int            `json:"flowEvents"`
	Mistakes          int            `json:"mistakes"`
	QualityScore      int            `json:"qualityScore"`
	EngagementScore   int            `json:"engagementScore"`
	DurationMs        int64          `json:"durationMs"`
}

// Aggregator owns one accumulator per live session. Every Track method is
// a no-op for unknown sessions.
type Aggregator struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*accumulator
}

// NewAggregator builds an Aggregator; now may be nil.
func NewAggregator(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{now: now, sessions: make(map[string]*accumulator)}
}

// InitializeSession creates (or replaces) the accumulator for sessionID.
func (a *Aggregator) InitializeSession(sessionID string, meta SessionMeta) {
	a.mu.Lock()
	a.sessions[sessionID] = &accumulator{
		meta:       meta,
		startedAt:  a.now(),
		modelUsage: make(map[string]int),
	}
	a.mu.Unlock()
}

// TrackMessage appends msg to the timeline. Assistant messages record the
// latency since the preceding user message.
func (a *Aggregator) TrackMessage(sessionID string, msg chat.Message) {
	at := msg.Timestamp
	if at.IsZero() {
		at = a.now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.sessions[sessionID]
	if !ok {
		return
	}

	if msg.Role == chat.RoleAssistant {
		if prev, ok := lastOfRole(acc.messages, chat.RoleUser); ok && at.After(prev.at) {
			acc.latencies = append(acc.latencies, at.Sub(prev.at))
		}
	}
	acc.messages = append(acc.messages, messageRecord{role: msg.Role, at: at})
}

// TrackLearningEvent appends ev.
func (a *Aggregator) TrackLearningEvent(sessionID string, ev LearningEvent) {
	if ev.At.IsZero() {
		ev.At = a.now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if acc, ok := a.sessions[sessionID]; ok {
		acc.learning = append(acc.learning, ev)
	}
}

// TrackFlowEvent appends ev.
func (a *Aggregator) TrackFlowEvent(sessionID string, ev FlowEvent) {
	if ev.At.IsZero() {
		ev.At = a.now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if acc, ok := a.sessions[sessionID]; ok {
		acc.flow = append(acc.flow, ev)
	}
}

// TrackCompletion records a side completion and whether it came from cache.
func (a *Aggregator) TrackCompletion(sessionID, model string, fromCache bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	acc.completions++
	if fromCache {
		acc.cacheHits++
	}
	if model != "" {
		acc.modelUsage[model]++
	}
}

// EndSession scores and discards the accumulator. Unknown ids return nil.
func (a *Aggregator) EndSession(sessionID string) *Summary {
	a.mu.Lock()
	acc, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	sum := &Summary{
		SessionID:       sessionID,
		UserID:          acc.meta.UserID,
		ScenarioID:      acc.meta.ScenarioID,
		MessageCount:    len(acc.messages),
		CacheHits:       acc.cacheHits,
		CompletionCalls: acc.completions,
		FlowEvents:      len(acc.flow),
		DurationMs:      a.now().Sub(acc.startedAt).Milliseconds(),
	}
	for _, m := range acc.messages {
		switch m.role {
		case chat.RoleUser:
			sum.UserMessages++
		case chat.RoleAssistant:
			sum.AssistantMessages++
		}
	}
	if len(acc.latencies) > 0 {
		var total time.Duration
		for _, l := range acc.latencies {
			total += l
		}
		sum.AvgLatencyMs = (total / time.Duration(len(acc.latencies))).Milliseconds()
	}
	if acc.completions > 0 {
		sum.CacheHitRatio = float64(acc.cacheHits) / float64(acc.completions)
	}
	if len(acc.modelUsage) > 0 {
		sum.ModelUsage = make(map[string]int, len(acc.modelUsage))
		for k, v := range acc.modelUsage {
			sum.ModelUsage[k] = v
		}
	}

	goalsDone := 0
	if len(acc.learning) > 0 {
		sum.LearningEvents = make(map[string]int)
		for _, ev := range acc.learning {
			sum.LearningEvents[string(ev.Type)]++
			switch ev.Type {
			case Correction:
				sum.Mistakes++
			case GoalCompleted:
				goalsDone++
			}
		}
	}

	sum.QualityScore = qualityScore(acc, sum, goalsDone)
	sum.EngagementScore = engagementScore(acc, sum)
	return sum
}

// Active returns the number of live accumulators.
func (a *Aggregator) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// qualityScore 加权：完成度 35%，响应延迟 25%，缓存命中 15%，错误密度 25%。
func qualityScore(acc *accumulator, sum *Summary, goalsDone int) int {
	if sum.MessageCount == 0 {
		return 0
	}

	var completion float64
	if acc.meta.Goals > 0 {
		completion = ratio(float64(goalsDone), float64(acc.meta.Goals))
	} else {
		completion = ratio(float64(sum.UserMessages), 10)
	}

	latency := 1.0
	if sum.AvgLatencyMs > 0 {
		// 1.5s 以内满分，8s 以上为 0。
		latency = 1 - ratio(float64(sum.AvgLatencyMs)-1500, 6500)
	}

	cacheScore := 0.5
	if sum.CompletionCalls > 0 {
		cacheScore = sum.CacheHitRatio
	}

	accuracy := 1.0
	if sum.UserMessages > 0 {
		accuracy = 1 - ratio(float64(sum.Mistakes), float64(sum.UserMessages))
	}

	return bounded(100 * (0.35*completion + 0.25*latency + 0.15*cacheScore + 0.25*accuracy))
}

// engagementScore 加权：发言频率 40%，轮次均衡 30%，学习事件密度 30%。
func engagementScore(acc *accumulator, sum *Summary) int {
	if sum.UserMessages == 0 {
		return 0
	}

	minutes := float64(sum.DurationMs) / float64(time.Minute/time.Millisecond)
	if minutes < 1 {
		minutes = 1
	}
	rate := ratio(float64(sum.UserMessages)/minutes, 2)

	balance := 1.0
	if sum.AssistantMessages > 0 {
		balance = ratio(float64(sum.UserMessages), float64(sum.AssistantMessages))
	}

	learning := ratio(float64(len(acc.learning)), math.Max(1, float64(sum.UserMessages)/2))

	return bounded(100 * (0.4*rate + 0.3*balance + 0.3*learning))
}

func lastOfRole(records []messageRecord, role chat.Role) (messageRecord, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].role == role {
			return records[i], true
		}
	}
	return messageRecord{}, false
}

// ratio returns num/den clamped to [0, 1].
func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, num/den))
}

func bounded(v float64) int {
	return int(math.Max(0, math.Min(100, math.Round(v))))
}
