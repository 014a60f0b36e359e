// Package flow tracks per-learner conversational flow during a live session
// and decides when to suggest a break or targeted practice.
package flow

import (
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/z-tutor/backend/internal/analysis/sentiment"
)

// Phase 标记当前对话所处阶段。
type Phase string

const (
	PhaseWarmup   Phase = "warmup"
	PhasePractice Phase = "practice"
	PhaseWrapUp   Phase = "wrap_up"
)

// Break suggestion reasons.
const (
	ReasonDuration     = "session_duration"
	ReasonMessageCount = "message_count"
	ReasonNegativeMood = "negative_mood"
)

// Mistake is one learner error observed by a feedback call or the client.
type Mistake struct {
	Category string    `json:"category"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Update folds one observation into a learner's state. Zero fields are
// ignored.
type Update struct {
	Message      bool
	ResponseTime time.Duration
	Mood         sentiment.Mood
	Mistake      *Mistake
}

// Suggestion is the result of CheckBreakSuggestion.
type Suggestion struct {
	Suggest bool   `json:"suggest"`
	Reason  string `json:"reason,omitempty"`
}

// PracticeRecommendation is the result of CheckPracticeRecommendation.
type PracticeRecommendation struct {
	Recommend   bool   `json:"recommend"`
	Category    string `json:"category,omitempty"`
	Occurrences int    `json:"occurrences,omitempty"`
}

// Summary is returned once when a learner's session ends.
type Summary struct {
	UserID             string         `json:"userId"`
	MessageCount       int            `json:"messageCount"`
	MistakeCount       int            `json:"mistakeCount"`
	MistakeCategories  map[string]int `json:"mistakeCategories,omitempty"`
	AvgResponseMs      int64          `json:"avgResponseMs"`
	BreaksSuggested    int            `json:"breaksSuggested"`
	PracticeSuggested  int            `json:"practiceSuggested"`
	NegativeMoodStreak int            `json:"negativeMoodStreak"`
	LastPhase          Phase          `json:"lastPhase"`
	DurationMs         int64          `json:"durationMs"`
}

// Config holds the heuristics' thresholds.
type Config struct {
	BreakAfter         time.Duration
	MessagesPerBreak   int
	NegativeMoodStreak int
	BreakCooldown      time.Duration
	MistakeBuffer      int
	PracticeWindow     int
	PracticeThreshold  int
	WarmupMessages     int
	WrapUpAfter        time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		BreakAfter:         20 * time.Minute,
		MessagesPerBreak:   25,
		NegativeMoodStreak: 3,
		BreakCooldown:      10 * time.Minute,
		MistakeBuffer:      20,
		PracticeWindow:     10,
		PracticeThreshold:  3,
		WarmupMessages:     4,
		WrapUpAfter:        30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BreakAfter <= 0 {
		c.BreakAfter = d.BreakAfter
	}
	if c.MessagesPerBreak <= 0 {
		c.MessagesPerBreak = d.MessagesPerBreak
	}
	if c.NegativeMoodStreak <= 0 {
		c.NegativeMoodStreak = d.NegativeMoodStreak
	}
	if c.BreakCooldown <= 0 {
		c.BreakCooldown = d.BreakCooldown
	}
	if c.MistakeBuffer <= 0 {
		c.MistakeBuffer = d.MistakeBuffer
	}
	if c.PracticeWindow <= 0 {
		c.PracticeWindow = d.PracticeWindow
	}
	if c.PracticeWindow > c.MistakeBuffer {
		c.PracticeWindow = c.MistakeBuffer
	}
	if c.PracticeThreshold <= 0 {
		c.PracticeThreshold = d.PracticeThreshold
	}
	if c.WarmupMessages <= 0 {
		c.WarmupMessages = d.WarmupMessages
	}
	if c.WrapUpAfter <= 0 {
		c.WrapUpAfter = d.WrapUpAfter
	}
	return c
}

type state struct {
	startedAt         time.Time
	messageCount      int
	responseTotal     time.Duration
	responseSamples   int
	mistakes          []Mistake // ring buffer
	mistakeHead       int
	mistakeTotal      int
	lastBreak         time.Time
	sinceSuggestion   int
	negativeStreak    int
	breaksSuggested   int
	practiceSuggested int
}

// Tracker holds FlowState per user. Safe for concurrent use.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	states map[string]*state
}

// NewTracker builds a Tracker; now may be nil.
func NewTracker(cfg Config, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		cfg:    cfg.withDefaults(),
		now:    now,
		states: make(map[string]*state),
	}
}

// Start resets the state for userID at the beginning of a session.
func (t *Tracker) Start(userID string) {
	t.mu.Lock()
	t.states[userID] = t.newState()
	t.mu.Unlock()
}

func (t *Tracker) newState() *state {
	return &state{
		startedAt: t.now(),
		mistakes:  make([]Mistake, 0, t.cfg.MistakeBuffer),
	}
}

// lockedState returns the state for userID, creating it on first touch.
// Caller holds t.mu.
func (t *Tracker) lockedState(userID string) *state {
	st, ok := t.states[userID]
	if !ok {
		st = t.newState()
		t.states[userID] = st
	}
	return st
}

// Update folds u into the learner's state.
func (t *Tracker) Update(userID string, u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.lockedState(userID)
	if u.Message {
		st.messageCount++
		st.sinceSuggestion++
	}
	if u.ResponseTime > 0 {
		st.responseTotal += u.ResponseTime
		st.responseSamples++
	}
	switch {
	case u.Mood.Negative():
		st.negativeStreak++
	case u.Mood != "":
		st.negativeStreak = 0
	}
	if u.Mistake != nil {
		t.pushMistake(st, *u.Mistake)
	}
}

// RecordMistake is shorthand for Update with only a mistake.
func (t *Tracker) RecordMistake(userID string, m Mistake) {
	if m.At.IsZero() {
		m.At = t.now()
	}
	t.Update(userID, Update{Mistake: &m})
}

func (t *Tracker) pushMistake(st *state, m Mistake) {
	st.mistakeTotal++
	if len(st.mistakes) < t.cfg.MistakeBuffer {
		st.mistakes = append(st.mistakes, m)
		return
	}
	st.mistakes[st.mistakeHead] = m
	st.mistakeHead = (st.mistakeHead + 1) % t.cfg.MistakeBuffer
}

// recentMistakes returns up to n mistakes, oldest first.
func recentMistakes(st *state, n int) []Mistake {
	ordered := make([]Mistake, 0, len(st.mistakes))
	ordered = append(ordered, st.mistakes[st.mistakeHead:]...)
	ordered = append(ordered, st.mistakes[:st.mistakeHead]...)
	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

func (t *Tracker) phaseFor(st *state) Phase {
	switch {
	case t.now().Sub(st.startedAt) >= t.cfg.WrapUpAfter:
		return PhaseWrapUp
	case st.messageCount < t.cfg.WarmupMessages:
		return PhaseWarmup
	default:
		return PhasePractice
	}
}

// CheckBreakSuggestion 判断是否建议休息。建议一旦给出即进入冷却期，
// 冷却期内不会再次建议。
func (t *Tracker) CheckBreakSuggestion(userID string) Suggestion {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[userID]
	if !ok {
		return Suggestion{}
	}
	now := t.now()
	if !st.lastBreak.IsZero() && now.Sub(st.lastBreak) < t.cfg.BreakCooldown {
		return Suggestion{}
	}

	since := st.startedAt
	if st.lastBreak.After(since) {
		since = st.lastBreak
	}

	var reason string
	switch {
	case st.negativeStreak >= t.cfg.NegativeMoodStreak:
		reason = ReasonNegativeMood
	case now.Sub(since) >= t.cfg.BreakAfter:
		reason = ReasonDuration
	case st.sinceSuggestion >= t.cfg.MessagesPerBreak:
		reason = ReasonMessageCount
	default:
		return Suggestion{}
	}

	st.lastBreak = now
	st.sinceSuggestion = 0
	st.negativeStreak = 0
	st.breaksSuggested++
	return Suggestion{Suggest: true, Reason: reason}
}

// CheckPracticeRecommendation recommends targeted practice when one mistake
// category dominates the recent window.
func (t *Tracker) CheckPracticeRecommendation(userID string) PracticeRecommendation {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[userID]
	if !ok {
		return PracticeRecommendation{}
	}

	counts := make(map[string]int)
	for _, m := range recentMistakes(st, t.cfg.PracticeWindow) {
		if m.Category != "" {
			counts[m.Category]++
		}
	}

	best, bestCount := "", 0
	for _, category := range sortedKeys(counts) {
		if counts[category] > bestCount {
			best, bestCount = category, counts[category]
		}
	}
	if bestCount < t.cfg.PracticeThreshold {
		return PracticeRecommendation{}
	}
	st.practiceSuggested++
	return PracticeRecommendation{Recommend: true, Category: best, Occurrences: bestCount}
}

// Phase returns the learner's current phase, warmup when unknown.
func (t *Tracker) Phase(userID string) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[userID]; ok {
		return t.phaseFor(st)
	}
	return PhaseWarmup
}

// EndSession returns the learner's summary and discards the state. Absent
// state yields a neutral summary.
func (t *Tracker) EndSession(userID string) Summary {
	t.mu.Lock()
	st, ok := t.states[userID]
	delete(t.states, userID)
	t.mu.Unlock()

	if !ok {
		return Summary{UserID: userID, LastPhase: PhaseWarmup}
	}

	sum := Summary{
		UserID:             userID,
		MessageCount:       st.messageCount,
		MistakeCount:       st.mistakeTotal,
		BreaksSuggested:    st.breaksSuggested,
		PracticeSuggested:  st.practiceSuggested,
		NegativeMoodStreak: st.negativeStreak,
		LastPhase:          t.phaseFor(st),
		DurationMs:         t.now().Sub(st.startedAt).Milliseconds(),
	}
	if st.responseSamples > 0 {
		sum.AvgResponseMs = (st.responseTotal / time.Duration(st.responseSamples)).Milliseconds()
	}
	if len(st.mistakes) > 0 {
		sum.MistakeCategories = make(map[string]int)
		for _, m := range st.mistakes {
			sum.MistakeCategories[m.Category]++
		}
	}
	return sum
}

// Active returns the number of learners with live state.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
