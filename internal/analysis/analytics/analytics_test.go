package analytics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestUnknownSessionIsIgnored(t *testing.T) {
	agg := NewAggregator(nil)
	assert.NotPanics(t, func() {
		agg.TrackMessage("nope", chat.Message{Role: chat.RoleUser, Content: "hi"})
		agg.TrackLearningEvent("nope", LearningEvent{Type: GrammarPoint})
		agg.TrackFlowEvent("nope", FlowEvent{Type: "break_suggested"})
		agg.TrackCompletion("nope", "m", true)
	})
	assert.Nil(t, agg.EndSession("nope"))
}

func TestEndSessionComputesSummary(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	agg := NewAggregator(c.Now)
	agg.InitializeSession("s1", SessionMeta{UserID: "u1", ScenarioID: "coffee-shop", Goals: 2})

	for i := 0; i < 3; i++ {
		agg.TrackMessage("s1", chat.Message{Role: chat.RoleUser, Content: "I'd like a latte", Timestamp: c.Now()})
		c.Advance(2 * time.Second)
		agg.TrackMessage("s1", chat.Message{Role: chat.RoleAssistant, Content: "Sure!", Timestamp: c.Now()})
		c.Advance(20 * time.Second)
	}
	agg.TrackCompletion("s1", "std", false)
	agg.TrackCompletion("s1", "std", true)
	agg.TrackLearningEvent("s1", LearningEvent{Type: VocabularyIntroduced, Value: "latte"})
	agg.TrackLearningEvent("s1", LearningEvent{Type: Correction, Value: "past_tense"})
	agg.TrackLearningEvent("s1", LearningEvent{Type: GoalCompleted, Value: "polite requests"})
	agg.TrackFlowEvent("s1", FlowEvent{Type: "break_suggested"})

	sum := agg.EndSession("s1")
	require.NotNil(t, sum)
	assert.Equal(t, 6, sum.MessageCount)
	assert.Equal(t, 3, sum.UserMessages)
	assert.Equal(t, 3, sum.AssistantMessages)
	assert.Equal(t, int64(2000), sum.AvgLatencyMs)
	assert.Equal(t, 2, sum.CompletionCalls)
	assert.Equal(t, 1, sum.CacheHits)
	assert.InDelta(t, 0.5, sum.CacheHitRatio, 1e-9)
	assert.Equal(t, map[string]int{"std": 2}, sum.ModelUsage)
	assert.Equal(t, 1, sum.Mistakes)
	assert.Equal(t, 1, sum.FlowEvents)
	assert.Equal(t, 1, sum.LearningEvents[string(GoalCompleted)])

	assert.GreaterOrEqual(t, sum.QualityScore, 0)
	assert.LessOrEqual(t, sum.QualityScore, 100)
	assert.GreaterOrEqual(t, sum.EngagementScore, 0)
	assert.LessOrEqual(t, sum.EngagementScore, 100)
	assert.Positive(t, sum.QualityScore)

	assert.Nil(t, agg.EndSession("s1"), "accumulator is discarded")
	assert.Equal(t, 0, agg.Active())
}

func TestScoresStayBounded(t *testing.T) {
	agg := NewAggregator(nil)
	agg.InitializeSession("empty", SessionMeta{})
	empty := agg.EndSession("empty")
	require.NotNil(t, empty)
	assert.Zero(t, empty.QualityScore)
	assert.Zero(t, empty.EngagementScore)

	agg.InitializeSession("busy", SessionMeta{})
	now := time.Now()
	for i := 0; i < 200; i++ {
		agg.TrackMessage("busy", chat.Message{Role: chat.RoleUser, Content: "x", Timestamp: now})
		agg.TrackLearningEvent("busy", LearningEvent{Type: Correction})
		agg.TrackLearningEvent("busy", LearningEvent{Type: Correction})
	}
	busy := agg.EndSession("busy")
	require.NotNil(t, busy)
	assert.GreaterOrEqual(t, busy.QualityScore, 0)
	assert.LessOrEqual(t, busy.QualityScore, 100)
	assert.LessOrEqual(t, busy.EngagementScore, 100)
}
