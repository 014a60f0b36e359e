package flow

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tutor/backend/internal/analysis/sentiment"
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

func newTracker() (*Tracker, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewTracker(DefaultConfig(), c.Now), c
}

func TestBreakSuggestedAfterDuration(t *testing.T) {
	tr, c := newTracker()
	tr.Start("u1")

	c.Advance(19 * time.Minute)
	assert.False(t, tr.CheckBreakSuggestion("u1").Suggest)

	c.Advance(time.Minute)
	s := tr.CheckBreakSuggestion("u1")
	assert.True(t, s.Suggest)
	assert.Equal(t, ReasonDuration, s.Reason)

	// cool-down
	c.Advance(5 * time.Minute)
	assert.False(t, tr.CheckBreakSuggestion("u1").Suggest)
}

func TestBreakSuggestedAfterMessageCount(t *testing.T) {
	tr, _ := newTracker()
	for i := 0; i < 24; i++ {
		tr.Update("u1", Update{Message: true})
	}
	assert.False(t, tr.CheckBreakSuggestion("u1").Suggest)

	tr.Update("u1", Update{Message: true})
	s := tr.CheckBreakSuggestion("u1")
	assert.True(t, s.Suggest)
	assert.Equal(t, ReasonMessageCount, s.Reason)
}

func TestBreakSuggestedAfterNegativeMoodStreak(t *testing.T) {
	tr, c := newTracker()
	tr.Update("u1", Update{Message: true, Mood: sentiment.Frustrated})
	tr.Update("u1", Update{Message: true, Mood: sentiment.Confused})
	tr.Update("u1", Update{Message: true, Mood: sentiment.Neutral})
	assert.False(t, tr.CheckBreakSuggestion("u1").Suggest, "neutral resets the streak")

	for i := 0; i < 3; i++ {
		tr.Update("u1", Update{Message: true, Mood: sentiment.Tired})
	}
	s := tr.CheckBreakSuggestion("u1")
	assert.Equal(t, Suggestion{Suggest: true, Reason: ReasonNegativeMood}, s)

	for i := 0; i < 3; i++ {
		tr.Update("u1", Update{Message: true, Mood: sentiment.Tired})
	}
	c.Advance(9 * time.Minute)
	assert.False(t, tr.CheckBreakSuggestion("u1").Suggest)
	c.Advance(time.Minute)
	assert.True(t, tr.CheckBreakSuggestion("u1").Suggest)
}

func TestPracticeRecommendation(t *testing.T) {
	tr, _ := newTracker()
	tr.RecordMistake("u1", Mistake{Category: "past_tense"})
	tr.RecordMistake("u1", Mistake{Category: "articles"})
	tr.RecordMistake("u1", Mistake{Category: "past_tense"})
	assert.False(t, tr.CheckPracticeRecommendation("u1").Recommend)

	tr.RecordMistake("u1", Mistake{Category: "past_tense"})
	rec := tr.CheckPracticeRecommendation("u1")
	assert.True(t, rec.Recommend)
	assert.Equal(t, "past_tense", rec.Category)
	assert.Equal(t, 3, rec.Occurrences)
}

func TestPracticeWindowOnlyLooksAtRecentMistakes(t *testing.T) {
	tr, _ := newTracker()
	for i := 0; i < 3; i++ {
		tr.RecordMistake("u1", Mistake{Category: "articles"})
	}
	for i := 0; i < 10; i++ {
		tr.RecordMistake("u1", Mistake{Category: categoryN(i)})
	}
	assert.False(t, tr.CheckPracticeRecommendation("u1").Recommend)
}

func TestMistakeRingIsBounded(t *testing.T) {
	tr, _ := newTracker()
	for i := 0; i < 50; i++ {
		tr.RecordMistake("u1", Mistake{Category: "c"})
	}
	sum := tr.EndSession("u1")
	assert.Equal(t, 50, sum.MistakeCount)
	assert.Equal(t, 20, sum.MistakeCategories["c"])
}

func TestPhases(t *testing.T) {
	tr, c := newTracker()
	tr.Start("u1")
	assert.Equal(t, PhaseWarmup, tr.Phase("u1"))

	for i := 0; i < 4; i++ {
		tr.Update("u1", Update{Message: true})
	}
	assert.Equal(t, PhasePractice, tr.Phase("u1"))

	c.Advance(30 * time.Minute)
	assert.Equal(t, PhaseWrapUp, tr.Phase("u1"))
}

func TestEndSessionDiscardsState(t *testing.T) {
	tr, c := newTracker()
	tr.Start("u1")
	tr.Update("u1", Update{Message: true, ResponseTime: 2 * time.Second})
	tr.Update("u1", Update{Message: true, ResponseTime: 4 * time.Second})
	c.Advance(3 * time.Minute)

	sum := tr.EndSession("u1")
	assert.Equal(t, 2, sum.MessageCount)
	assert.Equal(t, int64(3000), sum.AvgResponseMs)
	assert.Equal(t, (3 * time.Minute).Milliseconds(), sum.DurationMs)
	assert.Equal(t, 0, tr.Active())

	again := tr.EndSession("u1")
	require.Equal(t, "u1", again.UserID)
	assert.Zero(t, again.MessageCount)
	assert.Equal(t, PhaseWarmup, again.LastPhase)
}

func categoryN(i int) string {
	return string(rune('a' + i))
}
