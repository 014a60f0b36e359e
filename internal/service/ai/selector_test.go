package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSelectByUseCaseAndTier(t *testing.T) {
	sel := NewModelSelector(Catalog{Fast: "fast", Standard: "std", Advanced: "adv", Fallback: "fb"})

	free := sel.Select(UseCaseGrammarAnalysis, TierFree)
	assert.Equal(t, "std", free.Model)
	assert.Equal(t, "fb", free.FallbackModel)

	pro := sel.Select(UseCaseGrammarAnalysis, TierPro)
	assert.Equal(t, "adv", pro.Model)
	assert.Greater(t, pro.MaxTokens, free.MaxTokens)

	greet := sel.Select(UseCaseGreeting, TierPro)
	assert.Equal(t, "fast", greet.Model)

	chat := sel.Select(UseCaseGeneralChat, TierPremium)
	assert.Equal(t, "std", chat.Model)
}

func TestSelectOmitsFallbackEqualToModel(t *testing.T) {
	sel := NewModelSelector(Catalog{Fast: "same", Fallback: "same"})
	cfg := sel.Select(UseCaseSimpleResponse, TierFree)
	assert.Equal(t, "same", cfg.Model)
	assert.Empty(t, cfg.FallbackModel)
}

func TestShouldCache(t *testing.T) {
	cacheable := []UseCase{
		UseCaseGeneralChat, UseCaseGrammarAnalysis, UseCasePronunciationFeedback,
		UseCaseVocabularyAnalysis, UseCaseSimpleResponse, UseCaseGreeting,
	}
	for _, uc := range cacheable {
		assert.True(t, ShouldCache(uc, Options{}), uc)
		assert.False(t, ShouldCache(uc, Options{Personalized: true}), uc)
		assert.False(t, ShouldCache(uc, Options{UserData: map[string]any{"name": "Ann"}}), uc)
	}
	assert.False(t, ShouldCache(UseCaseRealtimeConversation, Options{}))
	assert.False(t, ShouldCache(UseCase("lesson_plan"), Options{}))
}

func TestTTLForUseCase(t *testing.T) {
	assert.Equal(t, 24*time.Hour, TTLFor(UseCaseGrammarAnalysis))
	assert.Equal(t, 12*time.Hour, TTLFor(UseCasePronunciationFeedback))
	assert.Equal(t, 30*time.Minute, TTLFor(UseCaseSimpleResponse))
	assert.Greater(t, TTLFor(UseCaseGrammarAnalysis), TTLFor(UseCaseGeneralChat))
	assert.Zero(t, TTLFor(UseCaseRealtimeConversation))
}

func TestParseTierAndUseCase(t *testing.T) {
	assert.Equal(t, TierPro, ParseTier(" PRO "))
	assert.Equal(t, TierFree, ParseTier("gold"))
	assert.Equal(t, UseCaseGrammarAnalysis, ParseUseCase("grammar_analysis"))
	assert.Equal(t, UseCaseGeneralChat, ParseUseCase("unknown"))
}
