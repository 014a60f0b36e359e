package ai

import "strings"

// UseCase 标识一次 AI 调用的业务场景，决定模型、缓存策略与 TTL。
type UseCase string

const (
	UseCaseGeneralChat           UseCase = "general_chat"
	UseCaseGrammarAnalysis       UseCase = "grammar_analysis"
	UseCasePronunciationFeedback UseCase = "pronunciation_feedback"
	UseCaseVocabularyAnalysis    UseCase = "vocabulary_analysis"
	UseCaseSimpleResponse        UseCase = "simple_response"
	UseCaseGreeting              UseCase = "greeting"
	UseCaseRealtimeConversation  UseCase = "realtime_conversation"
)

// Tier 是用户的订阅等级。
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierPro     Tier = "pro"
)

// ParseUseCase accepts the wire names above; unknown values map to general chat.
func ParseUseCase(raw string) UseCase {
	switch uc := UseCase(strings.ToLower(strings.TrimSpace(raw))); uc {
	case UseCaseGeneralChat, UseCaseGrammarAnalysis, UseCasePronunciationFeedback,
		UseCaseVocabularyAnalysis, UseCaseSimpleResponse, UseCaseGreeting, UseCaseRealtimeConversation:
		return uc
	default:
		return UseCaseGeneralChat
	}
}

// ParseTier defaults to the free tier.
func ParseTier(raw string) Tier {
	switch t := Tier(strings.ToLower(strings.TrimSpace(raw))); t {
	case TierPremium, TierPro:
		return t
	default:
		return TierFree
	}
}
