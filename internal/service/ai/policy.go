package ai

import "time"

// Options tune a single CreateOptimizedCompletion call.
type Options struct {
	// SessionID only attributes events; it never enters the cache key.
	SessionID  string
	Level      string
	ScenarioID string
	// Personalized marks prompts that embed learner-specific context.
	Personalized bool
	UserData     map[string]any
	SkipCache    bool
	Temperature  *float32
	MaxTokens    *int
}

var cacheTTL = map[UseCase]time.Duration{
	UseCaseGrammarAnalysis:       24 * time.Hour,
	UseCaseVocabularyAnalysis:    24 * time.Hour,
	UseCasePronunciationFeedback: 12 * time.Hour,
	UseCaseGreeting:              6 * time.Hour,
	UseCaseGeneralChat:           time.Hour,
	UseCaseSimpleResponse:        30 * time.Minute,
}

// ShouldCache reports whether a response for useCase may be served from or
// written to the cache.
func ShouldCache(useCase UseCase, opts Options) bool {
	if opts.SkipCache || opts.Personalized || len(opts.UserData) > 0 {
		return false
	}
	if useCase == UseCaseRealtimeConversation {
		return false
	}
	_, ok := cacheTTL[useCase]
	return ok
}

// TTLFor returns the cache lifetime for useCase, zero when not cacheable.
func TTLFor(useCase UseCase) time.Duration {
	return cacheTTL[useCase]
}
