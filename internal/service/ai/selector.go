package ai

// ModelConfig 是一次调用使用的模型及生成参数。
type ModelConfig struct {
	Model         string  `json:"model"`
	FallbackModel string  `json:"fallbackModel,omitempty"`
	Temperature   float32 `json:"temperature"`
	MaxTokens     int     `json:"maxTokens"`
}

// Catalog names the model endpoints available to the selector.
type Catalog struct {
	Fast     string
	Standard string
	Advanced string
	Realtime string
	Fallback string
}

// DefaultCatalog is used when no model overrides are configured.
func DefaultCatalog() Catalog {
	return Catalog{
		Fast:     "doubao-1-5-lite-32k",
		Standard: "doubao-1-5-pro-32k",
		Advanced: "doubao-1-5-pro-256k",
		Realtime: "doubao-1-5-pro-32k",
		Fallback: "doubao-1-5-lite-32k",
	}
}

// ModelSelector maps (use case, tier) to a model. It holds no mutable state.
type ModelSelector struct {
	catalog Catalog
}

// NewModelSelector fills empty catalog slots from DefaultCatalog.
func NewModelSelector(c Catalog) ModelSelector {
	d := DefaultCatalog()
	if c.Fast == "" {
		c.Fast = d.Fast
	}
	if c.Standard == "" {
		c.Standard = d.Standard
	}
	if c.Advanced == "" {
		c.Advanced = d.Advanced
	}
	if c.Realtime == "" {
		c.Realtime = c.Standard
	}
	if c.Fallback == "" {
		c.Fallback = d.Fallback
	}
	return ModelSelector{catalog: c}
}

// Catalog returns the resolved catalog.
func (s ModelSelector) Catalog() Catalog {
	return s.catalog
}

// Select 根据场景与订阅等级选择模型。分析类场景对付费用户使用更强的模型。
func (s ModelSelector) Select(useCase UseCase, tier Tier) ModelConfig {
	paid := tier == TierPremium || tier == TierPro

	var cfg ModelConfig
	switch useCase {
	case UseCaseSimpleResponse:
		cfg = ModelConfig{Model: s.catalog.Fast, Temperature: 0.5, MaxTokens: 150}
	case UseCaseGreeting:
		cfg = ModelConfig{Model: s.catalog.Fast, Temperature: 0.8, MaxTokens: 120}
	case UseCaseGrammarAnalysis, UseCaseVocabularyAnalysis:
		cfg = ModelConfig{Model: s.catalog.Standard, Temperature: 0.3, MaxTokens: 800}
		if paid {
			cfg.Model = s.catalog.Advanced
			cfg.MaxTokens = 1200
		}
	case UseCasePronunciationFeedback:
		cfg = ModelConfig{Model: s.catalog.Standard, Temperature: 0.3, MaxTokens: 600}
		if paid {
			cfg.Model = s.catalog.Advanced
		}
	case UseCaseRealtimeConversation:
		cfg = ModelConfig{Model: s.catalog.Realtime, Temperature: 0.8, MaxTokens: 400}
	default:
		cfg = ModelConfig{Model: s.catalog.Standard, Temperature: 0.7, MaxTokens: 500}
		if tier == TierPro {
			cfg.Model = s.catalog.Advanced
			cfg.MaxTokens = 800
		}
	}

	if s.catalog.Fallback != cfg.Model {
		cfg.FallbackModel = s.catalog.Fallback
	}
	return cfg
}
