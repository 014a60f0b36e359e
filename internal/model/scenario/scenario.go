package scenario

// Scenario describes a role-play lesson the tutor can run in a live session.
type Scenario struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Level       string   `json:"level"`
	Setting     string   `json:"setting"`
	TutorRole   string   `json:"tutorRole"`
	PromptHint  string   `json:"promptHint"`
	OpeningLine string   `json:"openingLine"`
	VoiceID     string   `json:"voiceId,omitempty"`
	Goals       []string `json:"goals,omitempty"`      // 本课学习目标
	Vocabulary  []string `json:"vocabulary,omitempty"` // 目标词汇
}

// Seed provides the built-in scenarios shipped with the app.
func Seed() []Scenario {
	return []Scenario{
		{
			ID:          "coffee-shop",
			Title:       "Ordering at a Coffee Shop",
			Level:       "beginner",
			Setting:     "A busy neighbourhood cafe at 8am.",
			TutorRole:   "friendly barista",
			PromptHint:  "用简单句子，放慢节奏，鼓励学习者完整说出点单句子。",
			OpeningLine: "Good morning! What can I get for you today?",
			VoiceID:     "en_female_candice",
			Goals:       []string{"polite requests", "numbers and sizes", "asking for prices"},
			Vocabulary:  []string{"latte", "to go", "medium", "receipt", "oat milk"},
		},
		{
			ID:          "job-interview",
			Title:       "Job Interview Practice",
			Level:       "intermediate",
			Setting:     "A video interview for a junior marketing role.",
			TutorRole:   "hiring manager",
			PromptHint:  "追问细节，引导学习者使用过去时描述经历。",
			OpeningLine: "Thanks for joining today. Could you start by telling me a little about yourself?",
			VoiceID:     "en_male_glen",
			Goals:       []string{"past tense narratives", "describing strengths", "asking questions"},
			Vocabulary:  []string{"responsibility", "deadline", "collaborate", "achievement"},
		},
		{
			ID:          "doctor-visit",
			Title:       "Visiting the Doctor",
			Level:       "advanced",
			Setting:     "A general practitioner's office.",
			TutorRole:   "family doctor",
			PromptHint:  "使用更自然的语速与习语，纠正症状描述中的用词。",
			OpeningLine: "Come on in and have a seat. What brings you in today?",
			VoiceID:     "en_female_skye",
			Goals:       []string{"describing symptoms", "understanding instructions", "hedging"},
			Vocabulary:  []string{"prescription", "allergic", "dizzy", "follow-up"},
		},
	}
}
