package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
	"github.com/zhouzirui/z-tutor/backend/internal/model/scenario"
)

const historyLimit = 10

// PromptTemplate 定义某一类反馈的系统提示与规则。
type PromptTemplate struct {
	SystemPrompt string
	Rules        []string
}

// PromptInput is everything a tutor prompt is built from.
type PromptInput struct {
	UseCase  UseCase
	Scenario *scenario.Scenario
	Level    string
	Text     string
	History  []chat.Message
}

// PromptBuilder renders tutor prompts for the non-realtime use cases.
type PromptBuilder struct {
	templates map[UseCase]*PromptTemplate
	chat      prompt.ChatTemplate
}

// NewPromptBuilder loads the built-in templates.
func NewPromptBuilder() *PromptBuilder {
	b := &PromptBuilder{
		templates: make(map[UseCase]*PromptTemplate),
		chat: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{system}"),
			schema.MessagesPlaceholder("history", true),
			schema.UserMessage("{query}"),
		),
	}
	b.loadDefaultTemplates()
	return b
}

// Build renders the message list for in.
func (b *PromptBuilder) Build(ctx context.Context, in PromptInput) ([]*schema.Message, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, fmt.Errorf("prompt text is required")
	}
	messages, err := b.chat.Format(ctx, map[string]any{
		"system":  b.SystemPrompt(in),
		"history": historyMessages(in.History),
		"query":   in.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("format tutor prompt: %w", err)
	}
	return messages, nil
}

// SystemPrompt builds the system message for in.
func (b *PromptBuilder) SystemPrompt(in PromptInput) string {
	tmpl, ok := b.templates[in.UseCase]
	if !ok {
		tmpl = b.templates[UseCaseGeneralChat]
	}

	level := in.Level
	if level == "" {
		level = "beginner"
	}

	var sb strings.Builder
	sb.WriteString(tmpl.SystemPrompt)
	sb.WriteString("\n\nLearner level: ")
	sb.WriteString(level)

	if sc := in.Scenario; sc != nil {
		fmt.Fprintf(&sb, "\nLesson: %s (%s). You are the %s.", sc.Title, sc.Setting, sc.TutorRole)
		if len(sc.Goals) > 0 {
			sb.WriteString("\nLesson goals: ")
			sb.WriteString(strings.Join(sc.Goals, ", "))
		}
		if len(sc.Vocabulary) > 0 {
			sb.WriteString("\nTarget vocabulary: ")
			sb.WriteString(strings.Join(sc.Vocabulary, ", "))
		}
		if sc.PromptHint != "" {
			sb.WriteString("\nTeaching hint: ")
			sb.WriteString(sc.PromptHint)
		}
	}

	if len(tmpl.Rules) > 0 {
		sb.WriteString("\n\nRules:\n- ")
		sb.WriteString(strings.Join(tmpl.Rules, "\n- "))
	}
	return sb.String()
}

func historyMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}

func (b *PromptBuilder) loadDefaultTemplates() {
	b.templates[UseCaseGrammarAnalysis] = &PromptTemplate{
		SystemPrompt: "You are a patient English grammar coach. Analyse the learner's sentence and explain any grammar mistakes.",
		Rules: []string{
			"Quote the incorrect fragment, then give the corrected version",
			"Name the grammar point in two or three words",
			"If the sentence is correct, say so and suggest one more natural alternative",
			"Keep explanations short enough to read aloud",
		},
	}
	b.templates[UseCaseVocabularyAnalysis] = &PromptTemplate{
		SystemPrompt: "You are an English vocabulary coach. Review the word choice in the learner's sentence.",
		Rules: []string{
			"Point out words that are too formal, too informal or unnatural",
			"Offer at most three alternatives with a one-line usage note each",
			"Prefer words from the lesson's target vocabulary when they fit",
		},
	}
	b.templates[UseCasePronunciationFeedback] = &PromptTemplate{
		SystemPrompt: "You are an English pronunciation coach. You receive a speech-recognition transcript of what the learner said.",
		Rules: []string{
			"Identify words that were likely mispronounced based on the transcript",
			"Describe the correct sound with simple spelling hints, not IPA only",
			"Give one short drill sentence",
		},
	}
	b.templates[UseCaseGreeting] = &PromptTemplate{
		SystemPrompt: "You open an English speaking lesson with a warm, short greeting.",
		Rules: []string{
			"One or two sentences",
			"End with a simple question that starts the role-play",
		},
	}
	b.templates[UseCaseSimpleResponse] = &PromptTemplate{
		SystemPrompt: "You answer short questions from an English learner.",
		Rules: []string{
			"Answer in one or two simple sentences",
		},
	}
	b.templates[UseCaseGeneralChat] = &PromptTemplate{
		SystemPrompt: "You are a friendly English conversation partner helping a learner practise speaking.",
		Rules: []string{
			"Stay in the lesson's role when one is given",
			"Gently recast mistakes instead of lecturing",
			"Ask one follow-up question per turn",
		},
	}
}
