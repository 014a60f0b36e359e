package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// KeyPrefix namespaces completion cache keys.
const KeyPrefix = "tutor:ai:"

// 按顺序替换：先去掉 user id 标记（含 JSON 形式），避免其中的 uuid/邮箱被部分替换。
var volatilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`"?\buser[ _-]?id"?\s*[:=]\s*"?[^\s",}]+"?`),
	regexp.MustCompile(`\buser_\w*\d\w*`),
	regexp.MustCompile(`[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`),
	regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`),
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[t ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:z|[+\-]\d{2}:?\d{2})?)?`),
	regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
	regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?(?:\s?[ap]m)?\b`),
	regexp.MustCompile(`\b\d{10}(?:\d{3})?\b`),
}

// NormalizePrompt strips volatile substrings (dates, clock times, epoch
// timestamps, ids, e-mail addresses) so semantically identical prompts
// produce the same key.
func NormalizePrompt(prompt string) string {
	text := strings.ToLower(prompt)
	for _, re := range volatilePatterns {
		text = re.ReplaceAllString(text, " ")
	}
	return strings.Join(strings.Fields(text), " ")
}

// KeyParts are the inputs to CacheKey.
type KeyParts struct {
	UseCase    UseCase
	Level      string
	ScenarioID string
	Model      string
	Prompt     string
}

// CacheKey derives a fixed-length key: KeyPrefix followed by 64 hex chars.
func CacheKey(p KeyParts) string {
	promptSum := sha256.Sum256([]byte(NormalizePrompt(p.Prompt)))

	h := sha256.New()
	for _, part := range []string{
		string(p.UseCase),
		strings.ToLower(strings.TrimSpace(p.Level)),
		strings.TrimSpace(p.ScenarioID),
		p.Model,
		hex.EncodeToString(promptSum[:]),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return KeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// flattenMessages renders a message list as the prompt text used for keys.
func flattenMessages(messages []*schema.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}
