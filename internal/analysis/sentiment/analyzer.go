package sentiment

import "strings"

// Mood 是从学习者话语中粗略推断的情绪状态。
type Mood string

const (
	Neutral    Mood = "neutral"
	Positive   Mood = "positive"
	Frustrated Mood = "frustrated"
	Confused   Mood = "confused"
	Tired      Mood = "tired"
)

// Negative reports whether the mood counts towards a break suggestion.
func (m Mood) Negative() bool {
	return m == Frustrated || m == Confused || m == Tired
}

// Reading 给出识别结果与得分，得分为 0 表示没有明显情绪信号。
type Reading struct {
	Mood  Mood `json:"mood"`
	Score int  `json:"score"`
}

var keywordBuckets = map[Mood][]string{
	Positive: {
		"great", "awesome", "thanks", "thank you", "love it", "fun", "got it", "makes sense", "i see",
		"cool", "nice", "开心", "太好了", "明白了", "懂了", "谢谢", "有意思",
	},
	Frustrated: {
		"this is hard", "too hard", "i can't", "i cannot", "give up", "annoying", "ugh", "stupid",
		"hate", "again?!", "烦", "好难", "太难了", "不想学", "放弃", "气死",
	},
	Confused: {
		"i don't understand", "i dont understand", "what do you mean", "confused", "not sure",
		"say that again", "repeat", "huh", "sorry?", "pardon", "什么意思", "听不懂", "不明白", "没听清", "再说一遍",
	},
	Tired: {
		"tired", "sleepy", "exhausted", "need a break", "long day", "later", "enough for today",
		"累", "困", "休息", "明天再", "不想说了",
	},
}

// Analyze 根据单条用户话语推断情绪。
func Analyze(utterance string) Reading {
	normalized := strings.TrimSpace(strings.ToLower(utterance))
	if normalized == "" {
		return Reading{Mood: Neutral}
	}

	scores := make(map[Mood]int)
	for mood, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[mood] += 3
			}
		}
	}

	// 连续问号多半是没听懂。
	if q := strings.Count(normalized, "??"); q > 0 {
		scores[Confused] += 2 * q
	}
	if strings.Count(normalized, "!") > 1 {
		if scores[Frustrated] > 0 {
			scores[Frustrated] += 2
		} else {
			scores[Positive] += 2
		}
	}

	best := Neutral
	bestScore := 0
	// 固定遍历顺序，保证同分时结果稳定，负面情绪优先。
	for _, mood := range []Mood{Frustrated, Confused, Tired, Positive} {
		if s := scores[mood]; s > bestScore {
			best, bestScore = mood, s
		}
	}
	return Reading{Mood: best, Score: bestScore}
}
