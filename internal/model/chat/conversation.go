package chat

import "time"

// Status 是会话在持久化层中的状态。
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusEnding    Status = "ending"
	StatusCompleted Status = "completed"
)

// Terminal reports whether the conversation can no longer be resumed.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Conversation is the durable record of a tutoring session transcript.
type Conversation struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	ScenarioID    string         `json:"scenarioId,omitempty"`
	Level         string         `json:"level"`
	Title         string         `json:"title"`
	Status        Status         `json:"status"`
	Messages      []Message      `json:"messages"`
	LastMessageAt time.Time      `json:"lastMessageAt"`
	Duration      int64          `json:"duration"` // seconds
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Clone returns a deep copy of the conversation so callers cannot mutate store state.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, msg := range c.Messages {
		out.Messages[i] = msg.Clone()
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Finalization carries the fields written once a live session ends.
type Finalization struct {
	Status   Status
	Duration int64 // seconds, added to any previously recorded duration
	Metadata map[string]any
}
