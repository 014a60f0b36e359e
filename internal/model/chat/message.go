package chat

import "time"

// Role identifies who produced a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is a single transcript turn. Messages are append-only once stored.
type Message struct {
	Role            Role           `json:"role"`
	Content         string         `json:"content"`
	Timestamp       time.Time      `json:"timestamp"`
	AudioTranscript string         `json:"audioTranscript,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	out := m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
