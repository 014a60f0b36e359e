package session

import "time"

// Status is the in-memory lifecycle state of a live session.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnding Status = "ending"
	StatusEnded  Status = "ended"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusEnding, StatusEnded:
		return true
	default:
		return false
	}
}

// Session describes a live tutoring session. The orchestrator owns the
// canonical copy; every value handed out is a snapshot.
type Session struct {
	ID             string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	StartTime      time.Time `json:"startTime"`
	LastActivity   time.Time `json:"lastActivity"`
	Status         Status    `json:"status"`
	MessageCount   int       `json:"messageCount"`
	IsResumed      bool      `json:"isResumed"`
	ScenarioID     string    `json:"scenarioId,omitempty"`
	Level          string    `json:"level"`
	Title          string    `json:"title"`
}

// Options tune how a session is created or resumed.
type Options struct {
	ScenarioID  string `json:"scenarioId,omitempty"`
	Level       string `json:"level,omitempty"`
	LessonName  string `json:"lessonName,omitempty"`
	SessionType string `json:"sessionType,omitempty"`
	// ForceNew skips the resumption lookup.
	ForceNew bool `json:"forceNew,omitempty"`
}

// Signal names the event that asked for a session to be torn down.
type Signal string

const (
	SignalUnmount     Signal = "unmount"
	SignalBackground  Signal = "background"
	SignalNavigation  Signal = "navigation"
	SignalIdleTimeout Signal = "idle_timeout"
	SignalUserStop    Signal = "user_stop"
	SignalDisconnect  Signal = "disconnect"
	SignalShutdown    Signal = "shutdown"
)

// Soft reports whether the signal may be deferred while the AI is speaking.
func (s Signal) Soft() bool {
	switch s {
	case SignalUnmount, SignalBackground, SignalNavigation, SignalIdleTimeout:
		return true
	default:
		return false
	}
}

// ParseSignal maps a client-supplied string to a Signal. Unknown values are
// treated as an explicit user stop.
func ParseSignal(raw string) Signal {
	switch s := Signal(raw); s {
	case SignalUnmount, SignalBackground, SignalNavigation, SignalIdleTimeout,
		SignalUserStop, SignalDisconnect, SignalShutdown:
		return s
	default:
		return SignalUserStop
	}
}
