// Package events defines the typed notifications emitted by the session
// orchestrator and the completion cache. Sinks receive events synchronously
// and must not block.
package events

import "time"

// Type names a kind of event.
type Type string

const (
	SessionCreated     Type = "session.created"
	SessionResumed     Type = "session.resumed"
	SessionReused      Type = "session.reused"
	MessageSaved       Type = "message.saved"
	MessageDropped     Type = "message.dropped"
	SpeakingChanged    Type = "speaking.changed"
	TeardownStarted    Type = "teardown.started"
	TeardownJoined     Type = "teardown.joined"
	TeardownDeferred   Type = "teardown.deferred"
	TeardownProceeding Type = "teardown.proceeding"
	TeardownCompleted  Type = "teardown.completed"
	TeardownFailed     Type = "teardown.failed"
	BreakSuggested     Type = "flow.break_suggested"
	PracticeSuggested  Type = "flow.practice_suggested"
	CacheHit           Type = "cache.hit"
	CacheMiss          Type = "cache.miss"
	CacheBypass        Type = "cache.bypass"
	CompletionFallback Type = "completion.fallback"
)

// Event is a single structured notification.
type Event struct {
	Type      Type
	SessionID string
	UserID    string
	At        time.Time
	Attrs     map[string]any
}

// Sink consumes events.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ev Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(ev)
			}
		}
	})
}
