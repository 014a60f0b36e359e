// Package realtime abstracts the external realtime AI endpoint that carries
// a live tutoring conversation.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
)

// EventType names an inbound event from the realtime endpoint.
type EventType string

const (
	// EventResponseStarted: the AI began speaking a response.
	EventResponseStarted EventType = "response.started"
	// EventMessageCompleted: a user or assistant turn is final.
	EventMessageCompleted EventType = "message.completed"
	// EventResponseDone: the AI finished speaking.
	EventResponseDone EventType = "response.done"
	EventError        EventType = "error"
	// EventClosed: the remote side closed the connection.
	EventClosed EventType = "closed"
)

// Event is one discrete inbound event.
type Event struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"responseId,omitempty"`
	Role       chat.Role `json:"role,omitempty"`
	Text       string    `json:"text,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at,omitempty"`
}

// Message converts a message.completed event into a transcript message.
func (e Event) Message(now time.Time) chat.Message {
	at := e.At
	if at.IsZero() {
		at = now
	}
	role := e.Role
	if !role.Valid() {
		role = chat.RoleAssistant
	}
	content := e.Text
	if content == "" {
		content = e.Transcript
	}
	return chat.Message{
		Role:            role,
		Content:         content,
		Timestamp:       at,
		AudioTranscript: e.Transcript,
	}
}

// ErrNotConnected is returned by SendAudio before Connect or after Disconnect.
var ErrNotConnected = errors.New("realtime client not connected")

// Client is the black-box realtime connection. Events returns a bounded,
// ordered channel that is closed when the connection ends.
type Client interface {
	Connect(ctx context.Context) error
	SendAudio(ctx context.Context, chunk []byte) error
	Events() <-chan Event
	Disconnect(ctx context.Context) error
}
