// Package store persists tutoring conversations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("conversation not found")

// ConversationStore is the durable store the session orchestrator writes to.
type ConversationStore interface {
	// FindResumable returns the most recently active non-terminal
	// conversation of userID whose last message is at or after since. An
	// empty scenarioID matches any scenario. It returns (nil, nil) when
	// nothing qualifies.
	FindResumable(ctx context.Context, userID, scenarioID string, since time.Time) (*chat.Conversation, error)
	Create(ctx context.Context, conv chat.Conversation) (*chat.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, msg chat.Message) error
	UpdateStatus(ctx context.Context, conversationID string, status chat.Status) error
	Finalize(ctx context.Context, conversationID string, fin chat.Finalization) error
	Get(ctx context.Context, conversationID string) (*chat.Conversation, error)
}
