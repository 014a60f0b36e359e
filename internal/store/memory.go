package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
)

// MemoryStore keeps conversations in process. Suitable for development and
// tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*chat.Conversation
	now           func() time.Time
}

// NewMemoryStore bootstraps an empty store; now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		conversations: make(map[string]*chat.Conversation),
		now:           now,
	}
}

// FindResumable implements ConversationStore.
func (s *MemoryStore) FindResumable(_ context.Context, userID, scenarioID string, since time.Time) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *chat.Conversation
	for _, conv := range s.conversations {
		if conv.UserID != userID || conv.Status.Terminal() {
			continue
		}
		if scenarioID != "" && conv.ScenarioID != scenarioID {
			continue
		}
		if conv.LastMessageAt.Before(since) {
			continue
		}
		if best == nil || conv.LastMessageAt.After(best.LastMessageAt) {
			best = conv
		}
	}
	return best.Clone(), nil
}

// Create provisions a conversation, assigning an id when none is given.
func (s *MemoryStore) Create(_ context.Context, conv chat.Conversation) (*chat.Conversation, error) {
	now := s.now()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = chat.StatusActive
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastMessageAt.IsZero() {
		conv.LastMessageAt = conv.CreatedAt
	}
	if conv.Messages == nil {
		conv.Messages = make([]chat.Message, 0, 16)
	}

	stored := conv.Clone()
	s.mu.Lock()
	s.conversations[conv.ID] = stored
	s.mu.Unlock()
	return stored.Clone(), nil
}

// AppendMessage appends msg and bumps LastMessageAt.
func (s *MemoryStore) AppendMessage(_ context.Context, conversationID string, msg chat.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.Messages = append(conv.Messages, msg.Clone())
	if msg.Timestamp.After(conv.LastMessageAt) {
		conv.LastMessageAt = msg.Timestamp
	}
	return nil
}

// UpdateStatus implements ConversationStore.
func (s *MemoryStore) UpdateStatus(_ context.Context, conversationID string, status chat.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.Status = status
	return nil
}

// Finalize writes the end-of-session fields. Duration accumulates across
// resumptions and metadata keys are merged.
func (s *MemoryStore) Finalize(_ context.Context, conversationID string, fin chat.Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.Status = fin.Status
	conv.Duration += fin.Duration
	if len(fin.Metadata) > 0 {
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]any, len(fin.Metadata))
		}
		for k, v := range fin.Metadata {
			conv.Metadata[k] = v
		}
	}
	return nil
}

// Get returns a copy of the conversation.
func (s *MemoryStore) Get(_ context.Context, conversationID string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}
