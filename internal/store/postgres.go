package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
)

const (
	conversationsTable = "tutor_conversations"
	messagesTable      = "tutor_messages"
)

// PostgresStore persists conversations and their transcripts in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

var errNotInitialized = errors.New("conversation store not initialized")

// EnsureSchema creates the tables and indexes if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errNotInitialized
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + conversationsTable + ` (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    scenario_id TEXT NOT NULL DEFAULT '',
    level TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    last_message_at TIMESTAMPTZ NOT NULL,
    duration_seconds BIGINT NOT NULL DEFAULT 0,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_` + conversationsTable + `_resume ON ` + conversationsTable + ` (user_id, status, last_message_at DESC);`,
		`CREATE TABLE IF NOT EXISTS ` + messagesTable + ` (
    seq BIGSERIAL PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES ` + conversationsTable + `(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    audio_transcript TEXT NOT NULL DEFAULT '',
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_` + messagesTable + `_conversation ON ` + messagesTable + ` (conversation_id, seq);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure conversation schema: %w", err)
		}
	}
	return nil
}

// FindResumable implements ConversationStore.
func (s *PostgresStore) FindResumable(ctx context.Context, userID, scenarioID string, since time.Time) (*chat.Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, errNotInitialized
	}
	var id string
	err := s.pool.QueryRow(ctx, `
SELECT id FROM `+conversationsTable+`
WHERE user_id = $1
  AND status <> $2
  AND last_message_at >= $3
  AND ($4 = '' OR scenario_id = $4)
ORDER BY last_message_at DESC
LIMIT 1
`, userID, string(chat.StatusCompleted), since, strings.TrimSpace(scenarioID)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find resumable conversation: %w", err)
	}
	return s.Get(ctx, id)
}

// Create implements ConversationStore.
func (s *PostgresStore) Create(ctx context.Context, conv chat.Conversation) (*chat.Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, errNotInitialized
	}
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
	meta, err := encodeMetadata(conv.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO `+conversationsTable+` (id, user_id, scenario_id, level, title, status, last_message_at, duration_seconds, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, conv.ID, conv.UserID, conv.ScenarioID, conv.Level, conv.Title, string(conv.Status),
		conv.LastMessageAt, conv.Duration, meta, conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if conv.Messages == nil {
		conv.Messages = []chat.Message{}
	}
	return conv.Clone(), nil
}

// AppendMessage inserts msg and bumps last_message_at in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, msg chat.Message) error {
	if s == nil || s.pool == nil {
		return errNotInitialized
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append message: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE `+conversationsTable+`
SET last_message_at = GREATEST(last_message_at, $2)
WHERE id = $1
`, conversationID, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("append message: touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx, `
INSERT INTO `+messagesTable+` (conversation_id, role, content, audio_transcript, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, conversationID, string(msg.Role), msg.Content, msg.AudioTranscript, meta, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("append message: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("append message: commit: %w", err)
	}
	return nil
}

// UpdateStatus implements ConversationStore.
func (s *PostgresStore) UpdateStatus(ctx context.Context, conversationID string, status chat.Status) error {
	if s == nil || s.pool == nil {
		return errNotInitialized
	}
	tag, err := s.pool.Exec(ctx, `UPDATE `+conversationsTable+` SET status = $2 WHERE id = $1`, conversationID, string(status))
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Finalize adds the session duration and merges metadata.
func (s *PostgresStore) Finalize(ctx context.Context, conversationID string, fin chat.Finalization) error {
	if s == nil || s.pool == nil {
		return errNotInitialized
	}
	meta, err := encodeMetadata(fin.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE `+conversationsTable+`
SET status = $2,
    duration_seconds = duration_seconds + $3,
    metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb)
WHERE id = $1
`, conversationID, string(fin.Status), fin.Duration, meta)
	if err != nil {
		return fmt.Errorf("finalize conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads a conversation with its ordered transcript.
func (s *PostgresStore) Get(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, errNotInitialized
	}
	var (
		conv   chat.Conversation
		status string
		meta   []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, scenario_id, level, title, status, last_message_at, duration_seconds, metadata, created_at
FROM `+conversationsTable+`
WHERE id = $1
`, conversationID).Scan(&conv.ID, &conv.UserID, &conv.ScenarioID, &conv.Level, &conv.Title, &status,
		&conv.LastMessageAt, &conv.Duration, &meta, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv.Status = chat.Status(status)
	if conv.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT role, content, audio_transcript, metadata, created_at
FROM `+messagesTable+`
WHERE conversation_id = $1
ORDER BY seq
`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	defer rows.Close()

	conv.Messages = []chat.Message{}
	for rows.Next() {
		var (
			msg     chat.Message
			role    string
			msgMeta []byte
		)
		if err := rows.Scan(&role, &msg.Content, &msg.AudioTranscript, &msgMeta, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = chat.Role(role)
		if msg.Metadata, err = decodeMetadata(msgMeta); err != nil {
			return nil, err
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	return &conv, nil
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}
