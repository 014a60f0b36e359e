package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/z-tutor/backend/internal/model/chat"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DELETE FROM "+conversationsTable+" WHERE user_id LIKE 'test-%'")
	})
	return s
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, chat.Conversation{UserID: "test-u1", ScenarioID: "s1", Level: "beginner", Title: "Coffee"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	for i, text := range []string{"hello", "hi there"} {
		role := chat.RoleUser
		if i == 1 {
			role = chat.RoleAssistant
		}
		msg := chat.Message{Role: role, Content: text, Timestamp: at.Add(time.Duration(i) * time.Second), Metadata: map[string]any{"i": i}}
		if err := s.AppendMessage(ctx, conv.ID, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	found, err := s.FindResumable(ctx, "test-u1", "s1", at.Add(-time.Hour))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.ID != conv.ID || len(found.Messages) != 2 {
		t.Fatalf("unexpected resumable conversation: %+v", found)
	}
	if found.Messages[1].Content != "hi there" {
		t.Fatalf("transcript out of order: %+v", found.Messages)
	}

	if err := s.Finalize(ctx, conv.ID, chat.Finalization{Status: chat.StatusCompleted, Duration: 42, Metadata: map[string]any{"endSignal": "user_stop"}}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, err := s.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != chat.StatusCompleted || got.Duration != 42 || got.Metadata["endSignal"] != "user_stop" {
		t.Fatalf("unexpected finalized conversation: %+v", got)
	}

	if again, _ := s.FindResumable(ctx, "test-u1", "s1", at.Add(-time.Hour)); again != nil {
		t.Fatal("completed conversation must not be resumable")
	}
}

func TestPostgresStoreMissingConversation(t *testing.T) {
	s := setupPostgresStore(t)
	if err := s.UpdateStatus(context.Background(), "missing", chat.StatusPaused); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
