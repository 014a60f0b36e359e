package session

import (
	"errors"
	"fmt"
)

var (
	ErrUserRequired     = errors.New("user id is required")
	ErrSessionNotFound  = errors.New("session not found")
	ErrNoRealtimeClient = errors.New("no realtime client attached")
)

// StorageError wraps a durable-store failure surfaced from CreateOrResume or
// EndSession. Other operations log storage failures instead.
type StorageError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *StorageError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
