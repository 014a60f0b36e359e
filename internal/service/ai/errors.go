package ai

import (
	"errors"
	"fmt"
)

// ErrNoCompleter is returned when no completion backend is configured.
var ErrNoCompleter = errors.New("ai: completer not configured")

// CompletionError is surfaced only after the fallback model also failed.
type CompletionError struct {
	UseCase       UseCase
	Model         string
	FallbackModel string
	Err           error
}

func (e *CompletionError) Error() string {
	if e.FallbackModel == "" {
		return fmt.Sprintf("completion %s failed on %s: %v", e.UseCase, e.Model, e.Err)
	}
	return fmt.Sprintf("completion %s failed on %s and fallback %s: %v", e.UseCase, e.Model, e.FallbackModel, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}
