package cache

import "fmt"

// BackendError wraps a failure of the networked cache. It never reaches
// callers of Store; it is logged and counted before falling back.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("cache backend %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
