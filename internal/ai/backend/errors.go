package backend

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownBackend is returned when an id names no configured backend.
var ErrUnknownBackend = errors.New("unknown backend")

// RetryExhaustedError wraps the last transient error after the retry budget is spent.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("backend still overloaded after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// UnavailableError is returned by SetActive when the target probes unavailable.
type UnavailableError struct {
	ID     string
	Reason string
}

func (e *UnavailableError) Error() string {
	if strings.TrimSpace(e.Reason) == "" {
		return fmt.Sprintf("backend %q is unavailable", e.ID)
	}
	return fmt.Sprintf("backend %q is unavailable: %s", e.ID, e.Reason)
}

// ProbeFailure is one backend's reason for being unavailable.
type ProbeFailure struct {
	ID     string
	Reason string
}

// NoBackendError is returned when no backend is available.
type NoBackendError struct {
	Failures []ProbeFailure
}

func (e *NoBackendError) Error() string {
	if len(e.Failures) == 0 {
		return "no backend available: none configured"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.ID+": "+f.Reason)
	}
	return "no backend available (" + strings.Join(parts, "; ") + ")"
}
