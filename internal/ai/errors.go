package ai

import (
	"errors"
	"fmt"
)

var (
	// ErrIterationLimit matches any *IterationLimitError.
	ErrIterationLimit = errors.New("iteration limit reached")
	// ErrTurnInProgress is returned by Run while another turn holds the conversation.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	ErrEmptyInput     = errors.New("empty input")
	// ErrInvalidMessage wraps a backend reply that cannot enter the transcript.
	ErrInvalidMessage = errors.New("invalid message")
)

// IterationLimitError reports a turn that used every backend round trip
// without reaching a capability-free answer. The transcript keeps what the
// turn produced.
type IterationLimitError struct {
	Iterations int
}

func (e *IterationLimitError) Error() string {
	if e == nil {
		return ErrIterationLimit.Error()
	}
	return fmt.Sprintf("no final answer after %d iterations", e.Iterations)
}

func (e *IterationLimitError) Is(target error) bool { return target == ErrIterationLimit }

func (e *IterationLimitError) Unwrap() error { return ErrIterationLimit }
