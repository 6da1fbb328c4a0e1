package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("job queue stopping")
	ErrInvalidJob  = errors.New("job kind is required")
	ErrUnknownKind = errors.New("no handler registered for job kind")
)

// Terminal marks a handler error as permanent: the job fails without retry.
//
//	return queue.Terminal(fmt.Errorf("bad payload: %w", err))
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

// IsTerminal reports whether err is wrapped with Terminal.
func IsTerminal(err error) bool {
	var e terminalError
	return errors.As(err, &e)
}

type terminalError struct{ err error }

func (e terminalError) Error() string { return fmt.Sprintf("terminal: %v", e.err) }
func (e terminalError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested retry delay to err.
// The queue honours it (bounded by the max retry delay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
