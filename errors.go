package pgjson

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// ConnectionError is returned when a connection cannot be established.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to initialize connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamingError is returned when a batch failed while rows were being
// streamed. The copy was aborted with Reason before the error was returned.
type StreamingError struct {
	// Index is the position of the tuple that failed to encode, or -1 if
	// the transport failed.
	Index  int
	Reason string
	Err    error
}

func (e *StreamingError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("copy stream failed: %v", e.Err)
	}
	return fmt.Sprintf("copy aborted at row %d: %v", e.Index, e.Err)
}

func (e *StreamingError) Unwrap() error { return e.Err }

// CopyCommandError is returned when the server rejects a copy that was
// fully sent.
type CopyCommandError struct {
	Message string
	Err     error
}

func (e *CopyCommandError) Error() string {
	return "copy command failed: " + e.Message
}

func (e *CopyCommandError) Unwrap() error { return e.Err }

func newCopyCommandError(err error) *CopyCommandError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &CopyCommandError{Message: pgErr.Message, Err: err}
	}
	return &CopyCommandError{Message: err.Error(), Err: err}
}

// abortReason formats the message sent to the server with CopyFail: the
// type of the root cause followed by the full error text.
func abortReason(err error) string {
	cause := err
	for {
		u := errors.Unwrap(cause)
		if u == nil {
			break
		}
		cause = u
	}
	return fmt.Sprintf("%T: %s", cause, err.Error())
}
