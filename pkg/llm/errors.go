package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// ServerError is a non-200 answer from the inference server.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying. 5xx errors are
// retryable, 4xx are not.
func (e *ServerError) Retryable() bool {
	return e.StatusCode >= 500
}

// ProtocolError is a stream frame that could not be decoded. No recovery is
// possible mid-stream, so it ends the generation.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed stream frame %q: %v", e.Line, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsCancellation reports whether err comes from a cancelled context rather
// than a network or protocol failure. Callers should not log these as errors.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// canceled wraps the context error so callers can match it with errors.Is.
func canceled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return fmt.Errorf("generation cancelled: %w", context.Canceled)
	}
	return fmt.Errorf("generation cancelled: %w: %w", context.Canceled, cause)
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A cancelled caller never wants a retry.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Retryable()
	}

	if os.IsTimeout(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryableMessages := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"deadline exceeded",
		"i/o timeout",
	}
	for _, msg := range retryableMessages {
		if strings.Contains(errStr, msg) {
			return true
		}
	}

	return false
}
