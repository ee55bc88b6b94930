package llmclient

import (
	"errors"
	"net"
)

// ErrMalformed tags an unparseable LLM response — the item's retry_count
// is still bumped, but the caller never treats it as transient.
var ErrMalformed = errors.New("malformed llm response")

// TransientError wraps a timeout, 5xx or 429 so callers can distinguish
// "worth retrying" from a permanent failure.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// IsTransient reports whether err should be retried with backoff rather
// than counted as a hard failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
