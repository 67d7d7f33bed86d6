package transport

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrMissingCredential indicates the identity could not supply a bearer token.
var ErrMissingCredential = errors.New("missing bearer token")

// ErrUnknownAuthKind indicates no transport is registered for an auth kind.
var ErrUnknownAuthKind = errors.New("no transport for auth kind")

const maxErrorBody = 512

// TransportError reports a non-2xx response or an exceeded deadline from the
// agent endpoint.
type TransportError struct {
	Transport string
	Status    int
	Body      string
	Timeout   bool
	Err       error
}

func (e *TransportError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s transport: agent endpoint timed out", e.Transport)
	case e.Status > 0:
		return fmt.Sprintf("%s transport: agent endpoint returned HTTP %d: %s", e.Transport, e.Status, truncate(e.Body, maxErrorBody))
	case e.Err != nil:
		return fmt.Sprintf("%s transport: %v", e.Transport, e.Err)
	default:
		return fmt.Sprintf("%s transport: %s", e.Transport, truncate(e.Body, maxErrorBody))
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Reason is a short label used for metrics.
func (e *TransportError) Reason() string {
	switch {
	case e.Timeout:
		return "timeout"
	case e.Status > 0:
		return fmt.Sprintf("http_%d", e.Status)
	default:
		return "stream"
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
