package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a publish failure for the retry policy.
type Kind int

const (
	// KindTransient failures (timeouts, 429s, 5xx) are worth retrying.
	KindTransient Kind = iota
	// KindPermanent failures (rejected content, bad credentials, unknown
	// platform) finalize the post as errored immediately.
	KindPermanent
)

// Error is the normalized publish failure.
type Error struct {
	Platform string
	Kind     Kind
	Message  string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Platform, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Transient builds a retryable failure.
func Transient(platform, format string, args ...any) *Error {
	return &Error{Platform: platform, Kind: KindTransient, Message: fmt.Sprintf(format, args...)}
}

// Permanent builds a non-retryable failure.
func Permanent(platform, format string, args ...any) *Error {
	return &Error{Platform: platform, Kind: KindPermanent, Message: fmt.Sprintf(format, args...)}
}

// WrapTransport classifies a transport-level error from an HTTP round trip.
// Timeouts and network errors are transient; a cancelled context propagates
// as transient too, since the attempt simply never completed.
func WrapTransport(platform string, err error) *Error {
	kind := KindTransient
	msg := "request failed"
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		msg = "request timed out"
	}
	return &Error{Platform: platform, Kind: kind, Message: msg, cause: err}
}

// IsTransient reports whether err is a retryable publish failure. Anything
// that is not a classified *Error counts as transient: an unclassified error
// says nothing about the content, so retrying is the safe default.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient
	}
	return true
}

// classifyStatus maps an HTTP status to a failure kind: 429 and 5xx are
// transient, every other non-2xx is permanent.
func classifyStatus(status int) Kind {
	if status == 429 || status >= 500 {
		return KindTransient
	}
	return KindPermanent
}

func statusError(platform string, status int, detail string) *Error {
	return &Error{
		Platform: platform,
		Kind:     classifyStatus(status),
		Message:  fmt.Sprintf("status %d: %s", status, detail),
	}
}
