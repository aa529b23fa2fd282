package relay

import (
	"errors"
)

// Error taxonomy of the relay. Callers match with errors.Is.
var (
	// ErrSessionExpired means the user has no live session or its request timed out.
	ErrSessionExpired = errors.New("session expired")
	// ErrCorrelationMiss means an upstream reply could not be tied to a live request.
	ErrCorrelationMiss = errors.New("correlation miss")
	// ErrUpstreamError means the counterpart answered with an error or no results.
	ErrUpstreamError = errors.New("upstream error")
	// ErrUpstreamUnavailable means the automation transport failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvalidRequest means the user input or action token was rejected.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrTimeout means a reply arrived after its request deadline.
	ErrTimeout = errors.New("request timed out")
)

// Kind returns a stable machine-readable name for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrCorrelationMiss):
		return "correlation_miss"
	case errors.Is(err, ErrUpstreamError):
		return "upstream_error"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}

// UserMessage renders err as plain-language text for an end user.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrSessionExpired):
		return "❌ Session expired. Please start a new search."
	case errors.Is(err, ErrUpstreamError):
		return "❌ Nothing found for that search. Check the spelling or try another query."
	case errors.Is(err, ErrUpstreamUnavailable):
		return "❌ Service temporarily unavailable. Please try again later."
	case errors.Is(err, ErrInvalidRequest):
		return "❌ Invalid request. Please start a new search."
	case errors.Is(err, ErrTimeout):
		return "⌛ The search took too long. Please try again."
	default:
		return "❌ An error occurred. Please try again."
	}
}
