// Package apperr classifies the failures surfaced by the notebuddy client core.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindBackendUnavailable
	KindSessionExpired
	KindTimeoutExceeded
	KindNetworkError
	KindPayloadTooLarge
	KindValidation
	KindTranscriptionFailed
)

func (k Kind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindSessionExpired:
		return "session_expired"
	case KindTimeoutExceeded:
		return "timeout_exceeded"
	case KindNetworkError:
		return "network_error"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindValidation:
		return "validation_error"
	case KindTranscriptionFailed:
		return "transcription_failed"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks. Any *Error of the same kind matches.
var (
	ErrBackendUnavailable  = &Error{Kind: KindBackendUnavailable, Message: "The server is still starting up. Please try again in a moment."}
	ErrSessionExpired      = &Error{Kind: KindSessionExpired, Message: "Your session has expired. Please log in again."}
	ErrTimeoutExceeded     = &Error{Kind: KindTimeoutExceeded, Message: "Request timed out. The server might be slow to respond."}
	ErrNetwork             = &Error{Kind: KindNetworkError, Message: "Network error. Please try again."}
	ErrPayloadTooLarge     = &Error{Kind: KindPayloadTooLarge, Message: "File is too large."}
	ErrValidation          = &Error{Kind: KindValidation, Message: "Invalid input."}
	ErrTranscriptionFailed = &Error{Kind: KindTranscriptionFailed, Message: "Transcription failed."}
)

// Error is a classified failure with a message fit for display.
type Error struct {
	Kind    Kind
	Op      string // operation or endpoint, e.g. "POST /upload-audio"
	Message string
	Status  int // HTTP status when the failure came from a response
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind. The message defaults to the sentinel's.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: DefaultMessage(kind), Err: err}
}

// Validation reports missing or malformed user input.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the user-facing message of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// Retryable reports whether err is transient and worth retrying locally.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindBackendUnavailable, KindTimeoutExceeded, KindNetworkError:
		return true
	default:
		return false
	}
}

// DefaultMessage returns the user-facing message for kind.
func DefaultMessage(kind Kind) string {
	switch kind {
	case KindBackendUnavailable:
		return ErrBackendUnavailable.Message
	case KindSessionExpired:
		return ErrSessionExpired.Message
	case KindTimeoutExceeded:
		return ErrTimeoutExceeded.Message
	case KindNetworkError:
		return ErrNetwork.Message
	case KindPayloadTooLarge:
		return ErrPayloadTooLarge.Message
	case KindValidation:
		return ErrValidation.Message
	case KindTranscriptionFailed:
		return ErrTranscriptionFailed.Message
	default:
		return "unexpected error"
	}
}
