package relay

import (
	"errors"
	"fmt"
)

// Kind classifies a failed chat or stats request.
type Kind int

const (
	// KindInternal is an unexpected fault; the message is generic.
	KindInternal Kind = iota
	// KindUnauthorized means the token matches no user.
	KindUnauthorized
	// KindInactive means the user is disabled.
	KindInactive
	// KindQuotaExceeded means the usage cap is reached.
	KindQuotaExceeded
	// KindRateLimited means the daily request ceiling is reached.
	KindRateLimited
	// KindValidation means the request is malformed.
	KindValidation
	// KindUpstream means the model call failed.
	KindUpstream
)

// String returns the error code sent to clients.
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindInactive:
		return "inactive"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation_error"
	case KindUpstream:
		return "upstream_failure"
	default:
		return "internal_error"
	}
}

// Error is returned by Service for every rejected request.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	return KindInternal
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func internalError(cause error) *Error {
	return newError(KindInternal, "Internal server error", cause)
}
