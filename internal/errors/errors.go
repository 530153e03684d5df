package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure by how the client layer reacts to it. Only
// KindAuthExpired is handled locally (via token renewal); every other
// kind propagates to the caller unchanged.
type Kind string

const (
	// KindAuthExpired is a 401 on a standard call; the pipeline renews
	// the session and replays the call once.
	KindAuthExpired Kind = "AUTH_EXPIRED"
	// KindAuthInvalid is a terminal authorization failure: a failing
	// credential call, or a second 401 after a successful renewal.
	KindAuthInvalid Kind = "AUTH_INVALID"
	// KindRateLimited is a 429; surfaced verbatim with its Retry-After,
	// never retried by this layer.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindNetworkUnreachable means no response arrived at all.
	KindNetworkUnreachable Kind = "NETWORK_UNREACHABLE"
	// KindServerError is any 5xx, surfaced unchanged.
	KindServerError Kind = "SERVER_ERROR"
	// KindValidationRejected is any 4xx other than 401/429.
	KindValidationRejected Kind = "VALIDATION_REJECTED"
)

// Wire error codes shared with the platform API's error bodies.
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeInvalidToken  = "INVALID_TOKEN"
	CodeTokenExpired  = "TOKEN_EXPIRED"
	CodeInvalidLogin  = "INVALID_LOGIN"
	CodeRateLimited   = "RATE_LIMIT_EXCEEDED"
	CodeValidation    = "VALIDATION_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeInternal      = "INTERNAL_ERROR"
	CodeNetwork       = "NETWORK_ERROR"
	CodeSessionClosed = "SESSION_CLOSED"
)

// APIError is the normalized shape every request failure takes on its
// way out of the pipeline.
type APIError struct {
	Kind       Kind          `json:"kind"`
	StatusCode int           `json:"statusCode,omitempty"`
	ErrorCode  string        `json:"code,omitempty"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	cause      error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *APIError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// New creates a new APIError.
func New(kind Kind, statusCode int, code, message string) *APIError {
	return &APIError{
		Kind:       kind,
		StatusCode: statusCode,
		ErrorCode:  code,
		Message:    message,
	}
}

// Common constructors

func AuthExpired(code, message string) *APIError {
	if code == "" {
		code = CodeTokenExpired
	}
	return New(KindAuthExpired, 401, code, message)
}

func AuthInvalid(code, message string) *APIError {
	if code == "" {
		code = CodeUnauthorized
	}
	return New(KindAuthInvalid, 401, code, message)
}

func RateLimited(message string, retryAfter time.Duration) *APIError {
	e := New(KindRateLimited, 429, CodeRateLimited, message)
	e.RetryAfter = retryAfter
	return e
}

func NetworkUnreachable(cause error) *APIError {
	return New(KindNetworkUnreachable, 0, CodeNetwork, "request did not reach the server").WithCause(cause)
}

func ServerError(statusCode int, code, message string) *APIError {
	return New(KindServerError, statusCode, code, message)
}

func ValidationRejected(statusCode int, code, message string) *APIError {
	return New(KindValidationRejected, statusCode, code, message)
}

// FromStatus maps an HTTP failure status onto the taxonomy. A 401 maps
// to KindAuthExpired; callers that know the call was a credential call
// reclassify it themselves.
func FromStatus(statusCode int, code, message string, retryAfter time.Duration) *APIError {
	switch {
	case statusCode == 401:
		return AuthExpired(code, message)
	case statusCode == 429:
		return RateLimited(message, retryAfter)
	case statusCode >= 500:
		return ServerError(statusCode, code, message)
	default:
		return ValidationRejected(statusCode, code, message)
	}
}

// AsAPIError converts an error to an APIError if possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind Kind) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Kind == kind
	}
	return false
}

// RetryAfterHint returns the server-provided backoff for rate-limited
// errors.
func RetryAfterHint(err error) (time.Duration, bool) {
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindRateLimited {
		return 0, false
	}
	return apiErr.RetryAfter, true
}
