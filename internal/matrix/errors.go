package matrix

import (
	"encoding/json"
	"errors"
	"fmt"
)

// APIError represents a structured error response from the homeserver.
// Callers can use errors.As to extract the structured information:
//
//	var apiErr *matrix.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == matrix.ErrCodeUserInUse { ... }
//	}
type APIError struct {
	// Code is the protocol error code (e.g., "M_FORBIDDEN", "M_USER_IN_USE").
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard protocol error codes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeUserInUse     = "M_USER_IN_USE"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
)

// IsAPIError checks whether err is a *APIError with the given error code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// AuthRequiredError is returned when the server responds 401, demanding
// additional authentication stages. It carries the structured flows
// payload so the caller can decide how to proceed. Never retried.
type AuthRequiredError struct {
	// Flows lists the authentication flows the server accepts.
	Flows []AuthFlow `json:"flows"`
	// Session is the server-assigned auth session identifier.
	Session string `json:"session"`
	// Params carries per-stage parameters, kept raw for the caller.
	Params json.RawMessage `json:"params"`
	// Completed lists stages already satisfied in this session.
	Completed []string `json:"completed"`
}

// AuthFlow is one acceptable sequence of authentication stages.
type AuthFlow struct {
	Stages []string `json:"stages"`
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("matrix: authentication required (%d flows)", len(e.Flows))
}

// RateLimitError is the structured 429 payload. The retrying executor
// absorbs these; callers only see one if retries were exhausted through
// ErrRateLimitExceeded, which wraps the final RateLimitError.
type RateLimitError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
	// RetryAfterMS is the server-suggested delay before retrying, in
	// milliseconds. Zero means the server offered no suggestion.
	RetryAfterMS int64 `json:"retry_after_ms"`
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("matrix: rate limited: %s (retry after %dms)", e.Message, e.RetryAfterMS)
}

// ErrRateLimitExceeded signals that the retry backoff grew past its
// ceiling and the request was abandoned.
var ErrRateLimitExceeded = errors.New("matrix: rate limit retry ceiling exceeded")
