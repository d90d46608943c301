package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind classifies a failed external call
type Kind string

const (
	// KindAuthExpired means the access token was rejected (401)
	KindAuthExpired Kind = "auth_expired"
	// KindRateLimited means the API asked us to slow down (429 or 5xx)
	KindRateLimited Kind = "rate_limited"
	// KindRequestRejected means the API refused the request itself (other 4xx)
	KindRequestRejected Kind = "request_rejected"
	// KindTransient covers network failures that survived transport retries
	KindTransient Kind = "transient"
)

// Error is returned by every Gateway operation that fails
type Error struct {
	Kind      Kind
	Operation string
	Status    int
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Operation, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Operation, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a gateway error, or "" for other errors
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ""
}

// IsAuthExpired reports whether err is an AuthExpired gateway error
func IsAuthExpired(err error) bool { return KindOf(err) == KindAuthExpired }

// Retryable reports whether the same call may succeed after a backoff
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	}
	return false
}

// rejection returns the API message of a RequestRejected error
func rejection(err error) (string, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Kind == KindRequestRejected {
		return gwErr.Message, true
	}
	return "", false
}

// apiErrorBody is the error envelope of Google APIs
type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// classifyStatus maps an HTTP status to an error kind
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthExpired
	case status == http.StatusTooManyRequests, status >= 500:
		return KindRateLimited
	default:
		return KindRequestRejected
	}
}

// responseError builds an Error from a non-2xx response, keeping the API
// message so it can be shown to the user.
func responseError(operation string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	message := http.StatusText(resp.StatusCode)
	var envelope apiErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	} else if text := strings.TrimSpace(string(body)); text != "" && len(text) < 512 {
		message = text
	}

	return &Error{
		Kind:      classifyStatus(resp.StatusCode),
		Operation: operation,
		Status:    resp.StatusCode,
		Message:   message,
	}
}

func transportError(operation string, err error) *Error {
	return &Error{
		Kind:      KindTransient,
		Operation: operation,
		Message:   err.Error(),
		Err:       err,
	}
}
