package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrMissingAPIKey is returned when a provider that needs a key has none.
var ErrMissingAPIKey = errors.New("API key required")

// ErrorKind says whether a failed call is worth repeating.
type ErrorKind string

const (
	// KindTransient covers network faults, timeouts, rate limits and 5xx.
	KindTransient ErrorKind = "transient"
	// KindFatal covers auth failures and malformed requests.
	KindFatal ErrorKind = "fatal"
)

// Error is a classified gateway failure.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the call may succeed if repeated.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// NewError wraps err as a classified failure for provider.
func NewError(provider string, err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	return &Error{
		Kind:       Classify(err),
		Provider:   provider,
		StatusCode: StatusCode(err),
		Err:        err,
	}
}

// Classify maps an error returned by a provider or SDK onto an ErrorKind.
// Errors that cannot be attributed to the request itself are transient.
func Classify(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, ErrMissingAPIKey) || errors.Is(err, context.Canceled) {
		return KindFatal
	}
	if code := StatusCode(err); code != 0 {
		return ClassifyStatus(code)
	}
	// Timeouts, resets, refused connections and anything else that never
	// produced an HTTP response.
	return KindTransient
}

// ClassifyStatus maps an HTTP status code onto an ErrorKind.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}

// StatusCode extracts the HTTP status from SDK errors, or 0.
func StatusCode(err error) int {
	var le *Error
	if errors.As(err, &le) {
		return le.StatusCode
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}
