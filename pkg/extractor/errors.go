package extractor

import (
	"errors"

	"github.com/jmylchreest/notemine/pkg/llm"
)

// ErrorKind classifies why an attempt failed.
type ErrorKind string

const (
	KindTransientTransport ErrorKind = "transient_transport"
	KindFatalTransport     ErrorKind = "fatal_transport"
	KindParse              ErrorKind = "parse_error"
	KindValidation         ErrorKind = "validation_error"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	return k != KindFatalTransport
}

// Error is the failure of a single attempt.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// transportError classifies a gateway failure.
func transportError(err error) *Error {
	if llm.Classify(err) == llm.KindFatal {
		return &Error{Kind: KindFatalTransport, Err: err}
	}
	return &Error{Kind: KindTransientTransport, Err: err}
}

// KindOf returns the ErrorKind carried by err, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
