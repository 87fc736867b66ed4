package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine failure for the retry policy.
type Kind int

const (
	// KindTransient marks faults worth retrying (VAD-internal index faults,
	// transient model errors).
	KindTransient Kind = iota

	// KindPermanent marks faults that retrying cannot fix (bad input,
	// timeouts, unrecoverable engine state).
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Stable error codes surfaced to clients.
const (
	CodeAudioTooShort     = "audio_too_short"
	CodeUnsupportedFormat = "unsupported_format"
	CodeTaskTimeout       = "task_timeout"
	CodeEngineFault       = "engine_fault"
)

// Error is a classified engine failure.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine: %s (%s)", e.Code, e.Kind)
	}
	return fmt.Sprintf("engine: %s (%s): %v", e.Code, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable engine fault.
func Transient(code string, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Err: err}
}

// Permanent wraps err as a non-retryable engine fault.
func Permanent(code string, err error) *Error {
	return &Error{Kind: KindPermanent, Code: code, Err: err}
}

// IsTransient reports whether err is a classified transient engine fault.
func IsTransient(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind == KindTransient
	}
	return false
}

// CodeOf returns the stable error code of a classified engine fault, or
// CodeEngineFault if err carries no classification.
func CodeOf(err error) string {
	var ee *Error
	if errors.As(err, &ee) && ee.Code != "" {
		return ee.Code
	}
	return CodeEngineFault
}

// Classify assigns a Kind and code to an arbitrary engine error.
//
// Already-classified errors pass through unchanged. Context deadline
// expiry maps to a permanent task timeout. Known-bad-input signatures map to
// permanent input faults. Everything else is treated as transient: the
// reference engine occasionally throws internal VAD indexing faults on inputs
// that succeed on a second attempt.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ee *Error
	if errors.As(err, &ee) {
		return ee
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Permanent(CodeTaskTimeout, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "audio too short"), strings.Contains(msg, "empty audio"):
		return Permanent(CodeAudioTooShort, err)
	case strings.Contains(msg, "unsupported format"), strings.Contains(msg, "unknown codec"):
		return Permanent(CodeUnsupportedFormat, err)
	default:
		return Transient(CodeEngineFault, err)
	}
}
