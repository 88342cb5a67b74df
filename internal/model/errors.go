// Package model holds value types and error kinds shared across the
// verification pipeline: tensors, trials, windows, embeddings, and the
// ErrorKind taxonomy every stage reports through.
package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the internal failure taxonomy from SPEC_FULL.md §7. It is
// never exposed directly to external callers of internal/verify — the
// service boundary always returns a uniform reject, and only internal
// logs/metrics and the attribution artifact carry the kind.
type ErrorKind int

const (
	// ErrKindNone indicates success; present so the zero value is meaningful.
	ErrKindNone ErrorKind = iota
	// ErrKindInputFormat is a malformed recording or missing channels.
	ErrKindInputFormat
	// ErrKindEmptyTrial is a trial with too few samples.
	ErrKindEmptyTrial
	// ErrKindProbeTooShort is a probe trial too short to window.
	ErrKindProbeTooShort
	// ErrKindFilter is numerical instability in a filter stage.
	ErrKindFilter
	// ErrKindNumeric is a non-finite value in a signal or model output.
	ErrKindNumeric
	// ErrKindUnknownUser is a claimed identity with no prototype entry.
	ErrKindUnknownUser
	// ErrKindModelNotLoaded is the core invoked before startup completed.
	ErrKindModelNotLoaded
	// ErrKindTimeout is a verification that exceeded its hard deadline.
	ErrKindTimeout
)

// String returns the lower_snake_case name used in logs and metrics labels.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindNone:
		return "none"
	case ErrKindInputFormat:
		return "input_format"
	case ErrKindEmptyTrial:
		return "empty_trial"
	case ErrKindProbeTooShort:
		return "probe_too_short"
	case ErrKindFilter:
		return "filter"
	case ErrKindNumeric:
		return "numeric"
	case ErrKindUnknownUser:
		return "unknown_user"
	case ErrKindModelNotLoaded:
		return "model_not_loaded"
	case ErrKindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// KindError wraps an underlying cause with its ErrorKind. Internal callers
// use errors.As to recover the kind; external callers of the verify API
// never receive one directly (see internal/verify.Verify).
type KindError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// NewError builds a *KindError for op/kind, optionally wrapping cause.
func NewError(op string, kind ErrorKind, cause error) *KindError {
	return &KindError{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrKindNone if err
// does not wrap a *KindError.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrKindNone
}
