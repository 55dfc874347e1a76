package stack

import (
	"errors"
	"fmt"
)

// ParseErrorKind identifies why address text was rejected
type ParseErrorKind string

const (
	Malformed ParseErrorKind = "malformed"
)

// ParseError reports address text that is not in the canonical form
type ParseError struct {
	Kind   ParseErrorKind
	Input  string
	Reason string
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Input == "" && e.Reason == "" {
		return fmt.Sprintf("%s address", e.Kind)
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s address %q", e.Kind, e.Input)
	}
	return fmt.Sprintf("%s address %q: %s", e.Kind, e.Input, e.Reason)
}

// Is allows errors.Is to compare ParseError values by Kind
func (e *ParseError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ParseError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// ErrMalformed matches every malformed-address ParseError
var ErrMalformed = &ParseError{Kind: Malformed}

// StackError reports a failed call into the underlying Bluetooth stack.
// It is never fatal on its own; callers decide (only bring-up aborts).
type StackError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *StackError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("stack %s failed: %v", e.Op, e.Err)
}

// Unwrap exposes the backend error
func (e *StackError) Unwrap() error {
	return e.Err
}

// WrapStackError returns nil for a nil err, otherwise a *StackError for op.
func WrapStackError(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *StackError
	if errors.As(err, &serr) && serr.Op == op {
		return err
	}
	return &StackError{Op: op, Err: err}
}

// IsStackError reports whether err carries a *StackError
func IsStackError(err error) bool {
	var serr *StackError
	return errors.As(err, &serr)
}

// Backend-neutral errors
var (
	ErrNotSupported     = errors.New("not supported")
	ErrClosed           = errors.New("stack closed")
	ErrUnknownHandle    = errors.New("unknown connection handle")
	ErrNoPendingPairing = errors.New("no pending pairing request")
	ErrTruncatedEIR     = errors.New("truncated EIR data")
)
