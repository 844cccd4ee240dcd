package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Error kinds. Every *Error wraps exactly one of these so callers can branch
// with errors.Is without inspecting reason strings.
var (
	ErrValidation      = stderrors.New("validation error")
	ErrStaleState      = stderrors.New("stale state")
	ErrSignature       = stderrors.New("signature error")
	ErrAuthorization   = stderrors.New("authorization error")
	ErrHubDisagreement = stderrors.New("hub disagreement")
	ErrChainState      = stderrors.New("chain state error")
)

// Error is the structured failure surfaced by the channel protocol and the
// adjudicator. Reason is a stable code (for reverts it is the verbatim revert
// reason). Expected and Actual are filled when a recomputed value disagrees
// with a supplied one.
type Error struct {
	Kind     error
	Reason   string
	Detail   string
	Expected string
	Actual   string
	Err      error
}

// New returns an error of the given kind.
func New(kind error, reason string, format string, args ...any) *Error {
	e := &Error{Kind: kind, Reason: reason}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}

// Mismatch reports a disagreement between a locally recomputed value and the
// one that was supplied.
func Mismatch(kind error, reason, field string, expected, actual any) *Error {
	return &Error{
		Kind:     kind,
		Reason:   reason,
		Detail:   field,
		Expected: fmt.Sprint(expected),
		Actual:   fmt.Sprint(actual),
	}
}

// Revert builds an on-chain revert whose message is exactly reason.
func Revert(reason string) *Error {
	return &Error{Kind: ErrChainState, Reason: reason}
}

// Wrap attaches a cause.
func (e *Error) Wrap(err error) *Error {
	clone := *e
	clone.Err = err
	return &clone
}

// With returns a copy carrying additional detail while keeping the reason.
func (e *Error) With(format string, args ...any) *Error {
	clone := *e
	clone.Detail = fmt.Sprintf(format, args...)
	return &clone
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(e.Reason)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, got %s)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Is matches another *Error with the same kind and reason, which lets
// packages declare reason sentinels such as Revert("OutdatedState").
func (e *Error) Is(target error) bool {
	var other *Error
	if !stderrors.As(target, &other) || other == nil {
		return false
	}
	if other.Reason == "" || other.Reason != e.Reason {
		return false
	}
	return other.Kind == nil || other.Kind == e.Kind
}

// ReasonOf returns the reason of the first *Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ""
}

// Retryable reports whether the error allows re-fetching fresh state and
// rebuilding the proposal. Signature and authorization failures never are.
func Retryable(err error) bool {
	return stderrors.Is(err, ErrStaleState)
}
