// Package errkind classifies failures so callers can apply the right
// retry policy mechanically instead of pattern-matching error strings.
//
// Kinds:
//   - Transient: network/timeout/5xx from an external system. Safe to
//     retry on the next scheduled tick, never immediately.
//   - Validation: bad local state (missing bank account, malformed
//     reference). Abort that payment's processing; no automatic retry.
//   - Consistency: local state and an external ledger disagree. Flag for
//     the recovery monitor; never auto-correct.
//   - Fatal: unsafe configuration (missing custody wallet key). Abort the
//     entire scheduled run.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	Unknown Kind = iota
	Transient
	Validation
	Consistency
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case Consistency:
		return "consistency"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Error wraps an underlying error with a failure class and the operation
// that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// New creates a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or Unknown if it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsTransient reports whether err should be retried on a later tick.
func IsTransient(err error) bool { return KindOf(err) == Transient }

// IsValidation reports whether err is a non-retryable local-state error.
func IsValidation(err error) bool { return KindOf(err) == Validation }

// IsConsistency reports whether err is a store/ledger disagreement.
func IsConsistency(err error) bool { return KindOf(err) == Consistency }

// IsFatal reports whether err must abort the whole scheduled run.
func IsFatal(err error) bool { return KindOf(err) == Fatal }
