// Package errtags implements the analyzer's three-kind error taxonomy:
// not-covered (recoverable), not-covered/timeout (recoverable + cache
// flush), and fatal.
package errtags

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// NotCovered means the analyzer cannot guarantee correctness for a
// request; the caller must fall back to local preprocessing.
type NotCovered struct {
	Reason          string
	TranslationUnit string
	OffendingFile   string
	cause           error
}

func (e *NotCovered) Error() string {
	if e.OffendingFile != "" {
		return fmt.Sprintf("not covered: %s (tu=%s file=%s)", e.Reason, e.TranslationUnit, e.OffendingFile)
	}
	return fmt.Sprintf("not covered: %s (tu=%s)", e.Reason, e.TranslationUnit)
}

func (e *NotCovered) Unwrap() error { return e.cause }

// NewNotCovered builds a NotCovered error for the given translation unit.
func NewNotCovered(tu, reason string) *NotCovered {
	return &NotCovered{Reason: reason, TranslationUnit: tu}
}

// WithFile attaches the offending file name and returns the receiver.
func (e *NotCovered) WithFile(file string) *NotCovered {
	e.OffendingFile = file
	return e
}

// WithCause wraps an underlying error without losing its message, using
// pkg/errors so the original stack/cause survives for logging.
func (e *NotCovered) WithCause(cause error) *NotCovered {
	e.cause = pkgerrors.Wrap(cause, e.Reason)
	return e
}

// Timeout is a NotCovered specialization: the per-request user-time
// quota was exceeded. It additionally signals the caller that a full
// cache reset is required (spec.md §7).
type Timeout struct {
	*NotCovered
}

func NewTimeout(tu string, quota string) *Timeout {
	return &Timeout{NotCovered: NewNotCovered(tu, "user-time quota exceeded ("+quota+")")}
}

// Fatal indicates an internal invariant violation, socket failure, or
// inability to create the client root. The process logs it, optionally
// reports it through a FatalReporter, and terminates.
type Fatal struct {
	Reason string
	cause  error
}

func (e *Fatal) Error() string {
	return fmt.Sprintf("fatal: %s", e.Reason)
}

func (e *Fatal) Unwrap() error { return e.cause }

func NewFatal(reason string, cause error) *Fatal {
	return &Fatal{Reason: reason, cause: pkgerrors.WithStack(cause)}
}

// IsNotCovered reports whether err (or any error it wraps) is a
// NotCovered — including the Timeout specialization.
func IsNotCovered(err error) bool {
	var nc *NotCovered
	if errors.As(err, &nc) {
		return true
	}
	var t *Timeout
	return errors.As(err, &t)
}

// IsTimeout reports whether err is specifically a Timeout.
func IsTimeout(err error) bool {
	var t *Timeout
	return errors.As(err, &t)
}

// IsFatal reports whether err is a Fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}
