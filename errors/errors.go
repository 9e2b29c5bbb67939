// Package errors provides basic utilities to construct errors.
//
// To construct new errors or wrap other errors, use this package rather
// than the standard library (errors.New, fmt.Errorf). This package
// records stack traces and chained errors, and leaves nicely formatted
// logs when tests fail.
//
// To construct a new error, use New or Errorf.
//
//	errors.New("fixture not found")
//	errors.Errorf("fixture %q not found", name)
//
// To construct an error by adding context to an existing error, use Wrap
// or Wrapf.
//
//	errors.Wrap(err, "failed to tear down fixture")
//
// A stack trace can be printed by formatting an error with the "%+v" verb.
package errors

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// Kind classifies an error into one of the taxonomy entries from the
// error handling design. The zero value, KindUnspecified, is used for
// errors that do not belong to the taxonomy (e.g. plain wrapped I/O
// errors).
type Kind int

const (
	KindUnspecified Kind = iota
	KindFixtureCycle
	KindDuplicateFixture
	KindNoSuchFixture
	KindScopeMismatch
	KindFixtureDoubleYield
	KindTestAssertion
	KindTimeout
	KindHookFailure
	KindWorkerCrash
	KindFatalError
	KindTeardownError
	KindConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case KindFixtureCycle:
		return "FixtureCycle"
	case KindDuplicateFixture:
		return "DuplicateFixture"
	case KindNoSuchFixture:
		return "NoSuchFixture"
	case KindScopeMismatch:
		return "ScopeMismatch"
	case KindFixtureDoubleYield:
		return "FixtureDoubleYield"
	case KindTestAssertion:
		return "TestAssertion"
	case KindTimeout:
		return "Timeout"
	case KindHookFailure:
		return "HookFailure"
	case KindWorkerCrash:
		return "WorkerCrash"
	case KindFatalError:
		return "FatalError"
	case KindTeardownError:
		return "TeardownError"
	case KindConfigInvalid:
		return "ConfigInvalid"
	default:
		return "Unspecified"
	}
}

// E is the error implementation used by this package.
type E struct {
	msg   string
	kind  Kind
	stk   []uintptr
	cause error
}

// Error implements the error interface.
func (e *E) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.msg, e.cause.Error())
}

// Unwrap implements the error Unwrap interface.
func (e *E) Unwrap() error {
	return e.cause
}

// Kind returns the taxonomy kind attached to e, or the first non-zero
// kind found while unwrapping its cause chain.
func (e *E) Kind() Kind {
	if e.kind != KindUnspecified {
		return e.kind
	}
	var inner *E
	if errors.As(e.cause, &inner) {
		return inner.Kind()
	}
	return KindUnspecified
}

// Format implements fmt.Formatter. "%+v" prints the full error chain with
// stack traces; any other verb behaves like Error().
func (e *E) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		io.WriteString(s, formatChain(e))
		return
	}
	io.WriteString(s, e.Error())
}

func formatChain(err error) string {
	var chain []string
	for err != nil {
		if e, ok := err.(*E); ok {
			chain = append(chain, fmt.Sprintf("%s\n%s", e.msg, formatStack(e.stk)))
			err = e.cause
		} else {
			chain = append(chain, err.Error())
			err = nil
		}
	}
	return strings.Join(chain, "\n")
}

func formatStack(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "\tat %s (%s:%d)\n", frame.Function, filepath.Base(frame.File), frame.Line)
		if !more {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func callers() []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

// New creates a new error with the given message, recording the call site.
func New(msg string) *E {
	return &E{msg: msg, stk: callers()}
}

// Errorf creates a new error with the given formatted message, recording
// the call site.
func Errorf(format string, args ...interface{}) *E {
	return &E{msg: fmt.Sprintf(format, args...), stk: callers()}
}

// Wrap creates a new error with the given message, wrapping cause.
// If cause is nil, this behaves like New.
func Wrap(cause error, msg string) *E {
	return &E{msg: msg, stk: callers(), cause: cause}
}

// Wrapf creates a new error with the given formatted message, wrapping
// cause. If cause is nil, this behaves like Errorf.
func Wrapf(cause error, format string, args ...interface{}) *E {
	return &E{msg: fmt.Sprintf(format, args...), stk: callers(), cause: cause}
}

// NewKind creates a new taxonomy-classified error with a formatted message.
func NewKind(kind Kind, format string, args ...interface{}) *E {
	return &E{msg: fmt.Sprintf(format, args...), kind: kind, stk: callers()}
}

// WrapKind creates a new taxonomy-classified error with a formatted
// message, wrapping cause.
func WrapKind(kind Kind, cause error, format string, args ...interface{}) *E {
	return &E{msg: fmt.Sprintf(format, args...), kind: kind, stk: callers(), cause: cause}
}

// KindOf returns the taxonomy Kind associated with err, walking the
// error chain. Returns KindUnspecified if err is nil or carries no kind.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindUnspecified
}

// Is is a wrapper of the standard library errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is a wrapper of the standard library errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Unwrap is a wrapper of the standard library errors.Unwrap.
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is a wrapper of the standard library errors.Join.
func Join(errs ...error) error { return errors.Join(errs...) }
