// Package errors implements the error taxonomy of a training run: which failures
// abort before any computation and which are only reported.
package errors

import (
	"errors"
	"fmt"
)

// Kind represents the classification of a failure.
// Each kind has a defined handling policy in the training pipeline.
type Kind int

const (
	// KindConfiguration indicates missing or invalid configuration keys and
	// unreadable or unwritable paths. Fatal, detected before computation.
	KindConfiguration Kind = iota

	// KindDataConsistency indicates inputs that do not agree with each other.
	// Examples: a target node absent from the node universe, X/Y/A shapes
	// that do not match the compiled stack.
	KindDataConsistency

	// KindNumerical indicates non-finite losses or parameters.
	// Reported, not fatal unless the run asks to halt on them.
	KindNumerical

	// KindEmptySubset indicates an evaluation over zero rows.
	KindEmptySubset

	// KindIO indicates a failed read or write of an archive, snapshot or store.
	KindIO
)

var kindNames = map[Kind]string{
	KindConfiguration:   "configuration",
	KindDataConsistency: "data_consistency",
	KindNumerical:       "numerical",
	KindEmptySubset:     "empty_subset",
	KindIO:              "io",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Fatal reports whether errors of this kind must abort the run before the
// training loop is entered.
func (k Kind) Fatal() bool {
	return k != KindNumerical
}

// Error wraps an error with its kind and the operation that produced it.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if sentinel, ok := e.Underlying.(*Error); ok && sentinel.Underlying == nil {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, sentinel.Message, msg)
	}
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message wrapping sentinel.
// The sentinel's kind is inherited and errors.Is(err, sentinel) holds.
func Newf(sentinel *Error, op, format string, args ...any) error {
	return &Error{
		Kind:       sentinel.Kind,
		Op:         op,
		Message:    fmt.Sprintf(format, args...),
		Underlying: sentinel,
	}
}

// Wrap wraps err with a kind and operation. Existing kinds are preserved.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		kind = e.Kind
	}
	return &Error{Kind: kind, Op: op, Message: "failed", Underlying: err}
}

// KindOf extracts the Kind from an error, defaulting to KindIO for
// unclassified errors since those originate from the environment.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return err != nil && KindOf(err).Fatal()
}

// Sentinel errors, matched with errors.Is.
var (
	ErrInvalidConfig  = New(KindConfiguration, "invalid configuration")
	ErrUnreadablePath = New(KindConfiguration, "path is not readable")
	ErrUnwritablePath = New(KindConfiguration, "path is not writable")
	ErrShapeMismatch  = New(KindDataConsistency, "shape mismatch")
	ErrUnknownNode    = New(KindDataConsistency, "unknown node")
	ErrInvalidSplit   = New(KindDataConsistency, "invalid split")
	ErrNoTargets      = New(KindDataConsistency, "no labeled targets")
	ErrNonFinite      = New(KindNumerical, "non-finite value")
	ErrEmptySubset    = New(KindEmptySubset, "empty subset")
	ErrCorruptArchive = New(KindIO, "corrupt archive")
)
