// Package errs classifies errors so callers can decide whether to
// retry, surface, or halt without inspecting error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the classification attached to an error.
type Kind uint8

const (
	Unknown Kind = iota
	// InvalidInput marks a caller contract violation. Never retried.
	InvalidInput
	// Unavailable marks a dependency that is down or timed out. The
	// caller skips the current cycle and the next tick retries.
	Unavailable
	// Conflict marks a uniqueness or quota violation on write.
	Conflict
	// NotFound marks a lookup for a row that does not exist.
	NotFound
	// Stale marks data served past its freshness horizon.
	Stale
	// Transient marks a recoverable failure worth a bounded retry.
	Transient
	// Fatal marks an invariant violation. The affected driver halts.
	Fatal
)

// String returns the metric-friendly label for the kind.
func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case Unavailable:
		return "unavailable"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case Stale:
		return "stale"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind and the operation that produced it. Op follows
// the "component.Operation" convention, e.g. "store.InsertSignal".
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with an operation name and a kind.
func E(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Errorf is E with fmt-style message construction.
func Errorf(op string, kind Kind, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the
// chain, or Unknown when nothing in the chain is classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether the outermost classified error carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// OpOf returns the operation of the outermost classified error.
func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// Retryable reports whether a bounded retry may help. Unclassified
// errors are treated as retryable so transport glitches are not
// dropped on the floor.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case Transient, Unavailable, Unknown:
		return true
	default:
		return false
	}
}
