// Package errors implements the closed error-kind taxonomy shared by every
// orchestration component: Contention, Validation, GateRejection,
// TransientExternal, PermanentExternal, and Corruption.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the six buckets every caller needs
// to branch on: retry locally, retry later, surface to a human, or halt.
type Kind string

// The six error kinds.
const (
	// KindContention marks an optimistic-concurrency or lock-acquisition
	// race that a caller should retry immediately against fresh state.
	KindContention Kind = "contention"

	// KindValidation marks a caller-supplied value that fails a structural
	// or business-rule check; retrying with the same input never helps.
	KindValidation Kind = "validation"

	// KindGateRejection marks a phase-transition or join that was refused
	// by an evaluation gate, not by infrastructure failure.
	KindGateRejection Kind = "gate_rejection"

	// KindTransientExternal marks a failure in a dependency (sandbox
	// runtime, external resolver) that is expected to recover; callers
	// should back off and retry.
	KindTransientExternal Kind = "transient_external"

	// KindPermanentExternal marks a failure in a dependency that will not
	// recover on retry (e.g. the dependency rejected the request outright).
	KindPermanentExternal Kind = "permanent_external"

	// KindCorruption marks an invariant violation discovered in stored
	// state — a DAG cycle, an orphaned reference — that should halt the
	// owning operation and page a human rather than retry.
	KindCorruption Kind = "corruption"
)

// Error is the concrete error type every component wraps domain failures
// in. Callers use errors.As to recover it and switch on Kind().
type Error struct {
	kind   Kind
	op     string
	err    error
	Fields map[string]any
}

// New constructs an Error of the given kind for operation op, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{kind: kind, op: op, err: err}
}

// Newf constructs an Error of the given kind for operation op from a
// formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{kind: kind, op: op, err: fmt.Errorf(format, args...)}
}

// WithField attaches a structured detail to the error and returns it,
// for chaining at construction time.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 1)
	}
	e.Fields[key] = value
	return e
}

// Kind reports the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Op reports the operation name the error occurred in.
func (e *Error) Op() string { return e.op }

func (e *Error) Error() string {
	if e.op == "" {
		return fmt.Sprintf("[%s] %v", e.kind, e.err)
	}
	return fmt.Sprintf("%s: [%s] %v", e.op, e.kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether err is an *Error with the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.kind == kind
}

// KindOf returns the Kind of err if it wraps an *Error, and ok=false
// otherwise.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.kind, true
}

// Sentinel errors for conditions that are checked by identity across
// packages rather than by Kind alone.
var (
	// ErrNotFound is returned when a lookup by id finds no row.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned by a create operation that collides
	// with an existing unique key.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrConcurrentModification is returned when an optimistic-concurrency
	// write loses the race: the row's version no longer matches the one
	// read by the caller.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrCycleDetected is returned when a proposed dependency edge would
	// introduce a cycle into a task DAG.
	ErrCycleDetected = errors.New("dependency cycle detected")
)

// NotFound wraps ErrNotFound as a KindValidation *Error (a missing row is
// always caller error from the perspective of the component returning it).
func NotFound(op string, id string) *Error {
	return Newf(KindValidation, op, "%w: id=%s", ErrNotFound, id)
}

// Concurrent wraps ErrConcurrentModification as a KindContention *Error.
func Concurrent(op string, id string) *Error {
	return Newf(KindContention, op, "%w: id=%s", ErrConcurrentModification, id)
}
