// Package core provides the internal implementation of interject's call
// handler and history services.
package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrBadRequest is returned when a service receives a request it does not
// understand, or a malformed record. The service stays up.
var ErrBadRequest = errors.New("bad request")

// ErrStopped is returned by any operation on a service that has been stopped.
var ErrStopped = errors.New("service stopped")

// CallDescription identifies a replaced function: the unit that owns it plus
// its name. Assigned once at handler creation and never changed.
type CallDescription struct {
	Unit     string
	Function string
}

// String returns the unit-qualified function name.
func (d CallDescription) String() string {
	return d.Unit + "." + d.Function
}

// OutcomeKind tags how an invocation finished.
type OutcomeKind int

const (
	// Returned means the substitute behavior returned normally.
	Returned OutcomeKind = iota
	// Panicked means the substitute behavior panicked.
	Panicked
)

// Outcome is the tagged result of one invocation. For Returned outcomes
// Value holds the returned value; for Panicked outcomes PanicValue holds the
// value the substitute panicked with and Stack holds a best-effort capture
// of the worker's stack at recovery time.
type Outcome struct {
	Kind       OutcomeKind
	Value      any
	PanicValue any
	Stack      []byte
}

// CallRecord is one historical entry: which function was called, with what
// arguments, and how it finished. Immutable once appended.
type CallRecord struct {
	Description CallDescription
	Args        []any
	Outcome     Outcome
}

// panicEnvelope ferries a captured panic from a worker back to the caller
// that initiated the invocation. The token is generated fresh per invocation,
// so an envelope can never be confused with an envelope-shaped value the
// substitute itself returned: only the envelope carrying the waiting caller's
// own token is unwrapped.
type panicEnvelope struct {
	token uuid.UUID
	value any
	stack []byte
}

func (e panicEnvelope) String() string {
	return fmt.Sprintf("panicEnvelope(%s: %v)", e.token, e.value)
}
