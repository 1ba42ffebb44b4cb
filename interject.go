// Package interject lets test code transparently replace the implementation
// of a chosen function inside a running program, observe every call made to
// it, and later restore the original implementation without destabilizing
// code concurrently executing in the same process.
//
// This is the public API entry point. Implementation lives in
// internal/core (call handling and history), internal/rewrite (call-site
// redirection as a pure value transform), and internal/swap (loading and
// retiring compiled units).
package interject

import (
	"go.uber.org/zap"

	"github.com/toejough/interject/internal/core"
	"github.com/toejough/interject/internal/rewrite"
	"github.com/toejough/interject/internal/swap"
)

// CallDescription identifies a replaced function: owning unit plus name.
type CallDescription = core.CallDescription

// CallRecord is one logged invocation: description, arguments, outcome.
type CallRecord = core.CallRecord

// Outcome is the tagged result of one invocation.
type Outcome = core.Outcome

// OutcomeKind tags how an invocation finished.
type OutcomeKind = core.OutcomeKind

// Outcome kinds.
const (
	Returned = core.Returned
	Panicked = core.Panicked
)

// Service errors.
var (
	ErrBadRequest         = core.ErrBadRequest
	ErrStopped            = core.ErrStopped
	ErrUnitNotFound       = swap.ErrUnitNotFound
	ErrNoSource           = swap.ErrNoSource
	ErrCodeInUse          = swap.ErrCodeInUse
	ErrRetireInconsistent = swap.ErrRetireInconsistent
	ErrFunctionNotFound   = swap.ErrFunctionNotFound
	ErrUnsupportedLiteral = rewrite.ErrUnsupportedLiteral
)

// CompileError carries the full diagnostic list for a unit that failed to
// build.
type CompileError = swap.CompileError

// History is the append-only call log shared by a session's handlers.
type History = core.History

// NewHistory creates a History and starts its queue-processing goroutine.
func NewHistory(name string) *History {
	return core.NewHistory(name)
}

// NewHistoryWithLogger creates a History that logs appends and teardown.
func NewHistoryWithLogger(name string, logger *zap.Logger) *History {
	return core.NewHistoryWithLogger(name, logger)
}

// Handler executes a substitute behavior on behalf of callers of one
// replaced function.
type Handler = core.Handler

// ReplyFunc is the substitute behavior a Handler executes.
type ReplyFunc = core.ReplyFunc

// StartHandler creates a Handler bound to one replaced function.
func StartHandler(name string, desc CallDescription, reply ReplyFunc, history *History) *Handler {
	return core.StartHandler(name, desc, reply, history)
}

// StartHandlerWithLogger creates a Handler that logs invocations.
func StartHandlerWithLogger(
	name string,
	desc CallDescription,
	reply ReplyFunc,
	history *History,
	logger *zap.Logger,
) *Handler {
	return core.StartHandlerWithLogger(name, desc, reply, history, logger)
}

// Matcher is the interface for flexible argument matching during history
// inspection. Any gomega matcher satisfies it.
type Matcher = core.Matcher

// Any returns a matcher that matches any value.
func Any() Matcher {
	return core.Any()
}

// Called reports whether records contain a call to desc with matching args.
func Called(records []CallRecord, desc CallDescription, expectedArgs ...any) bool {
	return core.Called(records, desc, expectedArgs...)
}

// MatchValue checks if actual matches expected.
func MatchValue(actual, expected any) (bool, string) {
	return core.MatchValue(actual, expected)
}

// NumCalls counts the calls to desc with matching args.
func NumCalls(records []CallRecord, desc CallDescription, expectedArgs ...any) int {
	return core.NumCalls(records, desc, expectedArgs...)
}

// Satisfies returns a matcher that uses a predicate function to check for a
// match.
func Satisfies[T any](predicate func(T) error) Matcher {
	return core.Satisfies(predicate)
}

// Representation is the structurally addressable, immutable form of one
// unit's source.
type Representation = rewrite.Representation

// Target selects call sites to rewrite by module, function, and arity.
type Target = rewrite.Target

// Redirection is where matching call sites are pointed instead.
type Redirection = rewrite.Redirection

// Slot is one entry in a redirection's argument-mapping template.
type Slot = rewrite.Slot

// Args returns the template placeholder for the full original argument list.
func Args() Slot {
	return rewrite.Args()
}

// Literal returns a template slot holding a fixed value.
func Literal(value any) Slot {
	return rewrite.Literal(value)
}

// ParseUnit builds a Representation directly from source, for callers that
// manage unit source themselves rather than going through a Registry.
func ParseUnit(unit, source string) (*Representation, error) {
	return rewrite.Parse(unit, source)
}

// ReplaceCallSites returns a new Representation with every call site
// matching target redirected to redir. The input is not modified.
func ReplaceCallSites(target Target, redir Redirection, rep *Representation) (*Representation, error) {
	return rewrite.ReplaceCallSites(target, redir, rep)
}

// Registry maps unit identifiers to their currently loaded implementation.
type Registry = swap.Registry

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return swap.NewRegistry()
}

// NewRegistryWithLogger creates a registry that logs loads, swaps and
// refusals.
func NewRegistryWithLogger(logger *zap.Logger) *Registry {
	return swap.NewRegistryWithLogger(logger)
}
