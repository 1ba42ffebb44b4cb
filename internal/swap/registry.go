// Package swap owns the one truly shared mutable resource in the system:
// which implementation is currently loaded for a given unit identifier.
// Units are compiled into fresh interpreter instances and swapped behind a
// registry indirection; a swap is refused outright while any in-flight
// execution still runs inside the old instance, rather than terminating it.
package swap

import (
	"errors"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"github.com/toejough/interject/internal/rewrite"
)

// ErrUnitNotFound is returned when a unit identifier has no loadable
// compiled form in the registry.
var ErrUnitNotFound = errors.New("no loadable compiled form for unit")

// ErrNoSource is returned when a unit's compiled form was registered without
// retained source, so no representation can be reconstructed from it.
var ErrNoSource = errors.New("unit has no structural source information")

// ErrCodeInUse is returned when a swap or restore is refused because an
// in-flight execution still runs inside the current implementation. The
// current implementation is left untouched and fully functional.
var ErrCodeInUse = errors.New("previous implementation still in use")

// ErrRetireInconsistent reports a violated invariant: the retirement check
// saw no users, yet the retired instance shows activity. Surfaced loudly
// because nothing about the unit can be trusted afterwards.
var ErrRetireInconsistent = errors.New("retired implementation gained users after reporting none")

// ErrFunctionNotFound is returned by Call when the loaded unit has no such
// function.
var ErrFunctionNotFound = errors.New("function not found in unit")

// repCacheSize bounds the parsed-representation cache. Entries are keyed by
// unit and generation, so stale generations age out naturally.
const repCacheSize = 64

// CompileError carries the full set of compiler diagnostics for a unit that
// failed to build. No swap happens when compilation fails.
type CompileError struct {
	Unit        string
	Diagnostics error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("unit %s failed to compile: %v", e.Unit, e.Diagnostics)
}

func (e *CompileError) Unwrap() error {
	return e.Diagnostics
}

// Registry maps unit identifiers to their currently loaded implementation
// and serializes every change of that mapping.
type Registry struct {
	mu      sync.Mutex
	units   map[string]*unit
	exports interp.Exports
	reps    *lru.Cache
	logger  *zap.Logger
}

// unit is one registered identifier: the original source kept for restore,
// the source of whatever is currently loaded, and the live program instance.
type unit struct {
	name           string
	originalSource string
	currentSource  string
	generation     int
	program        *program
}

// program is one compiled instance of a unit. The active counter tracks
// in-flight executions inside this exact instance; retirement is refused
// while it is nonzero.
type program struct {
	interp  *interp.Interpreter
	pkg     string
	evalMu  sync.Mutex
	symbols map[string]reflect.Value
	active  atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return NewRegistryWithLogger(zap.NewNop())
}

// NewRegistryWithLogger creates a registry that logs loads, swaps and
// refusals.
func NewRegistryWithLogger(logger *zap.Logger) *Registry {
	// Size is fixed; lru.New only fails for a non-positive size.
	reps, err := lru.New(repCacheSize)
	if err != nil {
		panic(err)
	}

	return &Registry{
		units:   make(map[string]*unit),
		exports: make(interp.Exports),
		reps:    reps,
		logger:  logger,
	}
}

// ActiveExecutions returns the number of in-flight executions inside the
// unit's current implementation.
func (r *Registry) ActiveExecutions(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}

	return int(u.program.active.Load()), nil
}

// Call executes a function of the unit's currently loaded implementation.
// This is the indirection everything else calls through: the execution is
// counted against the exact program instance it entered, so a concurrent
// swap of that instance is refused until the call returns. A panic inside
// the function propagates to the caller.
func (r *Registry) Call(name, function string, args ...any) ([]any, error) {
	r.mu.Lock()

	u, ok := r.units[name]
	if !ok {
		r.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}

	prog := u.program
	prog.active.Add(1)
	r.mu.Unlock()

	defer prog.active.Add(-1)

	fn, err := prog.lookup(function)
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", name, err)
	}

	return callFunc(fn, args)
}

// LoadRepresentation returns the representation of the unit's currently
// loaded source. Parsed representations are cached per generation; the
// cached value is safe to share because representations are immutable.
func (r *Registry) LoadRepresentation(name string) (*rewrite.Representation, error) {
	r.mu.Lock()

	u, ok := r.units[name]
	if !ok {
		r.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}

	source := u.currentSource
	generation := u.generation
	r.mu.Unlock()

	if source == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, name)
	}

	key := fmt.Sprintf("%s#%d", name, generation)
	if cached, ok := r.reps.Get(key); ok {
		if rep, ok := cached.(*rewrite.Representation); ok {
			return rep, nil
		}
	}

	rep, err := rewrite.Parse(name, source)
	if err != nil {
		return nil, err
	}

	r.reps.Add(key, rep)

	return rep, nil
}

// LoadUnit compiles the representation and atomically swaps it in as the
// running implementation of the unit. The swap is refused with ErrCodeInUse
// while any execution is still inside the current implementation; the
// current implementation stays loaded and fully functional in that case.
func (r *Registry) LoadUnit(name string, rep *rewrite.Representation) error {
	source, err := rep.Render()
	if err != nil {
		return err
	}

	return r.swap(name, source, false)
}

// Register adds a unit and compiles its original source as the initial
// implementation. The original source is retained so RestoreOriginal can
// rebuild it later.
func (r *Registry) Register(name, source string) error {
	return r.register(name, source, true)
}

// RegisterOpaque adds a unit whose source is compiled but not retained.
// LoadRepresentation refuses such a unit, the same way stripped debug
// metadata refuses reconstruction.
func (r *Registry) RegisterOpaque(name, source string) error {
	return r.register(name, source, false)
}

// RestoreOriginal unloads the unit's current implementation and reloads the
// original it was registered with, under the same retirement safety check
// as LoadUnit.
func (r *Registry) RestoreOriginal(name string) error {
	r.mu.Lock()

	u, ok := r.units[name]
	if !ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}

	original := u.originalSource
	r.mu.Unlock()

	return r.swap(name, original, true)
}

// Use installs extra symbols into every interpreter the registry creates
// from now on, keyed the yaegi way ("importpath/pkgname"). This is how
// redirected call sites inside a swapped unit reach real Go functions.
func (r *Registry) Use(exports interp.Exports) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for path, symbols := range exports {
		if r.exports[path] == nil {
			r.exports[path] = make(map[string]reflect.Value, len(symbols))
		}

		for name, value := range symbols {
			r.exports[path][name] = value
		}
	}
}

// compile builds a fresh interpreter instance for the source. The declared
// package clause is normalized to main before evaluation: the interpreter
// resolves symbols under the main scope, and the unit identifier, not the
// package name, is what the registry keys on.
func (r *Registry) compile(name, source string) (*program, error) {
	evalSource, err := asMainPackage(name, source)
	if err != nil {
		return nil, &CompileError{Unit: name, Diagnostics: err}
	}

	// Snapshot the exports under the lock; Use may grow them concurrently.
	r.mu.Lock()

	exports := make(interp.Exports, len(r.exports))
	for path, symbols := range r.exports {
		copied := make(map[string]reflect.Value, len(symbols))
		for symbol, value := range symbols {
			copied[symbol] = value
		}

		exports[path] = copied
	}

	r.mu.Unlock()

	i := interp.New(interp.Options{})

	err = i.Use(stdlib.Symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to load interpreter stdlib: %w", err)
	}

	if len(exports) > 0 {
		err = i.Use(exports)
		if err != nil {
			return nil, fmt.Errorf("failed to load registry exports: %w", err)
		}
	}

	_, err = i.Eval(evalSource)
	if err != nil {
		return nil, &CompileError{Unit: name, Diagnostics: err}
	}

	return &program{
		interp:  i,
		pkg:     "main",
		symbols: make(map[string]reflect.Value),
	}, nil
}

// register compiles and installs a brand new unit.
func (r *Registry) register(name, source string, retainSource bool) error {
	prog, err := r.compile(name, source)
	if err != nil {
		return err
	}

	current := source
	if !retainSource {
		current = ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[name]; exists {
		//nolint:err113 // registration collision with dynamic context
		return fmt.Errorf("unit %s is already registered", name)
	}

	r.units[name] = &unit{
		name:           name,
		originalSource: source,
		currentSource:  current,
		program:        prog,
	}

	r.logger.Debug("unit registered", zap.String("unit", name))

	return nil
}

// swap replaces a unit's current implementation after a successful soft
// retirement of the old one. Compilation happens before the lock is taken;
// a compile failure leaves no partial state behind.
func (r *Registry) swap(name, source string, restoring bool) error {
	prog, err := r.compile(name, source)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}

	old := u.program
	if users := old.active.Load(); users != 0 {
		r.logger.Debug("swap refused",
			zap.String("unit", name),
			zap.Int64("active", users))

		return fmt.Errorf("%w: %s (%d active)", ErrCodeInUse, name, users)
	}

	u.program = prog
	u.generation++

	u.currentSource = source
	if restoring {
		u.currentSource = u.originalSource
	}

	// Acquisition happens under the same lock as the zero check above, so
	// the old instance cannot legitimately gain users now. If it did, an
	// invariant broke somewhere and the unit can no longer be trusted.
	if old.active.Load() != 0 {
		return fmt.Errorf("%w: %s", ErrRetireInconsistent, name)
	}

	r.logger.Debug("unit swapped",
		zap.String("unit", name),
		zap.Int("generation", u.generation),
		zap.Bool("restored", restoring))

	return nil
}

// lookup resolves a function symbol in this program instance, caching the
// resolved value. The interpreter itself is only ever queried under evalMu.
func (p *program) lookup(function string) (reflect.Value, error) {
	p.evalMu.Lock()
	defer p.evalMu.Unlock()

	if fn, ok := p.symbols[function]; ok {
		return fn, nil
	}

	fn, err := p.interp.Eval(p.pkg + "." + function)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %s", ErrFunctionNotFound, function)
	}

	if fn.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%w: %s is not a function", ErrFunctionNotFound, function)
	}

	p.symbols[function] = fn

	return fn, nil
}

// callFunc invokes a reflected function with loosely typed arguments.
func callFunc(fn reflect.Value, args []any) ([]any, error) {
	fnType := fn.Type()

	if !fnType.IsVariadic() && len(args) != fnType.NumIn() {
		//nolint:err113 // arity mismatch with dynamic context
		return nil, fmt.Errorf("expected %d arguments, got %d", fnType.NumIn(), len(args))
	}

	if fnType.IsVariadic() && len(args) < fnType.NumIn()-1 {
		//nolint:err113 // arity mismatch with dynamic context
		return nil, fmt.Errorf("expected at least %d arguments, got %d", fnType.NumIn()-1, len(args))
	}

	in := make([]reflect.Value, 0, len(args))

	for i, arg := range args {
		paramType := fnType.In(min(i, fnType.NumIn()-1))
		if fnType.IsVariadic() && i >= fnType.NumIn()-1 {
			paramType = fnType.In(fnType.NumIn() - 1).Elem()
		}

		if arg == nil {
			in = append(in, reflect.Zero(paramType))

			continue
		}

		value := reflect.ValueOf(arg)
		if !value.Type().AssignableTo(paramType) && value.Type().ConvertibleTo(paramType) {
			value = value.Convert(paramType)
		}

		in = append(in, value)
	}

	out := fn.Call(in)

	results := make([]any, 0, len(out))
	for _, v := range out {
		results = append(results, v.Interface())
	}

	return results, nil
}

// asMainPackage parses the source, harvesting the full diagnostic list the
// interpreter's own error path would truncate to a single message, and
// returns the source with its package clause rewritten to main.
func asMainPackage(name, source string) (string, error) {
	fset := token.NewFileSet()

	file, err := parser.ParseFile(fset, name+".go", source, 0)
	if err != nil {
		var list scanner.ErrorList
		if errors.As(err, &list) {
			var merr *multierror.Error
			for _, e := range list {
				merr = multierror.Append(merr, e)
			}

			return "", merr.ErrorOrNil()
		}

		return "", err
	}

	if file.Name.Name == "main" {
		return source, nil
	}

	// Splice at the clause's exact offset; a textual replace could hit a
	// comment above the clause instead.
	offset := fset.Position(file.Name.Pos()).Offset

	return source[:offset] + "main" + source[offset+len(file.Name.Name):], nil
}
