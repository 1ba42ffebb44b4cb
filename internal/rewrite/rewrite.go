// Package rewrite treats one compiled unit's source as an immutable value
// and produces new values with selected call sites redirected. Nothing here
// mutates a representation in place: every transform clones first.
package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"go/token"
	"strconv"

	"github.com/dave/dst"
	"github.com/dave/dst/decorator"
	"github.com/dave/dst/dstutil"
)

// ErrUnsupportedLiteral is returned when a redirection template carries a
// literal value that cannot be rendered as a Go expression.
var ErrUnsupportedLiteral = errors.New("unsupported template literal")

// Target selects call sites to rewrite: module-qualified call expressions
// whose callee is exactly Module.Function and whose argument count is exactly
// Arity. Matching is purely syntactic; calls through other names for the same
// function, or calls spreading a slice with ..., never match.
type Target struct {
	Module   string
	Function string
	Arity    int
}

// String returns the target in module.function/arity form.
func (t Target) String() string {
	return fmt.Sprintf("%s.%s/%d", t.Module, t.Function, t.Arity)
}

// Redirection is where matching call sites are pointed instead, plus the
// template for building the new argument list. Each template slot is either
// a literal or the all-arguments placeholder, which expands to an []any
// literal holding the original argument expressions.
type Redirection struct {
	Module   string
	Function string
	Template []Slot
}

// Slot is one entry in a redirection's argument-mapping template.
type Slot struct {
	literal any
	allArgs bool
}

// Args returns the placeholder slot meaning "the full original argument list
// here".
func Args() Slot {
	return Slot{allArgs: true}
}

// Literal returns a slot holding a fixed value. Strings, booleans, integers
// and floats are supported.
func Literal(value any) Slot {
	return Slot{literal: value}
}

// Representation is the structurally addressable form of one unit's source.
// It is a value: transforms return new Representations and never touch the
// receiver, so representations can be shared freely without locking.
type Representation struct {
	unit string
	file *dst.File
}

// Parse builds a Representation from unit source.
func Parse(unit, source string) (*Representation, error) {
	dec := decorator.NewDecorator(token.NewFileSet())

	file, err := dec.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit %s: %w", unit, err)
	}

	return &Representation{unit: unit, file: file}, nil
}

// Package returns the package name declared by the unit's source.
func (r *Representation) Package() string {
	return r.file.Name.Name
}

// Render serializes the representation back to loadable source.
func (r *Representation) Render() (string, error) {
	var buf bytes.Buffer

	res := decorator.NewRestorer()

	err := res.Fprint(&buf, r.file)
	if err != nil {
		return "", fmt.Errorf("failed to print unit %s: %w", r.unit, err)
	}

	return buf.String(), nil
}

// Unit returns the unit identifier the representation was parsed from.
func (r *Representation) Unit() string {
	return r.unit
}

// ReplaceCallSites returns a new Representation with every call site matching
// target redirected to redir, with redir's template applied against the
// original argument expressions at that site. Non-matching call sites are
// left structurally identical. The input representation is not modified.
func ReplaceCallSites(target Target, redir Redirection, rep *Representation) (*Representation, error) {
	clone, ok := dst.Clone(rep.file).(*dst.File)
	if !ok {
		//nolint:err113 // cloning a *dst.File always yields a *dst.File
		return nil, fmt.Errorf("failed to clone unit %s", rep.unit)
	}

	var (
		applyErr  error
		rewritten int
	)

	dstutil.Apply(clone, func(cursor *dstutil.Cursor) bool {
		call, ok := cursor.Node().(*dst.CallExpr)
		if !ok || !matches(call, target) {
			return true
		}

		newArgs, err := buildArgs(redir.Template, call.Args)
		if err != nil {
			applyErr = err

			return false
		}

		cursor.Replace(&dst.CallExpr{
			Fun: &dst.SelectorExpr{
				X:   dst.NewIdent(redir.Module),
				Sel: dst.NewIdent(redir.Function),
			},
			Args: newArgs,
			Decs: call.Decs,
		})
		rewritten++

		return true
	}, nil)

	if applyErr != nil {
		return nil, applyErr
	}

	// A redirected site references the destination module, which the unit
	// may not import yet. Nothing is added when no site matched, so a
	// no-op transform renders byte-identical to its input.
	if rewritten > 0 {
		ensureImport(clone, redir.Module)
	}

	return &Representation{unit: rep.unit, file: clone}, nil
}

// ensureImport adds an import of path to the file unless already present.
func ensureImport(file *dst.File, path string) {
	quoted := strconv.Quote(path)

	for _, decl := range file.Decls {
		gen, ok := decl.(*dst.GenDecl)
		if !ok || gen.Tok != token.IMPORT {
			continue
		}

		for _, spec := range gen.Specs {
			if imp, ok := spec.(*dst.ImportSpec); ok && imp.Path.Value == quoted {
				return
			}
		}
	}

	spec := &dst.ImportSpec{Path: &dst.BasicLit{Kind: token.STRING, Value: quoted}}
	file.Imports = append(file.Imports, spec)

	for _, decl := range file.Decls {
		if gen, ok := decl.(*dst.GenDecl); ok && gen.Tok == token.IMPORT {
			gen.Specs = append(gen.Specs, spec)

			return
		}
	}

	importDecl := &dst.GenDecl{Tok: token.IMPORT, Specs: []dst.Spec{spec}}
	importDecl.Decs.After = dst.EmptyLine
	file.Decls = append([]dst.Decl{importDecl}, file.Decls...)
}

// matches reports whether a call expression is a syntactic match for target.
func matches(call *dst.CallExpr, target Target) bool {
	if call.Ellipsis {
		return false
	}

	sel, ok := call.Fun.(*dst.SelectorExpr)
	if !ok {
		return false
	}

	module, ok := sel.X.(*dst.Ident)
	if !ok {
		return false
	}

	return module.Name == target.Module &&
		sel.Sel.Name == target.Function &&
		len(call.Args) == target.Arity
}

// buildArgs renders a redirection template against the original argument
// expressions. Original expressions are cloned, never moved, so the source
// call site's nodes stay untouched even while the template references them.
func buildArgs(template []Slot, original []dst.Expr) ([]dst.Expr, error) {
	args := make([]dst.Expr, 0, len(template))

	for _, slot := range template {
		if slot.allArgs {
			elts := make([]dst.Expr, 0, len(original))
			for _, arg := range original {
				cloned, ok := dst.Clone(arg).(dst.Expr)
				if !ok {
					//nolint:err113 // cloning an expr always yields an expr
					return nil, errors.New("failed to clone argument expression")
				}

				elts = append(elts, cloned)
			}

			args = append(args, &dst.CompositeLit{
				Type: &dst.ArrayType{Elt: dst.NewIdent("any")},
				Elts: elts,
			})

			continue
		}

		expr, err := literalExpr(slot.literal)
		if err != nil {
			return nil, err
		}

		args = append(args, expr)
	}

	return args, nil
}

// literalExpr converts a template literal value to a Go expression.
func literalExpr(value any) (dst.Expr, error) {
	switch v := value.(type) {
	case string:
		return &dst.BasicLit{Kind: token.STRING, Value: strconv.Quote(v)}, nil
	case bool:
		return dst.NewIdent(strconv.FormatBool(v)), nil
	case int:
		return &dst.BasicLit{Kind: token.INT, Value: strconv.Itoa(v)}, nil
	case int64:
		return &dst.BasicLit{Kind: token.INT, Value: strconv.FormatInt(v, 10)}, nil
	case float64:
		return &dst.BasicLit{Kind: token.FLOAT, Value: strconv.FormatFloat(v, 'g', -1, 64)}, nil
	case nil:
		return dst.NewIdent("nil"), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedLiteral, value)
	}
}
