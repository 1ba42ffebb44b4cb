//nolint:testpackage // Tests internal template helpers alongside the public surface
package rewrite

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

const calcSource = `package calc

import "scale"

func Total(x int) int {
	return scale.Apply(x) + scale.Shift(x, 1)
}
`

func TestReplaceCallSitesRedirectsMatchingArity(t *testing.T) {
	t.Parallel()

	rep, err := Parse("calc", calcSource)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	target := Target{Module: "scale", Function: "Apply", Arity: 1}
	redir := Redirection{
		Module:   "mocks",
		Function: "Invoke",
		Template: []Slot{Literal("tag"), Args()},
	}

	redirected, err := ReplaceCallSites(target, redir, rep)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	rendered, err := redirected.Render()
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	if !strings.Contains(rendered, `mocks.Invoke("tag", []any{x})`) {
		t.Errorf("matching call site not redirected:\n%s", rendered)
	}

	if !strings.Contains(rendered, "scale.Shift(x, 1)") {
		t.Errorf("non-matching call site changed:\n%s", rendered)
	}

	if strings.Contains(rendered, "scale.Apply") {
		t.Errorf("matching call site survived:\n%s", rendered)
	}

	if !strings.Contains(rendered, `"mocks"`) {
		t.Errorf("destination module not imported:\n%s", rendered)
	}
}

func TestReplaceCallSitesWrongArityUntouched(t *testing.T) {
	t.Parallel()

	rep, err := Parse("calc", calcSource)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	// Apply is only ever called with one argument; targeting arity 2 must
	// leave the unit byte-identical.
	target := Target{Module: "scale", Function: "Apply", Arity: 2}
	redir := Redirection{Module: "mocks", Function: "Invoke", Template: []Slot{Args()}}

	redirected, err := ReplaceCallSites(target, redir, rep)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	rendered, err := redirected.Render()
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	original, err := rep.Render()
	if err != nil {
		t.Fatalf("render of original failed: %v", err)
	}

	if rendered != original {
		t.Errorf("no-op transform changed the unit:\n%s", rendered)
	}
}

func TestReplaceCallSitesDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	rep, err := Parse("calc", calcSource)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	before, err := rep.Render()
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	target := Target{Module: "scale", Function: "Apply", Arity: 1}
	redir := Redirection{Module: "mocks", Function: "Invoke", Template: []Slot{Args()}}

	if _, err := ReplaceCallSites(target, redir, rep); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	after, err := rep.Render()
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	if before != after {
		t.Errorf("input representation mutated:\n%s", after)
	}
}

func TestReplaceCallSitesLiteralKinds(t *testing.T) {
	t.Parallel()

	source := `package m

func f(x int) {
	dep.Call(x)
}
`

	rep, err := Parse("m", source)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	target := Target{Module: "dep", Function: "Call", Arity: 1}
	redir := Redirection{
		Module:   "sink",
		Function: "Take",
		Template: []Slot{Literal("s"), Literal(7), Literal(true), Literal(2.5), Literal(nil), Args()},
	}

	redirected, err := ReplaceCallSites(target, redir, rep)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	rendered, err := redirected.Render()
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	if !strings.Contains(rendered, `sink.Take("s", 7, true, 2.5, nil, []any{x})`) {
		t.Errorf("template not applied:\n%s", rendered)
	}
}

func TestReplaceCallSitesUnsupportedLiteral(t *testing.T) {
	t.Parallel()

	rep, err := Parse("calc", calcSource)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	target := Target{Module: "scale", Function: "Apply", Arity: 1}
	redir := Redirection{
		Module:   "mocks",
		Function: "Invoke",
		Template: []Slot{Literal(struct{ X int }{1})},
	}

	_, err = ReplaceCallSites(target, redir, rep)
	if !errors.Is(err, ErrUnsupportedLiteral) {
		t.Errorf("expected ErrUnsupportedLiteral, got %v", err)
	}
}

func TestReplaceCallSitesIgnoresSpreadCalls(t *testing.T) {
	t.Parallel()

	source := `package m

func f(xs []int) {
	dep.Sum(xs...)
}
`

	rep, err := Parse("m", source)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	target := Target{Module: "dep", Function: "Sum", Arity: 1}
	redir := Redirection{Module: "mocks", Function: "Invoke", Template: []Slot{Args()}}

	redirected, err := ReplaceCallSites(target, redir, rep)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	rendered, err := redirected.Render()
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	if !strings.Contains(rendered, "dep.Sum(xs...)") {
		t.Errorf("spread call should never be a syntactic match:\n%s", rendered)
	}
}

func TestParseRejectsBrokenSource(t *testing.T) {
	t.Parallel()

	_, err := Parse("bad", "package {{{")
	if err == nil {
		t.Error("expected a parse error")
	}
}

// TestReplaceCallSitesArityMismatch_Property proves call sites with any
// argument count other than the target's are never rewritten.
func TestReplaceCallSitesArityMismatch_Property(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		callArity := rapid.IntRange(0, 6).Draw(rt, "callArity")
		targetArity := rapid.IntRange(0, 6).Filter(func(n int) bool {
			return n != callArity
		}).Draw(rt, "targetArity")

		params := make([]string, callArity)
		args := make([]string, callArity)

		for i := range callArity {
			params[i] = fmt.Sprintf("a%d int", i)
			args[i] = fmt.Sprintf("a%d", i)
		}

		source := fmt.Sprintf(`package m

func f(%s) {
	dep.Call(%s)
}
`, strings.Join(params, ", "), strings.Join(args, ", "))

		rep, err := Parse("m", source)
		if err != nil {
			rt.Fatalf("parse failed: %v", err)
		}

		target := Target{Module: "dep", Function: "Call", Arity: targetArity}
		redir := Redirection{Module: "mocks", Function: "Invoke", Template: []Slot{Args()}}

		redirected, err := ReplaceCallSites(target, redir, rep)
		if err != nil {
			rt.Fatalf("replace failed: %v", err)
		}

		rendered, err := redirected.Render()
		if err != nil {
			rt.Fatalf("render failed: %v", err)
		}

		original, err := rep.Render()
		if err != nil {
			rt.Fatalf("render of original failed: %v", err)
		}

		if rendered != original {
			rt.Fatalf("arity %d call rewritten by arity %d target:\n%s", callArity, targetArity, rendered)
		}
	})
}
