// Package run implements the main logic for the ijrewrite tool in a testable
// way.
package run

import (
	"fmt"
	"io"

	"github.com/akedrou/textdiff"
	"github.com/alexflint/go-arg"

	"github.com/toejough/interject/internal/rewrite"
)

// FileSystem interface for mocking.
type FileSystem interface {
	ReadFile(name string) ([]byte, error)
}

// cliArgs defines the command-line arguments for the rewriter.
type cliArgs struct {
	File       string  `arg:"positional,required" help:"Go source file of the unit to rewrite"`
	Module     string  `arg:"--module,required"   help:"module of the call sites to redirect"`
	Function   string  `arg:"--function,required" help:"function of the call sites to redirect"`
	Arity      int     `arg:"--arity,required"    help:"argument count of the call sites to redirect"`
	ToModule   string  `arg:"--to-module,required"   help:"destination module"`
	ToFunction string  `arg:"--to-function,required" help:"destination function"`
	Tag        *string `arg:"--tag"  help:"optional literal string passed as the destination's first argument"`
	Diff       bool    `arg:"--diff" help:"print a unified diff instead of the rewritten source"`
}

// Run executes the ijrewrite tool logic. It takes command-line arguments, a
// FileSystem for file access, and a writer for the result. On success it
// writes the rewritten unit source, or a unified diff of the change when
// --diff is set.
func Run(args []string, fileSys FileSystem, out io.Writer) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}

	source, err := fileSys.ReadFile(parsed.File)
	if err != nil {
		return err
	}

	rep, err := rewrite.Parse(parsed.File, string(source))
	if err != nil {
		return err
	}

	target := rewrite.Target{
		Module:   parsed.Module,
		Function: parsed.Function,
		Arity:    parsed.Arity,
	}

	template := []rewrite.Slot{}
	if parsed.Tag != nil {
		template = append(template, rewrite.Literal(*parsed.Tag))
	}

	template = append(template, rewrite.Args())

	redirected, err := rewrite.ReplaceCallSites(target, rewrite.Redirection{
		Module:   parsed.ToModule,
		Function: parsed.ToFunction,
		Template: template,
	}, rep)
	if err != nil {
		return err
	}

	rendered, err := redirected.Render()
	if err != nil {
		return err
	}

	if parsed.Diff {
		original, err := rep.Render()
		if err != nil {
			return err
		}

		diff := textdiff.Unified(parsed.File+" (current)", parsed.File+" (redirected)", original, rendered)
		if diff == "" {
			diff = fmt.Sprintf("no call sites match %s\n", target)
		}

		_, err = io.WriteString(out, diff)
		if err != nil {
			return fmt.Errorf("failed to write diff: %w", err)
		}

		return nil
	}

	_, err = io.WriteString(out, rendered)
	if err != nil {
		return fmt.Errorf("failed to write rewritten source: %w", err)
	}

	return nil
}

// parseArgs parses command-line arguments into cliArgs.
func parseArgs(args []string) (cliArgs, error) {
	var parsed cliArgs

	parser, err := arg.NewParser(arg.Config{}, &parsed)
	if err != nil {
		return cliArgs{}, fmt.Errorf("failed to create argument parser: %w", err)
	}

	var cmdArgs []string
	if len(args) > 1 {
		cmdArgs = args[1:]
	}

	err = parser.Parse(cmdArgs)
	if err != nil {
		return cliArgs{}, fmt.Errorf("failed to parse arguments: %w", err)
	}

	return parsed, nil
}
