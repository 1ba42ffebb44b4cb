// interject/ijrewrite previews a call-site redirection against a Go source
// file. Give it a target (module, function, arity) and a destination, and it
// prints the rewritten unit, or a unified diff with --diff, without touching
// the file. Useful for checking what a redirection will do before wiring it
// into a registry swap.
package main

import (
	"fmt"
	"os"

	"github.com/toejough/interject/ijrewrite/run"
)

// main is the entry point of the ijrewrite tool.
func main() {
	err := run.Run(os.Args, &realFileSystem{}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// realFileSystem implements run.FileSystem using the os package.
type realFileSystem struct{}

// ReadFile reads the file named by name and returns the contents.
func (fs *realFileSystem) ReadFile(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", name, err)
	}

	return data, nil
}
