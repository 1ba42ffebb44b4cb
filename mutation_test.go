//go:build mutation

package interject

import (
	"testing"

	"github.com/gtramontina/ooze"
)

func TestMutation(t *testing.T) {
	ooze.Release(
		t,
		ooze.WithTestCommand("go test -timeout=60s -failfast ./..."),
		ooze.Parallel(),
		ooze.IgnoreSourceFiles("^dev.*|^_examples.*|.*_test.go"),
		ooze.WithMinimumThreshold(1.00),
		ooze.WithRepositoryRoot("."),
		ooze.ForceColors(),
	)
}
