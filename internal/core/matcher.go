package core

import (
	"fmt"
	"reflect"
)

// Matcher defines the interface for flexible argument matching during history
// inspection. Compatible with gomega.GomegaMatcher via duck typing - any type
// implementing Match and FailureMessage will work.
type Matcher interface {
	Match(actual any) (success bool, err error)
	FailureMessage(actual any) string
}

// MatchValue checks if actual matches expected.
// If expected implements the Matcher interface, uses its Match method.
// Otherwise, uses reflect.DeepEqual for comparison.
// Returns (success, errorMessage). If success is true, errorMessage is empty.
func MatchValue(actual, expected any) (bool, string) {
	if matcher, ok := expected.(Matcher); ok {
		success, err := matcher.Match(actual)
		if err != nil {
			return false, err.Error()
		}

		if !success {
			return false, matcher.FailureMessage(actual)
		}

		return true, ""
	}

	if reflect.DeepEqual(actual, expected) {
		return true, ""
	}

	return false, fmt.Sprintf("expected %v, got %v", expected, actual)
}

// Any returns a matcher that matches any value.
func Any() Matcher {
	return anyMatcher{}
}

// Satisfies returns a matcher that uses a predicate function to check for a
// match. The predicate returns nil for a match, or an error describing the
// mismatch.
func Satisfies[T any](predicate func(T) error) Matcher {
	return &satisfiesMatcher[T]{predicate: predicate}
}

// Called reports whether the records contain at least one call to desc whose
// arguments match expectedArgs slot for slot. Each slot may be a plain value
// (compared with reflect.DeepEqual) or a Matcher. Pass no expectedArgs to
// match a call to desc with any arguments.
func Called(records []CallRecord, desc CallDescription, expectedArgs ...any) bool {
	return NumCalls(records, desc, expectedArgs...) > 0
}

// NumCalls counts the calls to desc whose arguments match expectedArgs,
// with the same matching rules as Called.
func NumCalls(records []CallRecord, desc CallDescription, expectedArgs ...any) int {
	count := 0

	for _, record := range records {
		if record.Description != desc {
			continue
		}

		if len(expectedArgs) > 0 && !argsMatch(record.Args, expectedArgs) {
			continue
		}

		count++
	}

	return count
}

// argsMatch checks actual against expected slot for slot.
func argsMatch(actual, expected []any) bool {
	if len(actual) != len(expected) {
		return false
	}

	for i, want := range expected {
		if ok, _ := MatchValue(actual[i], want); !ok {
			return false
		}
	}

	return true
}

// anyMatcher matches any value.
type anyMatcher struct{}

func (anyMatcher) Match(any) (bool, error) {
	return true, nil
}

func (anyMatcher) FailureMessage(any) string {
	return ""
}

// satisfiesMatcher matches via a typed predicate.
type satisfiesMatcher[T any] struct {
	predicate func(T) error
}

func (m *satisfiesMatcher[T]) Match(actual any) (bool, error) {
	typed, ok := actual.(T)
	if !ok {
		var zero T

		//nolint:err113 // mismatch description with dynamic context
		return false, fmt.Errorf("expected %T, got %T", zero, actual)
	}

	err := m.predicate(typed)

	return err == nil, nil
}

func (m *satisfiesMatcher[T]) FailureMessage(actual any) string {
	typed, ok := actual.(T)
	if !ok {
		return fmt.Sprintf("value %v has the wrong type", actual)
	}

	err := m.predicate(typed)
	if err == nil {
		return ""
	}

	return err.Error()
}
