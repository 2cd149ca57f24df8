// Package errx provides small helpers for chaining sentinel errors with
// their underlying causes. Callers match on the sentinel with errors.Is
// while the cause remains inspectable through the same chain.
package errx

import "fmt"

// Wrap attaches cause to sentinel. Both are matchable with errors.Is.
func Wrap(sentinel, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With appends a formatted detail message to sentinel. The format string
// is concatenated directly after the sentinel's message and may itself
// contain %w verbs.
func With(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w"+format, append([]interface{}{sentinel}, args...)...)
}
