// Package utils provides small shared helpers: type assertions and token counting.
package utils

// SafeAssert performs a type assertion and returns the zero value with false
// instead of panicking when the assertion fails.
func SafeAssert[T any](value any) (T, bool) {
	if v, ok := value.(T); ok {
		return v, true
	}
	var zero T
	return zero, false
}
