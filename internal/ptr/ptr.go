// Package ptr has small pointer helpers for moving values in and out of
// nullable columns.
package ptr

// To returns a pointer to v, letting callers take the address of a literal
// or a conversion result.
func To[T any](v T) *T {
	return &v
}

// Convert re-types a nullable string-kinded value, preserving nil. It is the
// pointer form of a plain conversion between a domain enum and its column
// representation.
func Convert[U, T ~string](p *T) *U {
	if p == nil {
		return nil
	}
	u := U(*p)
	return &u
}
