package ir

import (
	"slices"
	"unicode/utf16"
)

// SortedKeys returns the keys of m in RFC 8785 order (UTF-16 code units).
// Go's native string ordering compares UTF-8 bytes, which disagrees for
// characters outside the Basic Multilingual Plane.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, CompareKeys)
	return keys
}

// CompareKeys orders two strings by their UTF-16 code units.
func CompareKeys(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}
