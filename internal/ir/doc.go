// Package ir provides the canonical JSON form shared by every lockstep
// component.
//
// States and actions cross package boundaries as canonical JSON bytes so
// that two states are equal exactly when their bytes are equal. The
// canonical form follows RFC 8785:
//   - object keys sorted by UTF-16 code units
//   - strings NFC normalized, no HTML escaping
//   - integers only; floats are rejected because they break determinism
//
// ir imports nothing internal.
package ir
