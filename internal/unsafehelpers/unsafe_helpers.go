// Package unsafehelpers centralises the unavoidable usage of the `unsafe`
// standard-library package so that the rest of tiered-kv stays clean and
// easier to audit. Every helper is documented with clear pre-/post-
// conditions.
//
// The record codec frames every key and extra field it encodes; viewing
// those strings as bytes with StringToBytes avoids a copy per record.
//
// All functions are go:linkname-free, cgo-free and pure Go.
//
// © 2025 tiered-kv authors. MIT License.
package unsafehelpers

import "unsafe"

// BytesToString converts a byte slice to a string without allocating. The
// caller must guarantee that b is never modified for the lifetime of the
// returned string; otherwise the program exhibits undefined behaviour.
//
// Nothing in this module calls it; the codec's decoder copies key and extra
// bytes with string().
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// StringToBytes re-interprets string data as a byte slice without copying.
// The slice MUST remain read-only; writing to it corrupts immutable string
// storage.
//
// Used by the codec when writing a key or extra field that is already held
// as a string.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
