// Package bytesconv provides a zero-copy []byte-to-string conversion, used
// on the User Directory's hot validation path to avoid an allocation per
// inbound connection.
package bytesconv

import "unsafe"

// BytesToString views b as a string without copying.
//
// The returned string aliases b's backing array. Callers must not retain
// the string past the lifetime of b, and must not mutate b afterwards.
func BytesToString(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}
