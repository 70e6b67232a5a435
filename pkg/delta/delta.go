// Package delta computes the changed-field record that brings a
// baseline copy of an object up to date with its candidate state.
//
// A delta is itself a [Record] that contains only the fields whose
// values differ, plus any fields the baseline never had. Identity and
// transport metadata ("id" and "_"-prefixed keys) never count as
// changes. When nothing changed the delta is nil, not an empty map, so
// a no-op publish costs no allocation.
package delta

import (
	"errors"
	"strings"
)

// Record is one object's fields: a flat, string-keyed mapping.
type Record = map[string]any

var (
	// ErrTypeMismatch reports that an input is not a usable record.
	ErrTypeMismatch = errors.New("delta: input is not a record")

	// ErrIncomparable reports a value outside the comparable set.
	ErrIncomparable = errors.New("delta: value is not comparable")
)

// Excluded reports whether [key] is exempt from diffing: "id" and every
// key starting with "_" carry identity or transport metadata, not
// object state.
func Excluded(key string) bool {
	return key == "id" || strings.HasPrefix(key, "_")
}
