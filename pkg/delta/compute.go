package delta

import (
	"fmt"
	"slices"
)

// Compute returns the fields of [candidate] that changed relative to
// [baseline]. Neither input is modified; the result is a fresh record.
//
// A key present in both records is compared by deep structural
// equality unless it is [Excluded]. A key only the baseline has is
// ignored: no deletion signal, no error. A key only the candidate has
// passes through untouched, excluded or not; the exclusion rule
// applies solely to keys the baseline also holds. Pass-through keys
// alone do not make a delta: when no shared key actually changed the
// result is nil.
//
// Shared keys are compared in lexicographic order, which fixes the key
// reported when a comparison fails and nothing else. A nil input fails
// with [ErrTypeMismatch], an incomparable value pair with a wrapped
// [ErrIncomparable]; neither is ever folded into a "no changes"
// result.
func Compute(baseline, candidate Record) (Record, error) {
	if baseline == nil || candidate == nil {
		return nil, ErrTypeMismatch
	}

	out := make(Record)
	shared := make([]string, 0, len(candidate))
	for key, value := range candidate {
		if _, known := baseline[key]; !known {
			out[key] = value // new field, passes through
			continue
		}
		if Excluded(key) {
			continue
		}
		shared = append(shared, key)
	}
	slices.Sort(shared)

	changed := false
	for _, key := range shared {
		eq, err := Equal(baseline[key], candidate[key])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		if !eq {
			out[key] = candidate[key]
			changed = true
		}
	}
	if !changed {
		return nil, nil
	}
	return out, nil
}

// Result wraps [Compute] into the sequence form used on the wire: an
// empty slice when nothing changed, otherwise exactly one record.
func Result(baseline, candidate Record) ([]Record, error) {
	rec, err := Compute(baseline, candidate)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return []Record{}, nil
	}
	return []Record{rec}, nil
}
