package delta

import "maps"

// Merge returns a fresh record holding [base] overlaid with the fields
// of [change]. Change values win, explicit nulls included; a nil
// change yields a plain copy. Neither input is modified.
//
//	base := delta.Record{"id": 1, "name": "Alice", "age": 30}
//	chg := delta.Record{"age": 31}
//	delta.Merge(base, chg) // {"id":1, "name":"Alice", "age":31}
func Merge(base, change Record) Record {
	out := make(Record, len(base)+len(change))
	maps.Copy(out, base)
	maps.Copy(out, change)
	return out
}
