package delta

import (
	"fmt"
	"math"
	"slices"
)

// Kind classifies a dynamic value into the closed set of value types a
// [Record] may hold. Everything outside the set is [KindInvalid] and
// cannot take part in a comparison.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// KindOf maps a dynamic value into the closed value set. The shapes
// produced by encoding/json and msgpack decoding are all covered.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindList
	case Record:
		return KindMap
	}
	return KindInvalid
}

// Equal reports deep structural equality of two record values. Values
// of different kinds are unequal, never an error; numbers compare by
// mathematical value across integer and float representations. A value
// outside the closed set fails with a wrapped [ErrIncomparable], no
// matter how deeply it is nested.
func Equal(a, b any) (bool, error) {
	ka := KindOf(a)
	if ka == KindInvalid {
		return false, fmt.Errorf("%w: %T", ErrIncomparable, a)
	}
	kb := KindOf(b)
	if kb == KindInvalid {
		return false, fmt.Errorf("%w: %T", ErrIncomparable, b)
	}
	if ka != kb {
		return false, nil
	}
	switch ka {
	case KindBool:
		return a.(bool) == b.(bool), nil
	case KindNumber:
		return numEqual(a, b), nil
	case KindString:
		return a.(string) == b.(string), nil
	case KindList:
		return listEqual(a.([]any), b.([]any))
	case KindMap:
		return mapEqual(a.(Record), b.(Record))
	}
	return true, nil // KindNull
}

func listEqual(a, b []any) (bool, error) {
	if len(a) != len(b) {
		return false, nil
	}
	for i := range a {
		eq, err := Equal(a[i], b[i])
		if err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

func mapEqual(a, b Record) (bool, error) {
	if len(a) != len(b) {
		return false, nil
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		if _, ok := b[k]; !ok {
			return false, nil
		}
		keys = append(keys, k)
	}
	slices.Sort(keys) // deterministic failure selection, like Compute
	for _, k := range keys {
		eq, err := Equal(a[k], b[k])
		if err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

// numRep says which carrier of numValue holds the number.
type numRep uint8

const (
	repInt numRep = iota
	repUint
	repFloat
)

// float64 bounds of the integer ranges. -2^63 and 2^64 are exactly
// representable; 2^63 is the first float64 past MaxInt64.
const (
	minInt64Float  = -9.223372036854776e18 // -2^63
	maxInt64Float  = 9.223372036854776e18  // 2^63
	maxUint64Float = 1.8446744073709552e19 // 2^64
)

// numEqual compares numbers by mathematical value, so int64(30) equals
// float64(30). Integers never round through float64: int-float pairs
// convert the float instead, which is exact for integral values in
// range, so 64-bit neighbours stay distinct.
func numEqual(a, b any) bool {
	ai, au, af, ra := numValue(a)
	bi, bu, bf, rb := numValue(b)
	switch {
	case ra == repInt && rb == repInt:
		return ai == bi
	case ra == repUint && rb == repUint:
		return au == bu
	case ra == repFloat && rb == repFloat:
		return af == bf
	case ra == repInt && rb == repUint, ra == repUint && rb == repInt:
		return false // the uint carrier only holds values above MaxInt64
	case ra == repInt:
		return intEqFloat(ai, bf)
	case rb == repInt:
		return intEqFloat(bi, af)
	case ra == repUint:
		return uintEqFloat(au, bf)
	default:
		return uintEqFloat(bu, af)
	}
}

func intEqFloat(i int64, f float64) bool {
	if f != math.Trunc(f) || f < minInt64Float || f >= maxInt64Float {
		return false
	}
	return int64(f) == i
}

func uintEqFloat(u uint64, f float64) bool {
	if f != math.Trunc(f) || f < 0 || f >= maxUint64Float {
		return false
	}
	return uint64(f) == u
}

// numValue normalizes a number onto one of three carriers: signed
// integers on i, unsigned values above MaxInt64 on u, floats on f.
// KindOf gates the input, so the zero fallthrough is unreachable.
func numValue(v any) (i int64, u uint64, f float64, rep numRep) {
	switch n := v.(type) {
	case int:
		return int64(n), 0, 0, repInt
	case int8:
		return int64(n), 0, 0, repInt
	case int16:
		return int64(n), 0, 0, repInt
	case int32:
		return int64(n), 0, 0, repInt
	case int64:
		return n, 0, 0, repInt
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, uint64(n), 0, repUint
		}
		return int64(n), 0, 0, repInt
	case uint8:
		return int64(n), 0, 0, repInt
	case uint16:
		return int64(n), 0, 0, repInt
	case uint32:
		return int64(n), 0, 0, repInt
	case uint64:
		if n > math.MaxInt64 {
			return 0, n, 0, repUint
		}
		return int64(n), 0, 0, repInt
	case float32:
		return 0, 0, float64(n), repFloat
	case float64:
		return 0, 0, n, repFloat
	}
	return 0, 0, 0, repFloat
}
