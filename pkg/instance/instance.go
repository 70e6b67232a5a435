// Package instance defines the meta fields every record carries when it
// crosses a process boundary, and helpers to read and stamp them.
//
// The delta core treats "id" and "_"-prefixed keys as opaque metadata;
// this package gives them meaning: who the record is (`id`,
// `_instance_type`), when it was published (`_tstamp`), what happened
// to it (`_operation`), and who may see it (`_user_key`).
package instance

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/statecast-project/statecast/pkg/delta"
)

// Meta field keys.
const (
	KeyID        = "id"
	KeyType      = "_instance_type"
	KeyTimestamp = "_tstamp"
	KeyOperation = "_operation"
	KeyUserKey   = "_user_key"
	KeyDeleted   = "_deleted"
)

// Operations carried in the `_operation` field.
const (
	OpCreate          = "create"
	OpUpdate          = "update"
	OpDelete          = "delete"
	OpInitialState    = "initial_state"
	OpEndInitialState = "end_initial_state"
)

// TypeNotification is the reserved instance type of system notifications.
const TypeNotification = "_notification"

// ErrNoID reports a record without a usable integer `id` field.
var ErrNoID = errors.New("instance: record has no usable id")

// Type returns the record's instance type label, or "" when unset.
func Type(rec delta.Record) string {
	s, _ := rec[KeyType].(string)
	return s
}

// ID returns the record's instance identifier. Records arrive through
// JSON and msgpack decoders, so any integral numeric representation is
// accepted. The error names the instance type to ease debugging.
func ID(rec delta.Record) (int64, error) {
	if id, ok := toInt64(rec[KeyID]); ok {
		return id, nil
	}
	return 0, fmt.Errorf("%w (type %q)", ErrNoID, Type(rec))
}

// OperationOf returns the record's `_operation` field, or "" when unset.
func OperationOf(rec delta.Record) string {
	s, _ := rec[KeyOperation].(string)
	return s
}

// TimestampOf returns the record's `_tstamp` field, or 0 when unset.
func TimestampOf(rec delta.Record) float64 {
	f, _ := toFloat64(rec[KeyTimestamp])
	return f
}

// UserKeyOf returns the record's `_user_key` and whether one is set.
func UserKeyOf(rec delta.Record) (int64, bool) {
	return toInt64(rec[KeyUserKey])
}

// IsDeleted reports whether the record is a tombstone.
func IsDeleted(rec delta.Record) bool {
	b, _ := rec[KeyDeleted].(bool)
	return b
}

// Mark stamps type, operation and timestamp onto rec and returns it.
func Mark(rec delta.Record, typ, op string, ts float64) delta.Record {
	rec[KeyType] = typ
	rec[KeyOperation] = op
	rec[KeyTimestamp] = ts
	return rec
}

// CopyMeta re-stamps dst with src's `id` and every "_" key and returns
// dst. The delta core never reports meta fields as changes; the wire
// needs them back on an outgoing delta so clients can route it.
func CopyMeta(dst, src delta.Record) delta.Record {
	if id, ok := src[KeyID]; ok {
		dst[KeyID] = id
	}
	for k, v := range src {
		if strings.HasPrefix(k, "_") {
			dst[k] = v
		}
	}
	return dst
}

// Tombstone builds the record that announces an instance's deletion.
func Tombstone(typ string, id int64, ts float64) delta.Record {
	rec := delta.Record{KeyID: id, KeyDeleted: true}
	return Mark(rec, typ, OpDelete, ts)
}

// EndOfInitialState builds the marker record that closes the initial
// state phase of a stream. Clients use its timestamp as the `since`
// value when they reconnect.
func EndOfInitialState(ts float64) delta.Record {
	rec := delta.Record{KeyID: int64(0)}
	return Mark(rec, "", OpEndInitialState, ts)
}

// Notification builds a system notification record for the group.
func Notification(payload delta.Record, ts float64) delta.Record {
	rec := make(delta.Record, len(payload)+4)
	for k, v := range payload {
		rec[k] = v
	}
	rec[KeyID] = int64(0)
	return Mark(rec, TypeNotification, OpUpdate, ts)
}

// At converts a point in time to the wire timestamp: seconds since the
// Unix epoch with sub-second precision.
func At(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts a wire timestamp back to a point in time.
func Time(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// toInt64 accepts every integral representation a decoder may produce.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return toInt64(float64(n))
	case float64:
		// integral and inside the int64 range; -2^63 is exactly
		// representable, 2^63 is the first float64 past MaxInt64, and
		// the bounds also catch the infinities
		if math.Trunc(n) != n || n < -9.223372036854776e18 || n >= 9.223372036854776e18 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
