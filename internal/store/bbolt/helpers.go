package bbolt

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Key layout. Channel names may not contain '|', anchors and ids are
// fixed-width big-endian, and timestamps are stored as IEEE 754 bits,
// which sort like the numbers themselves for non-negative values. Byte
// order of the keys is therefore scan order.
//
//	instances: <channel> '|' <anchor:8> '|' <type> '|' <id:8>
//	updates:   <channel> '|' <anchor:8> '|' <ts:8> <seq:4>

func prefixAnchor(channel string, anchor int64) []byte {
	buf := make([]byte, 0, len(channel)+10)
	buf = append(buf, channel...)
	buf = append(buf, '|')
	buf = binary.BigEndian.AppendUint64(buf, uint64(anchor))
	return append(buf, '|')
}

func keyInstance(channel string, anchor int64, typ string, id int64) []byte {
	buf := prefixAnchor(channel, anchor)
	buf = append(buf, typ...)
	buf = append(buf, '|')
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

func keyUpdate(prefix []byte, ts float64, seq uint32) []byte {
	buf := make([]byte, 0, len(prefix)+12)
	buf = append(buf, prefix...)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(ts))
	return binary.BigEndian.AppendUint32(buf, seq)
}

// tsOfKey reads the timestamp from an update key's fixed-width tail.
func tsOfKey(k []byte) float64 {
	if len(k) < 12 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(k[len(k)-12 : len(k)-4]))
}

func seqOfKey(k []byte) uint32 {
	if len(k) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(k[len(k)-4:])
}

// splitAnchor recovers (channel, anchor) from either key form.
func splitAnchor(k []byte) (string, int64, bool) {
	i := bytes.IndexByte(k, '|')
	if i < 0 || len(k) < i+10 || k[i+9] != '|' {
		return "", 0, false
	}
	anchor := int64(binary.BigEndian.Uint64(k[i+1 : i+9]))
	return string(k[:i]), anchor, true
}
