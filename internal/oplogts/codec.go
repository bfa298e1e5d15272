// Package oplogts implements the timestamp codec used to compare and
// checkpoint positions in a source database's operation log.
package oplogts

import "go.mongodb.org/mongo-driver/bson/primitive"

// Timestamp is a source log position: a pair of seconds and an ordinal,
// compared lexicographically by (Seconds, Ordinal). No two distinct entries
// in a single log share a Timestamp.
type Timestamp struct {
	Seconds uint32
	Ordinal uint32
}

// Encode packs t into a single uint64 with Seconds in the high 32 bits and
// Ordinal in the low 32 bits. Encode is pure and total.
func Encode(t Timestamp) uint64 {
	return uint64(t.Seconds)<<32 | uint64(t.Ordinal)
}

// Decode is the inverse of Encode.
func Decode(v uint64) Timestamp {
	return Timestamp{
		Seconds: uint32(v >> 32),
		Ordinal: uint32(v),
	}
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func Compare(a, b Timestamp) int {
	switch {
	case a.Seconds != b.Seconds:
		if a.Seconds < b.Seconds {
			return -1
		}
		return 1
	case a.Ordinal != b.Ordinal:
		if a.Ordinal < b.Ordinal {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// FromPrimitive converts a driver-native BSON timestamp into a Timestamp.
func FromPrimitive(p primitive.Timestamp) Timestamp {
	return Timestamp{Seconds: p.T, Ordinal: p.I}
}

// ToPrimitive converts a Timestamp into the driver-native BSON timestamp
// shape used in oplog queries and documents.
func ToPrimitive(t Timestamp) primitive.Timestamp {
	return primitive.Timestamp{T: t.Seconds, I: t.Ordinal}
}
