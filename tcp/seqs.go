package tcp

import "strconv"

// Value is a 32-bit TCP sequence number. Arithmetic on Value wraps
// modulo 2^32 and comparisons must account for that wraparound (RFC
// 9293 section 3.4), which is what Add/LessThan/InWindow below do
// instead of plain integer comparison.
type Value uint32

// Size is a window or segment-length in octets.
type Size uint32

// Add returns v+sz, wrapping modulo 2^32.
func Add(v Value, sz Size) Value { return v + Value(sz) }

// Sub returns the signed distance from b to a (a-b) in sequence space,
// wrapping modulo 2^32. Only meaningful for values known to be within
// 2^31 of each other.
func Sub(a, b Value) int32 { return int32(a - b) }

// LessThan reports whether a precedes b in sequence space.
func LessThan(a, b Value) bool { return Sub(a, b) < 0 }

// LessThanEq reports whether a precedes or equals b in sequence space.
func LessThanEq(a, b Value) bool { return Sub(a, b) <= 0 }

// InWindow reports whether v lies in [start, start+size) in sequence
// space, per the RFC 9293 §3.4 acceptability test.
func InWindow(v, start Value, size Size) bool {
	return LessThanEq(start, v) && LessThan(v, Add(start, size))
}

// String renders a segment as "<SEQ=..><ACK=..>[FLAGS]".
func (seg Segment) String() string {
	b := make([]byte, 0, 48)
	b = append(b, "<SEQ="...)
	b = strconv.AppendUint(b, uint64(seg.SEQ), 10)
	b = append(b, ">"...)
	if seg.Flags.HasAny(FlagACK) {
		b = append(b, "<ACK="...)
		b = strconv.AppendUint(b, uint64(seg.ACK), 10)
		b = append(b, ">"...)
	}
	if seg.DATALEN > 0 {
		b = append(b, "<DATA="...)
		b = strconv.AppendUint(b, uint64(seg.DATALEN), 10)
		b = append(b, ">"...)
	}
	b = append(b, seg.Flags.String()...)
	return string(b)
}
