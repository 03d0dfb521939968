// Package seqno implements PGM's modular 32-bit sequence number arithmetic
// and the transmission-group masking derived from it.
package seqno

// SN is a PGM sequence number: unsigned 32-bit, compared by signed
// difference on the short arc so that wrap-around behaves correctly.
type SN uint32

// Gt reports whether a is strictly after b on the short arc.
func Gt(a, b SN) bool {
	return int32(a-b) > 0
}

// Lt reports whether a is strictly before b on the short arc.
func Lt(a, b SN) bool {
	return int32(a-b) < 0
}

// Ge reports whether a is at or after b.
func Ge(a, b SN) bool {
	return int32(a-b) >= 0
}

// Le reports whether a is at or before b.
func Le(a, b SN) bool {
	return int32(a-b) <= 0
}

// InRange reports whether sqn lies in the inclusive range [lo, hi] on the
// short arc, i.e. lo <= sqn <= hi accounting for wrap.
func InRange(sqn, lo, hi SN) bool {
	return Ge(sqn, lo) && Le(sqn, hi)
}

// TGMask returns the transmission-group mask for the given shift: all-ones
// left-shifted by shift. A shift of 3 groups packets 8 at a time (k=8).
func TGMask(shift uint) SN {
	return SN(^uint32(0) << shift)
}

// TGSqn returns the base sequence number of the transmission group
// containing sqn, given mask.
func TGSqn(sqn, mask SN) SN {
	return sqn & mask
}

// TGPosition returns sqn's position within its transmission group.
func TGPosition(sqn, mask SN) SN {
	return sqn &^ mask
}
