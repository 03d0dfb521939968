// Package skb implements the PGM packet buffer: a byte region with
// independently adjustable head/data/tail offsets plus the metadata the
// send path and repair consumer need to share a buffer safely.
package skb

import (
	"time"

	"github.com/snapetech/pgmsource/internal/seqno"
)

// Buffer is a reference-counted-in-spirit packet buffer. Go's GC makes an
// explicit refcount unnecessary; ownership transfer is tracked instead by
// convention (see doc comment on Owner below) rather than by a counter.
type Buffer struct {
	region []byte
	head   int
	data   int
	tail   int

	// Tstamp is the acquisition time, set when the buffer is first reserved.
	Tstamp time.Time

	// Sequence is the PGM sequence number once the buffer has been added
	// to the transmit window; zero until then.
	Sequence seqno.SN

	// SavedPartialCsum is the unfolded checksum of the payload, cached at
	// ODATA-build time so RDATA retransmission can recompute the header
	// checksum cheaply without rechecksumming the payload. This replaces
	// the C original's practice of overlaying the 4 bytes over pgm_sport
	// (DESIGN NOTES open question (i)) with an explicit field.
	SavedPartialCsum uint32

	// ZeroPadded marks that the parity builder has already zero-padded
	// this packet to the transmission group's parity_length; the pad is
	// idempotent and must only happen once.
	ZeroPadded bool

	// HasFragmentOpt indicates OPT_FRAGMENT is present on this packet, so
	// the parity builder knows to include it in the RS-encoded option.
	HasFragmentOpt bool
	FragmentOpt    FragmentOptData

	// HeaderLen/DataLen mark the boundary between the PGM header region
	// and the data region inside the reserved buffer, used by checksum
	// recomputation.
	HeaderLen int
}

// FragmentOptData mirrors wire.OptFragment without importing the wire
// package, avoiding a dependency cycle (wire packets are built from skb
// contents, not the other way around).
type FragmentOptData struct {
	FirstSqn   uint32
	FragOffset uint32
	ApduLength uint32
}

// New reserves a buffer with headRoom bytes before the data region and
// tailRoom after, matching the "independently adjustable head/data/tail"
// model of spec.md §3.
func New(headRoom, tailRoom, dataCap int) *Buffer {
	b := &Buffer{
		region: make([]byte, headRoom+dataCap+tailRoom),
		head:   headRoom,
		data:   headRoom,
		tail:   headRoom,
	}
	return b
}

// Reserve sets Tstamp to now and returns the buffer for chaining at
// allocation time.
func (b *Buffer) Reserve(now time.Time) *Buffer {
	b.Tstamp = now
	return b
}

// Put grows the buffer by n bytes at the tail, returning the newly
// available region. It panics if n exceeds remaining capacity, matching
// the C original's assertion-based bounds (callers size buffers to fit).
func (b *Buffer) Put(n int) []byte {
	if b.tail+n > len(b.region) {
		panic("skb: Put exceeds buffer capacity")
	}
	region := b.region[b.tail : b.tail+n]
	b.tail += n
	return region
}

// Push grows the buffer by n bytes at the head (used to prepend the PGM
// header once the payload length is known).
func (b *Buffer) Push(n int) []byte {
	if b.data-n < 0 {
		panic("skb: Push exceeds head room")
	}
	b.data -= n
	return b.region[b.data : b.data+n]
}

// Data returns the current data region (from data offset to tail).
func (b *Buffer) Data() []byte {
	return b.region[b.data:b.tail]
}

// Len returns the length of the current data region.
func (b *Buffer) Len() int {
	return b.tail - b.data
}

// HeadRoom returns how many bytes are still available to Push, i.e. the
// distance from the start of the region to the data offset.
func (b *Buffer) HeadRoom() int {
	return b.data
}

// Bytes returns the full on-wire region (equivalent to Data(); kept as a
// distinct accessor for callers that conceptually want "the wire bytes"
// rather than "the skb abstraction").
func (b *Buffer) Bytes() []byte {
	return b.Data()
}

// Reset clears the buffer back to an empty region at the original head,
// used when the parity builder reuses its singleton skb for each repair.
func (b *Buffer) Reset() {
	b.data = b.head
	b.tail = b.head
	b.ZeroPadded = false
	b.HasFragmentOpt = false
}
