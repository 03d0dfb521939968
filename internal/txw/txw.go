// Package txw implements the transmit window: a fixed-capacity ring of
// buffered ODATA keyed by sequence number, plus the retransmit queue that
// the NAK intake path and the repair consumer share (spec.md §3/§4,
// component C4).
package txw

import (
	"sync"

	"github.com/snapetech/pgmsource/internal/seqno"
	"github.com/snapetech/pgmsource/internal/skb"
)

// Entry is one pending retransmit: either a selective repair of a single
// SN, or a parity repair. For a parity entry, Sqn is the full tg_sqn|rs_h
// value carried on the wire (the NAK's data_sqn, or the proactive
// scheduler's group base OR'd with rs_proactive_h) and Shift is the
// tg_sqn_shift in effect at push time, per spec.md §4.3 step 7 /
// original_source's pgm_txw_retransmit_push(sqn, is_parity, tg_sqn_shift).
// The group base and rs_h position are recovered from these at peek time.
type Entry struct {
	Sqn      seqno.SN
	IsParity bool
	Shift    uint
}

// Window is the fixed-size ring described in spec.md §3. The zero value
// is not usable; construct with New.
//
// Locking follows spec.md §5: Mu is the reader/writer lock over the
// window itself (readers are repair builders and SPM trail/lead
// snapshots; writers are ODATA appenders). The retransmit queue has its
// own mutex since it is mutated by the NAK-intake path (a second
// producer, per spec.md §5) independently of ODATA writes.
type Window struct {
	Mu sync.RWMutex

	capacity seqno.SN
	slots    map[seqno.SN]*skb.Buffer
	trail    seqno.SN
	lead     seqno.SN
	hasLead  bool

	rtMu      sync.Mutex
	rtQueue   []Entry
	rtPending map[seqno.SN]bool
}

// New creates a Window with the given capacity in sequence numbers.
func New(capacitySqns uint32) *Window {
	return &Window{
		capacity:  seqno.SN(capacitySqns),
		slots:     make(map[seqno.SN]*skb.Buffer),
		rtPending: make(map[seqno.SN]bool),
	}
}

// Trail returns the oldest kept sequence number.
func (w *Window) Trail() seqno.SN {
	w.Mu.RLock()
	defer w.Mu.RUnlock()
	return w.trail
}

// Lead returns the most recently emitted sequence number.
func (w *Window) Lead() seqno.SN {
	w.Mu.RLock()
	defer w.Mu.RUnlock()
	return w.lead
}

// NextLead returns the sequence number that will be assigned to the next
// Add call, without mutating state.
func (w *Window) NextLead() seqno.SN {
	w.Mu.RLock()
	defer w.Mu.RUnlock()
	return w.nextLeadLocked()
}

// NextLeadLocked is NextLead for callers already holding Mu (read or
// write), matching spec.md §4.6 step 1's "stamp data_sqn" under the
// write lock.
func (w *Window) NextLeadLocked() seqno.SN {
	return w.nextLeadLocked()
}

func (w *Window) nextLeadLocked() seqno.SN {
	if !w.hasLead {
		return 0
	}
	return w.lead + 1
}

// Capacity returns the window's fixed size in sequence numbers.
func (w *Window) Capacity() seqno.SN {
	return w.capacity
}

// Add appends buf to the window under sqn = NextLead(), evicting the
// trail entry if the window is at capacity. Add acquires the write lock
// itself, so it must not be called with Mu held; callers that hold the
// write lock across a multi-step send (spec.md §4.6 step 1/5) use
// AddLocked instead.
func (w *Window) Add(buf *skb.Buffer) seqno.SN {
	w.Mu.Lock()
	defer w.Mu.Unlock()
	return w.addLocked(buf)
}

func (w *Window) addLocked(buf *skb.Buffer) seqno.SN {
	var sqn seqno.SN
	if !w.hasLead {
		sqn = 0
		w.hasLead = true
	} else {
		sqn = w.lead + 1
	}
	buf.Sequence = sqn
	w.slots[sqn] = buf
	w.lead = sqn
	if seqno.SN(len(w.slots)) > w.capacity {
		w.evictTrailLocked()
	} else if len(w.slots) == 1 {
		w.trail = sqn
	}
	return sqn
}

func (w *Window) evictTrailLocked() {
	for {
		if _, ok := w.slots[w.trail]; ok {
			delete(w.slots, w.trail)
			w.trail++
			break
		}
		w.trail++
	}
}

// Lock acquires the write lock for a multi-step producer sequence (stamp
// header, Add, send), matching spec.md §4.6 step 1/7.
func (w *Window) Lock()   { w.Mu.Lock() }
func (w *Window) Unlock() { w.Mu.Unlock() }

// AddLocked is Add without acquiring the lock; callers must hold Mu via
// Lock/Unlock for the whole per-packet procedure of spec.md §4.6.
func (w *Window) AddLocked(buf *skb.Buffer) seqno.SN {
	return w.addLocked(buf)
}

// TrailLocked/LeadLocked read trail/lead assuming the caller already
// holds Mu (for read or write).
func (w *Window) TrailLocked() seqno.SN { return w.trail }
func (w *Window) LeadLocked() seqno.SN  { return w.lead }

// Peek returns the buffer stored at sqn, if it is still within the
// window.
func (w *Window) Peek(sqn seqno.SN) (*skb.Buffer, bool) {
	w.Mu.RLock()
	defer w.Mu.RUnlock()
	return w.peekLocked(sqn)
}

func (w *Window) peekLocked(sqn seqno.SN) (*skb.Buffer, bool) {
	b, ok := w.slots[sqn]
	return b, ok
}

// PeekLocked is Peek without acquiring the lock, for callers already
// holding Mu (e.g. the repair consumer, per spec.md §4.5 step 1).
func (w *Window) PeekLocked(sqn seqno.SN) (*skb.Buffer, bool) {
	return w.peekLocked(sqn)
}

// InWindow reports whether sqn lies in [trail, lead] per spec.md §3
// invariant.
func (w *Window) InWindow(sqn seqno.SN) bool {
	w.Mu.RLock()
	defer w.Mu.RUnlock()
	if !w.hasLead {
		return false
	}
	return seqno.InRange(sqn, w.trail, w.lead)
}

// --- retransmit queue ---

// RetransmitPush enqueues sqn for retransmission (selective or parity),
// suppressing duplicates per spec.md §3 ("at most one pending retransmit
// entry per SN"). It reports whether a new entry was actually queued,
// matching spec.md §6's retransmit_push(...) -> new_entries contract.
// shift is ignored for selective entries; for parity entries it is the
// tg_sqn_shift used to recover the group base and rs_h at peek time.
func (w *Window) RetransmitPush(sqn seqno.SN, isParity bool, shift uint) bool {
	w.rtMu.Lock()
	defer w.rtMu.Unlock()
	key := sqn
	if isParity {
		key = seqno.TGSqn(sqn, seqno.TGMask(shift))
	}
	if w.rtPending[key] {
		return false
	}
	w.rtPending[key] = true
	w.rtQueue = append(w.rtQueue, Entry{Sqn: sqn, IsParity: isParity, Shift: shift})
	return true
}

// RetransmitTryPeek returns the head of the retransmit queue without
// removing it, alongside the buffer it refers to and its saved partial
// checksum, per spec.md §6's retransmit_try_peek contract. For a parity
// entry, the returned buffer is the transmission group's base ODATA
// (peeked by tg_sqn, not by the raw tg_sqn|rs_h value, which does not
// itself name a buffered packet) and rsH is the entry's position within
// the group. The bool result reports whether an entry was available.
func (w *Window) RetransmitTryPeek() (buf *skb.Buffer, savedCsum uint32, isParity bool, rsH uint, ok bool) {
	w.rtMu.Lock()
	if len(w.rtQueue) == 0 {
		w.rtMu.Unlock()
		return nil, 0, false, 0, false
	}
	head := w.rtQueue[0]
	w.rtMu.Unlock()

	peekSqn := head.Sqn
	if head.IsParity {
		mask := seqno.TGMask(head.Shift)
		peekSqn = seqno.TGSqn(head.Sqn, mask)
		rsH = uint(uint32(seqno.TGPosition(head.Sqn, mask)))
	}

	b, found := w.Peek(peekSqn)
	if !found {
		// SN aged out of the window before repair; drop the stale entry.
		w.RetransmitRemoveHead()
		return nil, 0, false, 0, false
	}
	return b, b.SavedPartialCsum, head.IsParity, rsH, true
}

// RetransmitRemoveHead removes the head of the retransmit queue,
// re-enabling future NAK processing for that SN (spec.md §4.5 step 5).
func (w *Window) RetransmitRemoveHead() {
	w.rtMu.Lock()
	defer w.rtMu.Unlock()
	if len(w.rtQueue) == 0 {
		return
	}
	head := w.rtQueue[0]
	w.rtQueue = w.rtQueue[1:]
	key := head.Sqn
	if head.IsParity {
		key = seqno.TGSqn(head.Sqn, seqno.TGMask(head.Shift))
	}
	delete(w.rtPending, key)
}

// RetransmitLen reports the current depth of the retransmit queue.
func (w *Window) RetransmitLen() int {
	w.rtMu.Lock()
	defer w.rtMu.Unlock()
	return len(w.rtQueue)
}
