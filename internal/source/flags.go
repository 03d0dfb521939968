package source

// Flags mirrors the subset of socket send flags the send path inspects
// (spec.md §4.6/§5).
type Flags int

const (
	// FlagDontWait converts a would-block socket write into ErrWouldBlock
	// with the resume state preserved, instead of blocking the caller.
	FlagDontWait Flags = 1 << iota

	// FlagWaitAll, combined with FlagDontWait, requests packet-atomic
	// non-blocking behavior: the engine rate-checks the whole APDU's
	// wire cost once up front (spec.md §4.6's "rate-limit pre-check").
	FlagWaitAll
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }
