// Package source implements the PGM send-path state machine bound to the
// transmit window: fragmentation, ODATA emission, the NAK->NCF->RDATA
// repair cycle, Reed-Solomon parity construction, and the SPM heartbeat,
// per spec.md (component C9).
//
// The shape follows the teacher's internal/hdhomerun/control.go: a
// struct holding shared state behind a mutex, an Accept-style loop for
// the repair/timer thread, and per-message handlers that validate, then
// mutate, then reply.
package source

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/snapetech/pgmsource/internal/checksum"
	"github.com/snapetech/pgmsource/internal/config"
	"github.com/snapetech/pgmsource/internal/metrics"
	"github.com/snapetech/pgmsource/internal/notify"
	"github.com/snapetech/pgmsource/internal/ratelimit"
	"github.com/snapetech/pgmsource/internal/rs"
	"github.com/snapetech/pgmsource/internal/seqno"
	"github.com/snapetech/pgmsource/internal/skb"
	"github.com/snapetech/pgmsource/internal/txw"
	"github.com/snapetech/pgmsource/internal/wire"
)

// TSI is the transport session identifier: a global source id (GSI) plus
// the source port, per spec.md §3.
type TSI struct {
	GSI   [6]byte
	Sport uint16
}

// Sender is the collaborator interface the send path uses to put bytes
// on the wire (spec.md §6's sendto contract). Transport construction and
// socket plumbing are out of scope (spec.md §1); callers supply a Sender
// bound to whatever multicast socket they have configured.
type Sender interface {
	// SendTo writes buf to the destination the Sender was configured
	// with. rateLimited and routerAlert request PGM's per-packet send
	// options. It returns ErrSocketWouldBlock when the underlying socket
	// would block.
	SendTo(buf []byte, rateLimited, routerAlert bool) (int, error)
}

// Peer is referenced only to record that an SPMR was suppressed,
// per spec.md §3.
type Peer struct {
	mu          sync.Mutex
	SpmrExpiry  time.Time
}

// ClearSpmrExpiry suppresses a pending SPMR from this peer.
func (p *Peer) ClearSpmrExpiry() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SpmrExpiry = time.Time{}
}

// FECParams bundles the Reed-Solomon/transmission-group configuration of
// spec.md §3.
type FECParams struct {
	N, K                int
	TgSqnShift          uint
	RsProactiveH        uint
	UseOndemandParity   bool
	UseProactiveParity  bool
}

// Source is the transport sender state of spec.md §3.
type Source struct {
	mu sync.Mutex // transport.mutex: config, heartbeat schedule, deadlines

	Cfg config.Config

	TSI      TSI
	Dport    uint16
	GroupNLA wire.NLA
	SrcNLA   wire.NLA

	MTU             int
	MaxTsdu         int
	MaxTsduFragment int

	Window   *txw.Window
	Rate     *ratelimit.Controller
	RS       *rs.Codec
	Notify   *notify.Channel
	Counters *metrics.Counters
	Sender   Sender
	FEC      FECParams

	// Peer is non-nil when this process also tracks receive-side SPMR
	// suppression state for itself acting as a peer; nil means "we are
	// the source" for on_spmr purposes (spec.md §4.2).
	Peer *Peer

	// Now returns the current time; overridable in tests so heartbeat
	// scheduling (testable property 6) can be exercised deterministically.
	Now func() time.Time

	spmSqn           uint32
	heartbeatState   int
	nextHeartbeatSpm time.Time
	nextPoll         time.Time

	isBound bool
	isOpen  bool

	// isApduEagain and resume mirror spec.md §3's resume state: a
	// fragmented send that hit EAGAIN mid-APDU resumes here on re-entry
	// instead of re-building the packet.
	isApduEagain bool
	resume       *SendResume
}

// SendResume snapshots an in-progress fragmented send so a mid-APDU
// EAGAIN can be resumed by re-entering Send/SendV with the same
// arguments, per spec.md §3's resume-state fields.
type SendResume struct {
	Skb             *skb.Buffer
	Wire            []byte
	TsduLength      int
	ApduLength      int
	DataBytesOffset int
	FirstSqn        seqno.SN
	VectorIndex     int
	VectorOffset    int
	DataPktOffset   int
	UnfoldedOdata   uint32
	IsRateLimited   bool

	// Fields below carry the fragmentation-loop continuation across a
	// resume; they are not part of spec.md's resume-state shape, which
	// describes only a single pending TPDU, but the multi-TPDU loop needs
	// them to pick back up after the pending one is retried.
	remaining              [][]byte
	firstSqnForRemaining   seqno.SN
	apduLengthForRemaining int
	offsetForRemaining     int
	chargeRate             bool
	isFragmentedRemaining  bool
}

// New constructs a Source. txwSqns sizes the transmit window; mtu bounds
// MaxTsdu/MaxTsduFragment (header overhead is reserved from it).
func New(tsi TSI, dport uint16, group, src wire.NLA, mtu int, txwSqns uint32, fec FECParams, rate *ratelimit.Controller, counters *metrics.Counters) *Source {
	headerOverhead := wire.HeaderLen + wire.DataHeaderLen
	maxTsdu := mtu - headerOverhead
	fragOverhead := headerOverhead + 4 + 2 + 12 // + OPT_LENGTH + opt header + OptFragment body
	s := &Source{
		TSI:             tsi,
		Dport:           dport,
		GroupNLA:        group,
		SrcNLA:          src,
		MTU:             mtu,
		MaxTsdu:         maxTsdu,
		MaxTsduFragment: mtu - fragOverhead,
		Window:          txw.New(txwSqns),
		Rate:            rate,
		RS:              rs.New(fec.N, fec.K),
		Notify:          notify.New(),
		Counters:        counters,
		FEC:             fec,
		Now:             time.Now,
		isOpen:          true,
	}
	s.resetHeartbeatSpm()
	return s
}

// IsBound implements config.bound so the Config setters can reject
// mutation after the transport has bound a socket.
func (s *Source) IsBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isBound
}

// Bind marks the transport bound, locking out further Config setter
// calls per spec.md §4.1. Socket construction itself is out of scope
// (spec.md §1); this only flips the state flag the setters check.
func (s *Source) Bind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isBound = true
}

// IsOpen reports whether sends are currently accepted.
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen
}

// Close marks the transport closed; all subsequent sends fail with
// ErrConnectionReset, and this is also the repair consumer's termination
// signal (spec.md §5).
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOpen = false
}

// tgSqnMask returns the current transmission-group mask.
func (s *Source) tgSqnMask() seqno.SN {
	return seqno.TGMask(s.FEC.TgSqnShift)
}

// buildHeaderChecksum computes the PGM header checksum over the header
// region (header+data-header+options) combined with the payload's
// already-accumulated partial sum, then folds, per spec.md §4.6 step 4.
func buildHeaderChecksum(headerRegion []byte, payloadPartial uint32) uint16 {
	headerPartial := checksum.Partial(headerRegion, 0)
	combined := checksum.BlockAdd(headerPartial, payloadPartial)
	return checksum.Fold(combined)
}

// logCritical mirrors the teacher's log.Printf("... error: %v") idiom for
// conditions spec.md §7 calls out as "logged critical" rather than fatal.
func logCritical(format string, args ...any) {
	log.Printf("pgm: critical: "+format, args...)
}

func (s *Source) gsiTag() string {
	return fmt.Sprintf("%x", s.TSI.GSI)
}
