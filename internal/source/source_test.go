package source

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/snapetech/pgmsource/internal/metrics"
	"github.com/snapetech/pgmsource/internal/ratelimit"
	"github.com/snapetech/pgmsource/internal/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (f *fakeSender) SendTo(buf []byte, rateLimited, routerAlert bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, ErrSocketWouldBlock
	}
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, cp)
	return len(buf), nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestSource(t *testing.T) (*Source, *fakeSender) {
	t.Helper()
	reg := prometheus.NewRegistry()
	counters := metrics.New(reg, "test-tsi")
	rate := ratelimit.New(1<<20, 1<<20)
	group := wire.NLA{AFI: wire.AFIIPv4, Bytes: []byte{239, 0, 0, 1}}
	src := wire.NLA{AFI: wire.AFIIPv4, Bytes: []byte{10, 0, 0, 1}}
	fec := FECParams{N: 255, K: 8, TgSqnShift: 3}
	s := New(TSI{GSI: [6]byte{1, 2, 3, 4, 5, 6}, Sport: 1000}, 2000, group, src, 1500, 4096, fec, rate, counters)
	sender := &fakeSender{}
	s.Sender = sender
	return s, sender
}

func TestSendSinglePacket(t *testing.T) {
	s, sender := newTestSource(t)
	n, err := s.Send([]byte("hello world"), 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != len("hello world") {
		t.Errorf("Send returned %d, want %d", n, len("hello world"))
	}
	if sender.count() != 1 {
		t.Fatalf("expected 1 packet sent, got %d", sender.count())
	}
	hdr, err := wire.DecodeHeader(sender.last())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != wire.TypeODATA {
		t.Errorf("Type = %x, want ODATA", hdr.Type)
	}
}

func TestSendFragmentsLargeAPDU(t *testing.T) {
	s, sender := newTestSource(t)
	payload := make([]byte, s.MaxTsdu*2+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := s.Send(payload, 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != len(payload) {
		t.Errorf("Send returned %d, want %d", n, len(payload))
	}
	if sender.count() < 3 {
		t.Fatalf("expected at least 3 fragments, got %d", sender.count())
	}
	for i := 0; i < sender.count(); i++ {
		hdr, err := wire.DecodeHeader(sender.sent[i])
		if err != nil {
			t.Fatalf("DecodeHeader[%d]: %v", i, err)
		}
		if hdr.Options&wire.OptPresent == 0 {
			t.Errorf("fragment %d: expected OPT_FRAGMENT present", i)
		}
	}
}

func TestSendRejectsOversizedAPDU(t *testing.T) {
	s, _ := newTestSource(t)
	maxApdu := int(s.Window.Capacity()) * s.MaxTsduFragment
	_, err := s.Send(make([]byte, maxApdu+1), 0)
	if err != ErrMessageSize {
		t.Errorf("expected ErrMessageSize, got %v", err)
	}
}

func TestSendOnClosedTransport(t *testing.T) {
	s, _ := newTestSource(t)
	s.Close()
	_, err := s.Send([]byte("x"), 0)
	if err != ErrConnectionReset {
		t.Errorf("expected ErrConnectionReset, got %v", err)
	}
}

func TestOnNakQueuesRepairAndSendsNCF(t *testing.T) {
	s, sender := newTestSource(t)
	if _, err := s.Send([]byte("payload one"), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	before := sender.count()

	if err := s.OnNak(0, false, s.SrcNLA, s.GroupNLA); err != nil {
		t.Fatalf("OnNak: %v", err)
	}
	if sender.count() != before+1 {
		t.Fatalf("expected an NCF to be sent, count = %d", sender.count())
	}
	hdr, err := wire.DecodeHeader(sender.last())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != wire.TypeNCF {
		t.Errorf("Type = %x, want NCF", hdr.Type)
	}
	if s.Window.RetransmitLen() != 1 {
		t.Errorf("RetransmitLen = %d, want 1", s.Window.RetransmitLen())
	}
}

func TestOnNakRejectsOutOfWindowSqn(t *testing.T) {
	s, _ := newTestSource(t)
	if _, err := s.Send([]byte("payload one"), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.OnNak(999, false, s.SrcNLA, s.GroupNLA); err != ErrInvalidArgument {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestDrainRetransmitQueueSendsRDATA(t *testing.T) {
	s, sender := newTestSource(t)
	if _, err := s.Send([]byte("payload one"), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s.Window.RetransmitPush(0, false, 0)

	before := sender.count()
	s.drainRetransmitQueue()
	if sender.count() != before+1 {
		t.Fatalf("expected 1 repair sent, got %d new", sender.count()-before)
	}
	hdr, err := wire.DecodeHeader(sender.last())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != wire.TypeRDATA {
		t.Errorf("Type = %x, want RDATA", hdr.Type)
	}
	if s.Window.RetransmitLen() != 0 {
		t.Errorf("queue should be drained, len = %d", s.Window.RetransmitLen())
	}
}

func TestOnNakParityDisabledIsDiscarded(t *testing.T) {
	s, sender := newTestSource(t)
	if _, err := s.Send([]byte("payload one"), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	before := sender.count()

	if err := s.OnNak(0, true, s.SrcNLA, s.GroupNLA); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if sender.count() != before {
		t.Errorf("expected no NCF for a disabled-parity NAK, count = %d", sender.count())
	}
	if v := testutilCounterValue(t, s.Counters.ParityNaksReceived); v != 1 {
		t.Errorf("ParityNaksReceived = %v, want 1", v)
	}
	if v := testutilCounterValue(t, s.Counters.MalformedNaks); v != 1 {
		t.Errorf("MalformedNaks = %v, want 1", v)
	}
	if v := testutilCounterValue(t, s.Counters.PacketsDiscarded); v != 1 {
		t.Errorf("PacketsDiscarded = %v, want 1", v)
	}
}

func TestOnNakParityEchoesOptParityOnNCF(t *testing.T) {
	s, sender := newTestSource(t)
	s.FEC.UseOndemandParity = true
	for i := 0; i < 8; i++ {
		if _, err := s.Send([]byte("x"), 0); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	if err := s.OnNak(0, true, s.SrcNLA, s.GroupNLA); err != nil {
		t.Fatalf("OnNak: %v", err)
	}
	hdr, err := wire.DecodeHeader(sender.last())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != wire.TypeNCF {
		t.Fatalf("Type = %x, want NCF", hdr.Type)
	}
	if hdr.Options&wire.OptParity == 0 {
		t.Error("expected NCF to carry OPT_PARITY for a parity NAK")
	}

	if err := s.OnNak(1, false, s.SrcNLA, s.GroupNLA); err != nil {
		t.Fatalf("OnNak: %v", err)
	}
	hdr2, err := wire.DecodeHeader(sender.last())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr2.Options&wire.OptParity != 0 {
		t.Error("expected no OPT_PARITY on an NCF for a selective NAK")
	}
}

func TestProactiveParityScheduledAtGroupBoundary(t *testing.T) {
	s, _ := newTestSource(t)
	s.FEC.UseProactiveParity = true
	s.FEC.RsProactiveH = 0

	for i := 0; i < 8; i++ {
		if _, err := s.Send([]byte("x"), 0); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	if got := s.Window.RetransmitLen(); got != 1 {
		t.Fatalf("RetransmitLen = %d, want 1", got)
	}
	if !s.Notify.TryRead() {
		t.Error("expected a pending notification wake after the group boundary")
	}
}

func TestDrainRetransmitQueueBuildsParityRDATA(t *testing.T) {
	s, sender := newTestSource(t)
	s.FEC.UseOndemandParity = true
	for i := 0; i < 8; i++ {
		if _, err := s.Send([]byte("payload"), 0); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	s.Window.RetransmitPush(0, true, s.FEC.TgSqnShift)

	before := sender.count()
	s.drainRetransmitQueue()
	if sender.count() != before+1 {
		t.Fatalf("expected 1 parity repair sent, got %d new", sender.count()-before)
	}
	hdr, err := wire.DecodeHeader(sender.last())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != wire.TypeRDATA {
		t.Errorf("Type = %x, want RDATA", hdr.Type)
	}
	if hdr.Options&wire.OptParity == 0 {
		t.Error("expected OPT_PARITY on the parity repair")
	}
	if s.Window.RetransmitLen() != 0 {
		t.Errorf("queue should be drained, len = %d", s.Window.RetransmitLen())
	}
}

func testutilCounterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestResetHeartbeatSpmRestartsAtStateOne(t *testing.T) {
	s, _ := newTestSource(t)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return fixed }
	s.Cfg.HeartbeatSpm = []uint64{0, 1000, 2000, 0}

	s.resetHeartbeatSpm()
	s.mu.Lock()
	got := s.nextHeartbeatSpm
	state := s.heartbeatState
	s.mu.Unlock()
	if !got.After(fixed) {
		t.Errorf("nextHeartbeatSpm = %v, want after %v", got, fixed)
	}
	if state != 1 {
		t.Errorf("heartbeatState = %d, want 1", state)
	}
}

func TestOnSpmrFromSelfReplies(t *testing.T) {
	s, sender := newTestSource(t)
	before := sender.count()
	if err := s.OnSpmr(true, nil); err != nil {
		t.Fatalf("OnSpmr: %v", err)
	}
	if sender.count() != before+1 {
		t.Fatalf("expected an SPM reply, count = %d", sender.count())
	}
	hdr, err := wire.DecodeHeader(sender.last())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != wire.TypeSPM {
		t.Errorf("Type = %x, want SPM", hdr.Type)
	}
}

func TestOnSpmrFromPeerSuppresses(t *testing.T) {
	s, sender := newTestSource(t)
	peer := &Peer{SpmrExpiry: time.Now().Add(time.Second)}
	before := sender.count()
	if err := s.OnSpmr(false, peer); err != nil {
		t.Fatalf("OnSpmr: %v", err)
	}
	if sender.count() != before {
		t.Errorf("expected no reply for a peer SPMR, count = %d", sender.count())
	}
	if !peer.SpmrExpiry.IsZero() {
		t.Errorf("expected SpmrExpiry cleared")
	}
}
