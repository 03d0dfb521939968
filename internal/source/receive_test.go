package source

import (
	"testing"

	"github.com/snapetech/pgmsource/internal/wire"
)

func buildNakPacket(t *testing.T, s *Source, sqn uint32, isParity bool) []byte {
	t.Helper()
	body := &wire.NakBody{Sqn: sqn, SrcNLA: s.SrcNLA, GrpNLA: s.GroupNLA}
	bodyBytes, err := body.Marshal()
	if err != nil {
		t.Fatalf("NakBody.Marshal: %v", err)
	}
	hdr := &wire.Header{Type: wire.TypeNAK, GSI: s.TSI.GSI, Sport: s.TSI.Sport, Dport: s.Dport}
	if isParity {
		hdr.Options |= wire.OptParity
	}
	return append(hdr.Marshal(), bodyBytes...)
}

func TestOnReceiveDispatchesNakToOnNak(t *testing.T) {
	s, sender := newTestSource(t)
	s.Send([]byte("hello"), 0)
	before := sender.count()

	pkt := buildNakPacket(t, s, 0, false)
	if err := s.OnReceive(pkt); err != nil {
		t.Fatalf("OnReceive: %v", err)
	}
	if sender.count() != before+1 {
		t.Fatalf("expected an NCF to be sent, got %d new packets", sender.count()-before)
	}
	hdr, err := wire.DecodeHeader(sender.last())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != wire.TypeNCF {
		t.Errorf("Type = %x, want NCF", hdr.Type)
	}
}

func TestOnReceiveMalformedHeaderIsDiscarded(t *testing.T) {
	s, _ := newTestSource(t)
	before := testutilCounterValue(t, s.Counters.PacketsDiscarded)
	if err := s.OnReceive([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a truncated header")
	}
	after := testutilCounterValue(t, s.Counters.PacketsDiscarded)
	if after != before+1 {
		t.Errorf("PacketsDiscarded = %v, want %v", after, before+1)
	}
}

func TestOnReceiveSpmrFromSelfTriggersSpm(t *testing.T) {
	s, sender := newTestSource(t)
	before := sender.count()

	hdr := &wire.Header{Type: wire.TypeSPMR, GSI: s.TSI.GSI, Sport: s.TSI.Sport, Dport: s.Dport}
	if err := s.OnReceive(hdr.Marshal()); err != nil {
		t.Fatalf("OnReceive: %v", err)
	}
	if sender.count() != before+1 {
		t.Fatalf("expected an SPM reply, got %d new packets", sender.count()-before)
	}
	got, err := wire.DecodeHeader(sender.last())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.Type != wire.TypeSPM {
		t.Errorf("Type = %x, want SPM", got.Type)
	}
}
