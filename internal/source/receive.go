package source

import (
	"github.com/snapetech/pgmsource/internal/seqno"
	"github.com/snapetech/pgmsource/internal/wire"
)

// OnReceive decodes one raw packet read off the multicast socket and
// dispatches it to the matching handler, per spec.md §4.3/§4.4's NAK
// intake path and §4.2's SPMR reply path. This is the production
// caller of the wire package's option-walk/NLA-decode helpers; a
// malformed common header is counted and discarded without decoding
// further.
func (s *Source) OnReceive(buf []byte) error {
	hdr, err := wire.DecodeHeader(buf)
	if err != nil {
		s.Counters.MalformedNaks.Inc()
		s.Counters.PacketsDiscarded.Inc()
		return err
	}
	rest := buf[wire.HeaderLen:]

	switch hdr.Type {
	case wire.TypeNAK:
		return s.onReceiveNak(hdr, rest)
	case wire.TypeNNAK:
		return s.onReceiveNnak(hdr, rest)
	case wire.TypeSPMR, wire.TypeSPMRDest:
		return s.onReceiveSpmr(hdr)
	default:
		// ODATA/RDATA/NCF/SPM are never received by the source side.
		return nil
	}
}

func (s *Source) onReceiveNak(hdr *wire.Header, rest []byte) error {
	body, n, err := wire.DecodeNakBody(rest)
	if err != nil {
		s.Counters.MalformedNaks.Inc()
		s.Counters.PacketsDiscarded.Inc()
		return err
	}
	isParity := hdr.Options&wire.OptParity != 0

	if hdr.Options&wire.OptPresent == 0 {
		return s.OnNak(seqno.SN(body.Sqn), isParity, body.SrcNLA, body.GrpNLA)
	}

	opts, err := wire.WalkOptions(rest[n:])
	if err != nil {
		s.Counters.MalformedNaks.Inc()
		s.Counters.PacketsDiscarded.Inc()
		return err
	}
	if len(opts.NakList) == 0 {
		return s.OnNak(seqno.SN(body.Sqn), isParity, body.SrcNLA, body.GrpNLA)
	}
	return s.OnNakList(seqno.SN(body.Sqn), opts.NakList, body.SrcNLA, body.GrpNLA)
}

func (s *Source) onReceiveNnak(hdr *wire.Header, rest []byte) error {
	body, n, err := wire.DecodeNakBody(rest)
	if err != nil {
		s.Counters.NnakErrors.Inc()
		return err
	}
	isList := hdr.Options&wire.OptPresent != 0 && len(rest) > n
	return s.OnNNak(seqno.SN(body.Sqn), isList)
}

func (s *Source) onReceiveSpmr(hdr *wire.Header) error {
	fromSelf := hdr.GSI == s.TSI.GSI && hdr.Sport == s.TSI.Sport
	return s.OnSpmr(fromSelf, s.Peer)
}
