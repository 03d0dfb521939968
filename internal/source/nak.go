package source

import (
	"github.com/snapetech/pgmsource/internal/checksum"
	"github.com/snapetech/pgmsource/internal/seqno"
	"github.com/snapetech/pgmsource/internal/wire"
)

// OnNak handles a received NAK requesting repair of sqn, per spec.md
// §4.3. When isParity is set, sqn is the NAK's data_sqn (tg_sqn | rs_h)
// naming one parity symbol of the transmission group; the group base and
// rs_h position are recovered from it using the transport's current
// tg_sqn_shift, matching original_source's on_nak/pgm_txw_retransmit_push
// (which passes the raw sqn and tg_sqn_shift, not a pre-split rs_h). A
// NAK outside the window, carrying a source or group NLA mismatch, or requesting
// parity while on-demand parity is disabled is discarded as malformed;
// otherwise the request is pushed onto the retransmit queue and an NCF
// acknowledging it is sent immediately, and the repair consumer is woken.
func (s *Source) OnNak(sqn seqno.SN, isParity bool, srcNLA, grpNLA wire.NLA) error {
	if !grpNLA.Equal(s.GroupNLA) || !srcNLA.Equal(s.SrcNLA) {
		s.Counters.MalformedNaks.Inc()
		s.Counters.PacketsDiscarded.Inc()
		return ErrInvalidArgument
	}
	if isParity && !s.FEC.UseOndemandParity {
		s.Counters.ParityNaksReceived.Inc()
		s.Counters.MalformedNaks.Inc()
		s.Counters.PacketsDiscarded.Inc()
		return ErrInvalidArgument
	}

	checkSqn := sqn
	if isParity {
		checkSqn = seqno.TGSqn(sqn, s.tgSqnMask())
	}
	if !s.Window.InWindow(checkSqn) {
		if isParity {
			s.Counters.ParityNaksReceived.Inc()
		}
		s.Counters.MalformedNaks.Inc()
		s.Counters.PacketsDiscarded.Inc()
		return ErrInvalidArgument
	}

	if isParity {
		s.Counters.ParityNaksReceived.Inc()
	} else {
		s.Counters.SelectiveNaksReceived.Inc()
	}

	newlyQueued := s.Window.RetransmitPush(sqn, isParity, s.FEC.TgSqnShift)
	if err := s.sendNCF(sqn, isParity); err != nil {
		logCritical("sendto failed building NCF for sqn %d: %v", sqn, err)
	}
	if newlyQueued {
		s.Notify.Send()
	}
	return nil
}

// OnNakList handles the OPT_NAK_LIST extension to a NAK, per spec.md
// §4.3/§4.4: the primary SN plus every listed SN are each processed as an
// independent selective NAK (OPT_NAK_LIST only ever accompanies selective
// NAKs in this implementation, matching spec.md §4.3 step 4's "first
// OPT_NAK_LIST supplies up to 62 additional sequence numbers" read against
// a non-parity primary), and a single NCF carrying the full list is sent
// in reply.
func (s *Source) OnNakList(primary seqno.SN, extra []uint32, srcNLA, grpNLA wire.NLA) error {
	if !grpNLA.Equal(s.GroupNLA) || !srcNLA.Equal(s.SrcNLA) {
		s.Counters.MalformedNaks.Inc()
		s.Counters.PacketsDiscarded.Inc()
		return ErrInvalidArgument
	}

	all := make([]seqno.SN, 0, 1+len(extra))
	all = append(all, primary)
	for _, e := range extra {
		all = append(all, seqno.SN(e))
	}

	woke := false
	valid := make([]seqno.SN, 0, len(all))
	for _, sn := range all {
		if !s.Window.InWindow(sn) {
			s.Counters.MalformedNaks.Inc()
			s.Counters.PacketsDiscarded.Inc()
			continue
		}
		s.Counters.SelectiveNaksReceived.Inc()
		if s.Window.RetransmitPush(sn, false, 0) {
			woke = true
		}
		valid = append(valid, sn)
	}

	if len(valid) == 0 {
		return ErrInvalidArgument
	}
	if err := s.sendNCFList(valid, false); err != nil {
		logCritical("sendto failed building NCF list: %v", err)
	}
	if woke {
		s.Notify.Send()
	}
	return nil
}

// OnNNak handles a received NNAK, per spec.md §4.3: NNAKs confirm a
// repair round completed and are purely informational on the source
// side, so this only updates counters. Every call counts one N-NAK
// packet and one N-NAK sequence number (the primary sqn); sequence
// numbers carried in an OPT_NAK_LIST are not decoded or counted, isList
// is not used for counting, and the source/group NLAs are not checked.
// An out-of-window sqn counts as an N-NAK error.
func (s *Source) OnNNak(sqn seqno.SN, isList bool) error {
	s.Counters.SelectiveNnakPacketsReceived.Inc()
	s.Counters.SelectiveNnaksReceived.Inc()
	if !s.Window.InWindow(sqn) {
		s.Counters.NnakErrors.Inc()
	}
	return nil
}

// sendNCF builds and transmits a single-SN NCF, per spec.md §4.4. isParity
// mirrors the triggering NAK's OPT_PARITY onto the NCF's pgm_options, per
// testable property 4.
func (s *Source) sendNCF(sqn seqno.SN, isParity bool) error {
	body := &wire.NakBody{
		Sqn:    uint32(sqn),
		SrcNLA: s.SrcNLA,
		GrpNLA: s.GroupNLA,
	}
	bodyBytes, err := body.Marshal()
	if err != nil {
		return err
	}
	return s.transmitNCF(bodyBytes, nil, isParity)
}

// sendNCFList builds and transmits an NCF carrying OPT_NAK_LIST, per
// spec.md §4.4.
func (s *Source) sendNCFList(sqns []seqno.SN, isParity bool) error {
	body := &wire.NakBody{
		Sqn:    uint32(sqns[0]),
		SrcNLA: s.SrcNLA,
		GrpNLA: s.GroupNLA,
	}
	bodyBytes, err := body.Marshal()
	if err != nil {
		return err
	}

	var optBytes []byte
	if len(sqns) > 1 {
		extra := make([]uint32, len(sqns)-1)
		for i, sn := range sqns[1:] {
			extra[i] = uint32(sn)
		}
		listBytes, err := wire.EncodeOptNakList(extra)
		if err != nil {
			return err
		}
		totalOptLen := uint16(4 + len(listBytes))
		optBytes = concatBytes(wire.EncodeOptLength(totalOptLen), listBytes)
	}

	return s.transmitNCF(bodyBytes, optBytes, isParity)
}

func (s *Source) transmitNCF(bodyBytes, optBytes []byte, isParity bool) error {
	hdr := &wire.Header{
		Type:  wire.TypeNCF,
		GSI:   s.TSI.GSI,
		Sport: s.TSI.Sport,
		Dport: s.Dport,
	}
	if isParity {
		hdr.Options |= wire.OptParity
	}
	if len(optBytes) > 0 {
		hdr.Options |= wire.OptPresent | wire.OptNetwork
	}
	headerBytes := hdr.Marshal()
	payloadPartial := checksum.Partial(concatBytes(bodyBytes, optBytes), 0)
	hdr.Checksum = buildHeaderChecksum(headerBytes, payloadPartial)
	headerBytes = hdr.Marshal()

	wireBytes := concatBytes(headerBytes, bodyBytes, optBytes)
	n, err := s.Sender.SendTo(wireBytes, false, true)
	if err != nil {
		return err
	}
	if n == len(wireBytes) {
		s.Counters.BytesSent.Add(float64(len(wireBytes)))
	}
	return nil
}
