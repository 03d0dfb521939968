package source

import (
	"encoding/binary"
	"time"

	"github.com/snapetech/pgmsource/internal/checksum"
	"github.com/snapetech/pgmsource/internal/seqno"
	"github.com/snapetech/pgmsource/internal/skb"
	"github.com/snapetech/pgmsource/internal/wire"
)

// RunRepairConsumer is the repair/timer thread of spec.md §4.5/§5: a
// single goroutine that wakes on a NAK/ODATA notification or the next
// scheduled heartbeat, drains the retransmit queue, and sends the
// ambient SPM heartbeat when its deadline arrives. It returns when stop
// is closed or the transport is closed.
func (s *Source) RunRepairConsumer(stop <-chan struct{}) {
	for {
		wait := s.timeUntilNextPoll()
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-s.Notify.C():
			timer.Stop()
		case <-timer.C:
		}

		if !s.IsOpen() {
			return
		}

		s.drainRetransmitQueue()
		s.maybeSendHeartbeatSpm()
	}
}

func (s *Source) timeUntilNextPoll() time.Duration {
	s.mu.Lock()
	next := s.nextPoll
	s.mu.Unlock()
	if next.IsZero() {
		return time.Second
	}
	d := next.Sub(s.Now())
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

func (s *Source) maybeSendHeartbeatSpm() {
	s.mu.Lock()
	due := !s.nextHeartbeatSpm.IsZero() && !s.nextHeartbeatSpm.After(s.Now())
	s.mu.Unlock()
	if !due {
		return
	}
	if err := s.SendSPM(); err != nil {
		logCritical("sendto failed sending heartbeat SPM: %v", err)
	}
	s.advanceHeartbeatSpm()
}

// drainRetransmitQueue processes every pending retransmit entry, per
// spec.md §4.5: selective entries resend the cached packet with an
// updated trail, parity entries build and send a coded repair from the
// transmission group's source packets. An SN that aged out of the
// window before it was serviced is dropped without a repair.
func (s *Source) drainRetransmitQueue() {
	for {
		buf, savedCsum, isParity, rsShift, ok := s.Window.RetransmitTryPeek()
		if !ok {
			return
		}

		var wireBytes []byte
		var err error
		if isParity {
			rsH := rsShift % uint(s.FEC.N-s.FEC.K)
			wireBytes, err = s.buildParityPacket(buf.Sequence, rsH, wire.TypeRDATA)
		} else {
			wireBytes = s.buildSelectiveRDATA(buf, savedCsum)
		}

		if err != nil {
			logCritical("tsi=%s building repair for sqn %d failed: %v", s.gsiTag(), buf.Sequence, err)
			s.Window.RetransmitRemoveHead()
			continue
		}

		n, sendErr := s.Sender.SendTo(wireBytes, true, true)
		if sendErr != nil {
			logCritical("tsi=%s sendto failed sending repair for sqn %d: %v", s.gsiTag(), buf.Sequence, sendErr)
		} else if n == len(wireBytes) {
			if !isParity {
				s.Counters.SelectiveBytesRetransmitted.Add(float64(len(wireBytes)))
				s.Counters.SelectiveMsgsRetransmitted.Inc()
			}
			s.Counters.BytesSent.Add(float64(len(wireBytes)))
		}

		s.Window.RetransmitRemoveHead()
	}
}

// buildSelectiveRDATA rebuilds the common header with Type=RDATA and a
// refreshed data_trail, reusing the cached payload checksum instead of
// re-scanning the payload, per spec.md §4.5 step 3/4 and the original
// retransmit_on_nak's "unfold" optimization.
func (s *Source) buildSelectiveRDATA(buf *skb.Buffer, savedPartial uint32) []byte {
	raw := buf.Data()
	oldHdr, _ := wire.DecodeHeader(raw)
	rest := raw[wire.HeaderLen:buf.HeaderLen]
	payload := raw[buf.HeaderLen:]

	dataHdr, _ := wire.DecodeDataHeader(rest)
	dataHdr.DataTrail = uint32(s.Window.Trail())
	dataHdrBytes := dataHdr.Marshal()
	optBytes := rest[wire.DataHeaderLen:]

	newHdr := &wire.Header{
		Type:       wire.TypeRDATA,
		Options:    oldHdr.Options,
		TSDULength: oldHdr.TSDULength,
		GSI:        oldHdr.GSI,
		Sport:      oldHdr.Sport,
		Dport:      oldHdr.Dport,
	}
	headerBytes := newHdr.Marshal()
	headerRegion := concatBytes(headerBytes, dataHdrBytes, optBytes)
	newHdr.Checksum = buildHeaderChecksum(headerRegion, savedPartial)
	headerBytes = newHdr.Marshal()

	return concatBytes(headerBytes, dataHdrBytes, optBytes, payload)
}

// buildParityPacket encodes the rsShift'th parity symbol for the
// transmission group that groupBaseSqn belongs to, per spec.md §4.5: the
// group's K source payloads are gathered from the window. If their TSDU
// lengths differ (is_var_pktlen), each is zero-padded to the longest one
// and its true length appended as a trailing 16-bit field before RS
// encoding (skb.ZeroPadded marks the one-time idempotent pad, per spec.md
// §4.5/§9); parity_length grows by 2 to cover that trailer. If any source
// packet carries OPT_FRAGMENT, an RS-encoded OPT_FRAGMENT is attached to
// the parity packet too, substituting OP_ENCODED_NULL for packets that
// have none, matching original_source's on_timer_dispatch parity branch.
func (s *Source) buildParityPacket(groupBaseSqn seqno.SN, rsShift uint, pktType uint8) ([]byte, error) {
	k := s.FEC.K
	srcBufs := make([]*skb.Buffer, k)
	payloads := make([][]byte, k)
	maxLen := 0
	var sample *wire.Header
	anyFragment := false
	for j := 0; j < k; j++ {
		sqn := groupBaseSqn + seqno.SN(j)
		b, ok := s.Window.Peek(sqn)
		if !ok {
			return nil, ErrInvalidArgument
		}
		raw := b.Data()
		if sample == nil {
			h, err := wire.DecodeHeader(raw)
			if err != nil {
				return nil, err
			}
			sample = h
		}
		p := raw[b.HeaderLen:]
		srcBufs[j] = b
		payloads[j] = p
		if len(p) > maxLen {
			maxLen = len(p)
		}
		if b.HasFragmentOpt {
			anyFragment = true
		}
	}

	isVarPktlen := false
	for _, p := range payloads {
		if len(p) != maxLen {
			isVarPktlen = true
			break
		}
	}

	parityLength := maxLen
	padded := make([][]byte, k)
	if isVarPktlen {
		parityLength = maxLen + 2
		for j, p := range payloads {
			pp := make([]byte, parityLength)
			copy(pp, p)
			binary.BigEndian.PutUint16(pp[maxLen:], uint16(len(p)))
			padded[j] = pp
			srcBufs[j].ZeroPadded = true
		}
	} else {
		copy(padded, payloads)
	}

	parityIndex := k + int(rsShift)
	parity := make([]byte, parityLength)
	s.RS.Encode(padded, parityIndex, parity, parityLength)

	options := uint8(wire.OptParity)
	if isVarPktlen {
		options |= wire.OptVarPkt
	}

	var optBytes []byte
	if anyFragment {
		options |= wire.OptPresent
		nullFrag := make([]byte, 12)
		nullFrag[0] = wire.OpEncodedNull
		fragSrcs := make([][]byte, k)
		for j, b := range srcBufs {
			if !b.HasFragmentOpt {
				fragSrcs[j] = nullFrag
				continue
			}
			f := make([]byte, 12)
			binary.BigEndian.PutUint32(f[0:4], b.FragmentOpt.FirstSqn)
			binary.BigEndian.PutUint32(f[4:8], b.FragmentOpt.FragOffset)
			binary.BigEndian.PutUint32(f[8:12], b.FragmentOpt.ApduLength)
			fragSrcs[j] = f
		}
		encodedFrag := make([]byte, 12)
		s.RS.Encode(fragSrcs, parityIndex, encodedFrag, 12)

		optHeader := []byte{wire.OptTypeFrag | wire.OptTypeEnd, uint8(2 + 12)}
		fragOpt := concatBytes(optHeader, encodedFrag)
		totalOptLen := uint16(4 + len(fragOpt))
		optBytes = concatBytes(wire.EncodeOptLength(totalOptLen), fragOpt)
	}

	dataHdr := &wire.DataHeader{
		DataSqn:   uint32(groupBaseSqn) | uint32(rsShift),
		DataTrail: uint32(s.Window.Trail()),
	}
	dataHdrBytes := dataHdr.Marshal()

	hdr := &wire.Header{
		Type:       pktType,
		Options:    options,
		TSDULength: uint16(parityLength),
		GSI:        sample.GSI,
		Sport:      sample.Sport,
		Dport:      sample.Dport,
	}
	headerBytes := hdr.Marshal()
	payloadPartial := checksum.Partial(parity, 0)
	headerRegion := concatBytes(headerBytes, dataHdrBytes, optBytes)
	hdr.Checksum = buildHeaderChecksum(headerRegion, payloadPartial)
	headerBytes = hdr.Marshal()

	return concatBytes(headerBytes, dataHdrBytes, optBytes, parity), nil
}

// scheduleProactiveParity pushes the transmission group's proactive parity
// symbol (rs_proactive_h) onto the retransmit queue and wakes the repair
// consumer, per spec.md §4.6 step 8 / §6 scenario S6: the trigger is the
// ODATA whose (sqn+1) is transmission-group aligned. The repair consumer
// builds and sends the actual packet (§4.5), matching
// original_source's pgm_schedule_proactive_nak, which pushes rather than
// sends inline.
func (s *Source) scheduleProactiveParity(groupBaseSqn seqno.SN) {
	sqn := groupBaseSqn | seqno.SN(s.FEC.RsProactiveH)
	if s.Window.RetransmitPush(sqn, true, s.FEC.TgSqnShift) {
		s.Notify.Send()
	}
}
