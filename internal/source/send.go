package source

import (
	"errors"

	"github.com/snapetech/pgmsource/internal/checksum"
	"github.com/snapetech/pgmsource/internal/seqno"
	"github.com/snapetech/pgmsource/internal/skb"
	"github.com/snapetech/pgmsource/internal/wire"
)

// fragOverheadBytes is the wire cost of the OPT_LENGTH + OPT_FRAGMENT
// option region appended to every TPDU of a fragmented APDU.
const fragOverheadBytes = 4 + 2 + 12

func wireSize(payloadLen int, fragmented bool) int {
	n := wire.HeaderLen + wire.DataHeaderLen + payloadLen
	if fragmented {
		n += fragOverheadBytes
	}
	return n
}

func splitChunks(buf []byte, maxTsdu, maxTsduFragment int) [][]byte {
	if len(buf) <= maxTsdu {
		return [][]byte{buf}
	}
	var chunks [][]byte
	for off := 0; off < len(buf); off += maxTsduFragment {
		end := off + maxTsduFragment
		if end > len(buf) {
			end = len(buf)
		}
		chunks = append(chunks, buf[off:end])
	}
	return chunks
}

// Send copies buf into one or more ODATA packets, fragmenting the APDU if
// it exceeds MaxTsdu, per spec.md §4.6's send(buf, len) entry shape.
func (s *Source) Send(buf []byte, flags Flags) (int, error) {
	if !s.IsOpen() {
		return 0, ErrConnectionReset
	}
	if s.isApduEagain && s.resume != nil {
		return s.resumeSend(flags)
	}

	apduLength := len(buf)
	maxApdu := int(s.Window.Capacity()) * s.MaxTsduFragment
	if apduLength > maxApdu {
		return 0, ErrMessageSize
	}
	if apduLength == 0 {
		return 0, nil
	}

	chunks := splitChunks(buf, s.MaxTsdu, s.MaxTsduFragment)
	return s.sendChunks(chunks, apduLength, flags)
}

// SendV is the scatter-gather entry shape of spec.md §4.6: sendv(iov, n,
// flags, isOneAPDU). The vector is flattened once here (Go's net.Buffers
// idiom) since the checksum-and-copy step needs a contiguous view of each
// TPDU's payload regardless of how the caller chose to split their iovec.
func (s *Source) SendV(iov [][]byte, isOneAPDU bool, flags Flags) (int, error) {
	if !s.IsOpen() {
		return 0, ErrConnectionReset
	}
	total := 0
	for _, v := range iov {
		total += len(v)
	}
	if !isOneAPDU {
		sent := 0
		for _, v := range iov {
			n, err := s.Send(v, flags)
			if err != nil {
				return sent, err
			}
			sent += n
		}
		return sent, nil
	}
	flat := make([]byte, 0, total)
	for _, v := range iov {
		flat = append(flat, v...)
	}
	return s.Send(flat, flags)
}

// SendSkbV accepts caller-prepared buffers, per spec.md §4.6's send_skbv
// entry shape. Each buffer's data region is passed through the same
// per-packet ODATA procedure as Send, which copies it into a new window
// buffer: the caller's buffers are not stored in the window, so this
// path is not zero-copy. It computes the checksum and stamps sequence
// numbers exactly like the copying paths.
func (s *Source) SendSkbV(vec []*skb.Buffer, isOneAPDU bool, flags Flags) (int, error) {
	if !s.IsOpen() {
		return 0, ErrConnectionReset
	}
	sent := 0
	apduLength := 0
	if isOneAPDU {
		for _, b := range vec {
			apduLength += b.Len()
		}
	}
	var firstSqn seqno.SN
	haveFirst := false
	offset := 0
	for _, b := range vec {
		var frag *wire.OptFragment
		if isOneAPDU && len(vec) > 1 {
			if !haveFirst {
				firstSqn = s.Window.NextLead()
				haveFirst = true
			}
			frag = &wire.OptFragment{FirstSqn: uint32(firstSqn), FragOffset: uint32(offset), ApduLength: uint32(apduLength)}
		}
		n, err := s.emitODATA(b.Data(), frag, flags, true)
		if err != nil {
			return sent, err
		}
		sent += n
		offset += n
	}
	return sent, nil
}

func (s *Source) sendChunks(chunks [][]byte, apduLength int, flags Flags) (int, error) {
	isFragmented := len(chunks) > 1
	var firstSqn seqno.SN
	if isFragmented {
		firstSqn = s.Window.NextLead()
	}

	totalWire := 0
	for _, c := range chunks {
		totalWire += wireSize(len(c), isFragmented)
	}

	chargeRatePerPacket := true
	if flags.has(FlagDontWait) && flags.has(FlagWaitAll) {
		if err := s.Rate.Check(totalWire); err != nil {
			return 0, ErrWouldBlock
		}
		chargeRatePerPacket = false
	}

	offset := 0
	for idx, chunk := range chunks {
		var frag *wire.OptFragment
		if isFragmented {
			frag = &wire.OptFragment{FirstSqn: uint32(firstSqn), FragOffset: uint32(offset), ApduLength: uint32(apduLength)}
		}
		n, err := s.emitODATA(chunk, frag, flags, chargeRatePerPacket)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				s.resume.remaining = chunks[idx+1:]
				s.resume.firstSqnForRemaining = firstSqn
				s.resume.apduLengthForRemaining = apduLength
				s.resume.offsetForRemaining = offset
				s.resume.chargeRate = chargeRatePerPacket
				s.resume.isFragmentedRemaining = isFragmented
				return -1, ErrWouldBlock
			}
			return 0, err
		}
		offset += n
	}
	return apduLength, nil
}

// resumeSend retries the pending TPDU saved by the last EAGAIN, then
// continues the fragmentation loop from where it left off, per spec.md
// §3's resume-state contract: the caller must re-enter with identical
// arguments, but since the already-built wire bytes are cached on the
// Source, the caller's buf argument at this point is ignored.
func (s *Source) resumeSend(flags Flags) (int, error) {
	r := s.resume
	n, err := s.Sender.SendTo(r.Wire, true, false)
	if err != nil {
		if errors.Is(err, ErrSocketWouldBlock) && flags.has(FlagDontWait) {
			return -1, ErrWouldBlock
		}
		logCritical("sendto failed after txw admit on resume: %v", err)
	} else if n == len(r.Wire) {
		s.Counters.DataBytesSent.Add(float64(r.TsduLength))
		s.Counters.DataMsgsSent.Inc()
		s.Counters.BytesSent.Add(float64(len(r.Wire)))
	}

	s.isApduEagain = false
	s.resetHeartbeatSpm()
	s.maybeScheduleProactiveParity(r.Skb.Sequence)

	remaining := r.remaining
	firstSqn := r.firstSqnForRemaining
	apduLength := r.apduLengthForRemaining
	offset := r.offsetForRemaining
	chargeRate := r.chargeRate
	isFragmented := r.isFragmentedRemaining
	s.resume = nil

	for idx, chunk := range remaining {
		var frag *wire.OptFragment
		if isFragmented {
			frag = &wire.OptFragment{FirstSqn: uint32(firstSqn), FragOffset: uint32(offset), ApduLength: uint32(apduLength)}
		}
		cn, cerr := s.emitODATA(chunk, frag, flags, chargeRate)
		if cerr != nil {
			if errors.Is(cerr, ErrWouldBlock) {
				s.resume.remaining = remaining[idx+1:]
				s.resume.firstSqnForRemaining = firstSqn
				s.resume.apduLengthForRemaining = apduLength
				s.resume.offsetForRemaining = offset
				s.resume.chargeRate = chargeRate
				s.resume.isFragmentedRemaining = isFragmented
				return -1, ErrWouldBlock
			}
			return 0, cerr
		}
		offset += cn
	}
	return apduLength, nil
}

// emitODATA builds and transmits one ODATA TPDU, following the common
// per-packet procedure of spec.md §4.6.
func (s *Source) emitODATA(payload []byte, frag *wire.OptFragment, flags Flags, chargeRate bool) (int, error) {
	if len(payload) > s.MaxTsdu {
		return 0, ErrMessageSize
	}

	s.Window.Lock()
	hdr := &wire.Header{
		Type:       wire.TypeODATA,
		TSDULength: uint16(len(payload)),
		GSI:        s.TSI.GSI,
		Sport:      s.TSI.Sport,
		Dport:      s.Dport,
	}
	dataHdr := &wire.DataHeader{
		DataSqn:   uint32(s.Window.NextLeadLocked()),
		DataTrail: uint32(s.Window.TrailLocked()),
	}

	var optBytes []byte
	if frag != nil {
		hdr.Options = wire.OptPresent | wire.OptNetwork
		fragBytes := wire.EncodeOptFragment(frag)
		totalOptLen := uint16(4 + len(fragBytes))
		optBytes = append(wire.EncodeOptLength(totalOptLen), fragBytes...)
	}

	payloadCopy := make([]byte, len(payload))
	_, payloadPartial := checksum.CopyAndChecksum(payloadCopy, payload)

	headerBytes := hdr.Marshal()
	dataHeaderBytes := dataHdr.Marshal()
	headerRegion := concatBytes(headerBytes, dataHeaderBytes, optBytes)
	hdr.Checksum = buildHeaderChecksum(headerRegion, payloadPartial)
	headerBytes = hdr.Marshal()

	wireBytes := concatBytes(headerBytes, dataHeaderBytes, optBytes, payloadCopy)

	buf := skb.New(0, 0, len(wireBytes)).Reserve(s.Now())
	copy(buf.Put(len(wireBytes)), wireBytes)
	buf.SavedPartialCsum = payloadPartial
	buf.HeaderLen = len(headerBytes) + len(dataHeaderBytes) + len(optBytes)
	if frag != nil {
		buf.HasFragmentOpt = true
		buf.FragmentOpt = skb.FragmentOptData{FirstSqn: frag.FirstSqn, FragOffset: frag.FragOffset, ApduLength: frag.ApduLength}
	}

	sqn := s.Window.AddLocked(buf)
	s.Window.Unlock()

	if chargeRate {
		if err := s.Rate.Check(len(wireBytes)); err != nil {
			s.isApduEagain = true
			s.resume = &SendResume{
				Skb:        buf,
				Wire:       wireBytes,
				TsduLength: len(payload),
			}
			return 0, ErrWouldBlock
		}
	}

	n, err := s.Sender.SendTo(wireBytes, true, false)
	if err != nil {
		if errors.Is(err, ErrSocketWouldBlock) && flags.has(FlagDontWait) {
			s.isApduEagain = true
			s.resume = &SendResume{
				Skb:        buf,
				Wire:       wireBytes,
				TsduLength: len(payload),
			}
			return 0, ErrWouldBlock
		}
		// I/O failure after TXW admit is swallowed, per spec.md §7: the
		// reliability layer covers the gap via NAK/RDATA.
		logCritical("sendto failed after txw admit: %v", err)
	} else if n == len(wireBytes) {
		s.Counters.DataBytesSent.Add(float64(len(payload)))
		s.Counters.DataMsgsSent.Inc()
		s.Counters.BytesSent.Add(float64(len(wireBytes)))
	}

	s.isApduEagain = false
	s.resetHeartbeatSpm()
	s.maybeScheduleProactiveParity(sqn)

	return len(payload), nil
}

func (s *Source) maybeScheduleProactiveParity(sqn seqno.SN) {
	if !s.FEC.UseProactiveParity {
		return
	}
	mask := s.tgSqnMask()
	if (uint32(sqn)+1)&^uint32(mask) == 0 {
		s.scheduleProactiveParity(seqno.TGSqn(sqn, mask))
	}
}

func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
