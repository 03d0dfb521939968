package source

import (
	"time"

	"github.com/snapetech/pgmsource/internal/checksum"
	"github.com/snapetech/pgmsource/internal/wire"
)

// resetHeartbeatSpm reschedules the ambient SPM heartbeat after a
// successful ODATA/RDATA emission, per spec.md §4.2 and testable
// property 6: the schedule restarts at state 1, so
// next_heartbeat_spm = now + schedule[1]. advanceHeartbeatSpm, not
// this function, is what steps through the rest of the schedule.
func (s *Source) resetHeartbeatSpm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heartbeatState = 1
	s.rescheduleHeartbeatLocked()
}

// advanceHeartbeatSpm steps the heartbeat schedule forward by one entry
// after an ambient SPM has fired, per spec.md §4.2: state advances
// until it reaches the zero terminator Config.SetHeartbeatSpm appends,
// at which point the ambient interval takes over for every following
// heartbeat.
func (s *Source) advanceHeartbeatSpm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heartbeatState++
	s.rescheduleHeartbeatLocked()
}

func (s *Source) rescheduleHeartbeatLocked() {
	interval := s.nextHeartbeatIntervalLocked()
	now := s.Now()
	s.nextHeartbeatSpm = now.Add(interval)

	if s.nextHeartbeatSpm.Before(s.nextPoll) || s.nextPoll.IsZero() {
		s.nextPoll = s.nextHeartbeatSpm
		s.Notify.Send()
	}
}

// nextHeartbeatIntervalLocked returns the schedule entry for the
// current heartbeat state, falling back to the ambient interval once
// the schedule is exhausted (its zero terminator reached). Callers
// must hold s.mu.
func (s *Source) nextHeartbeatIntervalLocked() time.Duration {
	sched := s.Cfg.HeartbeatSpm
	if s.heartbeatState < len(sched) && sched[s.heartbeatState] != 0 {
		return time.Duration(sched[s.heartbeatState]) * time.Microsecond
	}
	if s.Cfg.AmbientSpmInterval != 0 {
		return time.Duration(s.Cfg.AmbientSpmInterval) * time.Microsecond
	}
	return time.Second
}

// buildSPM constructs the wire bytes for an SPM announcing the current
// trail/lead of the window, per spec.md §4.2 / §4.7.
func (s *Source) buildSPM() ([]byte, error) {
	s.Window.Mu.RLock()
	trail := s.Window.TrailLocked()
	lead := s.Window.LeadLocked()
	s.Window.Mu.RUnlock()

	s.mu.Lock()
	s.spmSqn++
	sqn := s.spmSqn
	s.mu.Unlock()

	body := &wire.SPMBody{
		SpmSqn:   sqn,
		SpmTrail: uint32(trail),
		SpmLead:  uint32(lead),
		PathNLA:  s.SrcNLA,
	}
	bodyBytes, err := body.Marshal()
	if err != nil {
		return nil, err
	}

	hdr := &wire.Header{
		Type:  wire.TypeSPM,
		GSI:   s.TSI.GSI,
		Sport: s.TSI.Sport,
		Dport: s.Dport,
	}
	headerBytes := hdr.Marshal()
	payloadPartial := checksum.Partial(bodyBytes, 0)
	hdr.Checksum = buildHeaderChecksum(headerBytes, payloadPartial)
	headerBytes = hdr.Marshal()

	return concatBytes(headerBytes, bodyBytes), nil
}

// SendSPM transmits an SPM announcing the window's current trail/lead,
// per spec.md §4.2. It is called both by the ambient/heartbeat scheduler
// and in direct reply to a valid SPMR. Like ODATA, an SPM is
// rate-limited; unlike ODATA, it carries router-alert.
func (s *Source) SendSPM() error {
	wireBytes, err := s.buildSPM()
	if err != nil {
		return err
	}
	if err := s.Rate.Check(len(wireBytes)); err != nil {
		return nil
	}
	n, err := s.Sender.SendTo(wireBytes, true, true)
	if err != nil {
		return err
	}
	if n == len(wireBytes) {
		s.Counters.BytesSent.Add(float64(len(wireBytes)))
	}
	return nil
}

// OnSpmr handles a received SPMR, per spec.md §4.2: if this transport is
// the source being polled, reply immediately with an SPM; if the SPMR
// names a peer (multicast SPMR relay), suppress that peer's own pending
// SPMR timer instead. An SPMR that is not addressed to this source while
// no peer record is held increments the discard counter and returns
// ErrInvalidArgument without replying; the SPMR's contents are not
// otherwise validated here.
func (s *Source) OnSpmr(fromSelf bool, peer *Peer) error {
	if fromSelf {
		return s.SendSPM()
	}
	if peer == nil {
		s.Counters.PacketsDiscarded.Inc()
		return ErrInvalidArgument
	}
	peer.ClearSpmrExpiry()
	return nil
}
