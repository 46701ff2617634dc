package packetizer

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	sendFailureWindow     = 1 * time.Second
	sendFailureThreshold  = 6
	sendFailureCooldown   = 2 * time.Second
)

// sendFailureTracker implements spec.md §7's send-failure escalation: 6
// send errors within a rolling 1s window trigger a recovery keyframe and
// arm loss mode, gated by a 2s cooldown between escalations.
type sendFailureTracker struct {
	mu          sync.Mutex
	failures    []time.Time
	cooldownUntil time.Time
}

// note records a send failure at now and reports whether it crosses the
// escalation threshold (subject to cooldown).
func (s *sendFailureTracker) note(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-sendFailureWindow)
	i := 0
	for ; i < len(s.failures); i++ {
		if s.failures[i].After(cutoff) {
			break
		}
	}
	s.failures = append(s.failures[i:], now)

	if len(s.failures) < sendFailureThreshold {
		return false
	}
	if !s.cooldownUntil.IsZero() && now.Before(s.cooldownUntil) {
		return false
	}
	s.cooldownUntil = now.Add(sendFailureCooldown)
	return true
}

// Stats holds the Sender's cumulative send counters, in the shape of the
// teacher's Sender.Stats; it has no AEAD or FEC fields.
type Stats struct {
	FramesSent    uint64
	FragmentsSent uint64
	BytesSent     uint64
	SendErrors    uint64
	KeyframesSent uint64
}

// Sender owns the UDP socket and drives a Packetizer for one stream.
// Registration/unregistration of per-stream peer endpoints is handled by
// callers (e.g. a transport registry keyed by StreamID). A Sender with no
// peer configured drops each access unit and returns nil; it takes no
// release callback, and the caller keeps ownership of au.Data either way.
type Sender struct {
	conn       *net.UDPConn
	peerAddr   *net.UDPAddr
	packetizer *Packetizer
	stats      Stats
	failures   sendFailureTracker

	// OnSendFailureEscalation fires when send failures cross the
	// threshold in sendFailureTracker; wired to the stream context's
	// RequestKeyframe + loss-mode arming by the caller.
	OnSendFailureEscalation func()

	now func() time.Time
}

// NewSender creates a Sender bound to an existing UDP socket.
func NewSender(conn *net.UDPConn, peerAddr *net.UDPAddr, p *Packetizer) *Sender {
	return &Sender{conn: conn, peerAddr: peerAddr, packetizer: p, now: time.Now}
}

// SetPeerAddr updates the destination address, e.g. after hole punching or
// client re-registration.
func (s *Sender) SetPeerAddr(addr *net.UDPAddr) { s.peerAddr = addr }

// SendAccessUnit fragments and transmits one access unit.
func (s *Sender) SendAccessUnit(au AccessUnit) error {
	if s.peerAddr == nil {
		return nil // missing registration: drop silently, nothing to release here (caller owns au.Data)
	}
	n, err := s.packetizer.Packetize(au, func(packet []byte) error {
		if _, err := s.conn.WriteToUDP(packet, s.peerAddr); err != nil {
			atomic.AddUint64(&s.stats.SendErrors, 1)
			if s.failures.note(s.nowFunc()) && s.OnSendFailureEscalation != nil {
				s.OnSendFailureEscalation()
			}
			return err
		}
		atomic.AddUint64(&s.stats.BytesSent, uint64(len(packet)))
		return nil
	})
	atomic.AddUint64(&s.stats.FragmentsSent, uint64(n))
	if err == nil {
		atomic.AddUint64(&s.stats.FramesSent, 1)
		if au.IsKeyframe {
			atomic.AddUint64(&s.stats.KeyframesSent, 1)
		}
	}
	return err
}

func (s *Sender) nowFunc() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Stats returns a snapshot of send statistics.
func (s *Sender) Stats() Stats {
	return Stats{
		FramesSent:    atomic.LoadUint64(&s.stats.FramesSent),
		FragmentsSent: atomic.LoadUint64(&s.stats.FragmentsSent),
		BytesSent:     atomic.LoadUint64(&s.stats.BytesSent),
		SendErrors:    atomic.LoadUint64(&s.stats.SendErrors),
		KeyframesSent: atomic.LoadUint64(&s.stats.KeyframesSent),
	}
}
