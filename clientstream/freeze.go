package clientstream

import "time"

const (
	freezeSampleInterval        = 500 * time.Millisecond
	freezeTimeout               = 5 * time.Second
	freezeRecoveryCooldown      = 3 * time.Second
	freezeRecoveryEscalationThreshold = 2
)

// freezeMonitor implements spec.md §4.7.3: sampled every 500ms, it
// watches presentation progress and escalates recovery if playback stalls
// for too long while frames are still arriving.
type freezeMonitor struct {
	lastSequence     uint64
	lastProgressTime time.Time
	consecutiveFrozen int
	cooldownUntil    time.Time
	initialized      bool
}

// sample evaluates one freeze-monitor tick. sequence is the
// presentation's last-rendered frame sequence number; queueDepth is the
// current decode-queue depth; packetReceivedRecently reports whether a
// video packet arrived within the last 5s; awaitingKeyframe reports
// whether keyframe-only recovery mode is already engaged.
func (f *freezeMonitor) sample(now time.Time, sequence uint64, queueDepth int, packetReceivedRecently, awaitingKeyframe bool) recoveryKind {
	if !f.initialized {
		f.initialized = true
		f.lastSequence = sequence
		f.lastProgressTime = now
		return recoveryNone
	}

	if sequence != f.lastSequence {
		f.lastSequence = sequence
		f.lastProgressTime = now
		f.consecutiveFrozen = 0
		return recoveryNone
	}

	frozen := now.Sub(f.lastProgressTime) > freezeTimeout && (queueDepth > 0 || packetReceivedRecently)
	if !frozen {
		return recoveryNone
	}

	f.consecutiveFrozen++
	if !f.cooldownUntil.IsZero() && now.Before(f.cooldownUntil) {
		return recoveryNone
	}

	f.cooldownUntil = now.Add(freezeRecoveryCooldown)
	if f.consecutiveFrozen >= freezeRecoveryEscalationThreshold && awaitingKeyframe {
		return recoveryHard
	}
	return recoverySoft
}
