package hoststream

import "time"

// keyframeRecovery implements the soft -> hard keyframe-recovery escalation
// described in spec.md §4.6.1. A soft recovery simply requests the encoder
// produce a keyframe on its next opportunity; a hard recovery additionally
// requires an encoder reset and an output-queue flush, and opens a 3 s loss
// window during which FEC/pacing may be made more conservative.
type keyframeRecovery struct {
	active           bool
	lastWasSoft      bool
	lastRequestTime  time.Time
	reason           string
	requiresReset    bool
	requiresFlush    bool
	lossModeDeadline time.Time
	softCount        uint64
	hardCount        uint64
}

const (
	keyframeCoalesceWindow  = 1 * time.Second
	keyframeEscalateWindow  = 8 * time.Second
	keyframeLossModeWindow  = 3 * time.Second
)

// Request evaluates a keyframe-recovery request arriving at now. Requests
// arriving within keyframeCoalesceWindow of the last one are coalesced
// (ignored). A soft recovery requested again within keyframeEscalateWindow
// without having been acknowledged escalates to hard.
func (k *keyframeRecovery) request(now time.Time, reason string) {
	if k.active && !k.lastRequestTime.IsZero() && now.Sub(k.lastRequestTime) < keyframeCoalesceWindow {
		return
	}
	if k.active && !k.lastWasSoft {
		// Hard recovery already in flight; refresh the timer, stay hard.
		k.lastRequestTime = now
		return
	}
	if k.lastWasSoft && !k.lastRequestTime.IsZero() && now.Sub(k.lastRequestTime) <= keyframeEscalateWindow {
		k.markHard(now, reason)
		return
	}
	k.markSoft(now, reason)
}

func (k *keyframeRecovery) markSoft(now time.Time, reason string) {
	k.active = true
	k.lastWasSoft = true
	k.reason = reason
	k.requiresReset = false
	k.requiresFlush = false
	k.lastRequestTime = now
	k.softCount++
}

func (k *keyframeRecovery) markHard(now time.Time, reason string) {
	k.active = true
	k.lastWasSoft = false
	k.reason = reason
	k.requiresReset = true
	k.requiresFlush = true
	k.lastRequestTime = now
	k.lossModeDeadline = now.Add(keyframeLossModeWindow)
	k.hardCount++
}

// Acknowledge marks the pending recovery as delivered, re-enabling
// scheduled (periodic) keyframes.
func (k *keyframeRecovery) acknowledge() {
	k.active = false
	k.lastWasSoft = false
	k.reason = ""
	k.requiresReset = false
	k.requiresFlush = false
}

func (k *keyframeRecovery) pending() (active bool, requiresReset, requiresFlush bool, reason string) {
	return k.active, k.requiresReset, k.requiresFlush, k.reason
}

func (k *keyframeRecovery) lossModeActive(now time.Time) bool {
	return !k.lossModeDeadline.IsZero() && now.Before(k.lossModeDeadline)
}

// RequestKeyframe requests a recovery keyframe for reason (e.g.
// "client-report", "decode-error-escalation", "stream-start").
func (c *Context) RequestKeyframe(now time.Time, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyframe.request(now, reason)
}

// AcknowledgeKeyframeDelivered clears the pending recovery state once the
// requested keyframe has been observed leaving the encoder.
func (c *Context) AcknowledgeKeyframeDelivered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyframe.acknowledge()
}

// PendingRecovery reports the current keyframe-recovery state.
func (c *Context) PendingRecovery() (active, requiresReset, requiresFlush bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyframe.pending()
}

// InLossMode reports whether a hard recovery's 3s conservative-FEC window
// is still open.
func (c *Context) InLossMode(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyframe.lossModeActive(now)
}

// RecoveryCounts returns the lifetime soft/hard recovery counts, for
// telemetry.
func (c *Context) RecoveryCounts() (soft, hard uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyframe.softCount, c.keyframe.hardCount
}
