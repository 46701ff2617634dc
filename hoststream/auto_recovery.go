package hoststream

import "time"

// Thresholds and timings for the latencyMode=auto hysteresis state machine
// (spec.md §4.6.2). Two consecutive unhealthy windows are required to
// enter recovery; two consecutive healthy windows, observed no sooner than
// holdDuration after entry, are required to exit. Exiting opens a cooldown
// during which a fresh unhealthy streak cannot immediately re-enter.
const (
	autoRecoveryHoldDuration     = 2500 * time.Millisecond
	autoRecoveryCooldownDuration = 2 * time.Second
	autoRecoveryUnhealthyStreak  = 2
	autoRecoveryHealthyStreak    = 2
	autoRecoveryQualityCeiling   = 0.58
	autoRecoveryMaxInFlight      = 1

	unhealthyEncodeMsFactor = 1.30
	unhealthyFPSFactor      = 0.85
	healthyEncodeMsFactor   = 0.85
	healthyFPSFactor        = 0.95
)

type autoRecovery struct {
	active  bool
	holdUntil     time.Time
	cooldownUntil time.Time
	lowStreak     int
	healthyStreak int

	baselineMaxInFlight int
	baselineQuality     float64

	maxInFlightFrames int
	qualityCeiling    float64
}

func (a *autoRecovery) init(maxInFlightFrames int, baselineQuality float64) {
	a.baselineMaxInFlight = maxInFlightFrames
	a.baselineQuality = baselineQuality
	a.maxInFlightFrames = maxInFlightFrames
	a.qualityCeiling = 1.0 // no ceiling when no frame quality is configured
	if baselineQuality > 0 {
		a.qualityCeiling = baselineQuality
	}
}

// update evaluates one health-sample window. budgetMs is the per-frame
// time budget implied by targetFrameRate (1000/targetFrameRate).
func (a *autoRecovery) update(now time.Time, encodeFPS, avgEncodeMs, targetFrameRate float64) {
	if targetFrameRate <= 0 {
		return
	}
	budgetMs := 1000.0 / targetFrameRate
	unhealthy := avgEncodeMs > budgetMs*unhealthyEncodeMsFactor || encodeFPS < targetFrameRate*unhealthyFPSFactor
	healthy := avgEncodeMs <= budgetMs*healthyEncodeMsFactor && encodeFPS >= targetFrameRate*healthyFPSFactor

	if !a.active {
		if !a.cooldownUntil.IsZero() && now.Before(a.cooldownUntil) {
			return
		}
		if unhealthy {
			a.lowStreak++
		} else {
			a.lowStreak = 0
		}
		if a.lowStreak >= autoRecoveryUnhealthyStreak {
			a.enter(now)
		}
		return
	}

	if now.Before(a.holdUntil) {
		return
	}
	if healthy {
		a.healthyStreak++
	} else {
		a.healthyStreak = 0
	}
	if a.healthyStreak >= autoRecoveryHealthyStreak {
		a.exit(now)
	}
}

func (a *autoRecovery) enter(now time.Time) {
	a.active = true
	a.holdUntil = now.Add(autoRecoveryHoldDuration)
	a.healthyStreak = 0
	a.lowStreak = 0
	a.maxInFlightFrames = autoRecoveryMaxInFlight
	if autoRecoveryQualityCeiling < a.qualityCeiling {
		a.qualityCeiling = autoRecoveryQualityCeiling
	}
}

func (a *autoRecovery) exit(now time.Time) {
	a.active = false
	a.cooldownUntil = now.Add(autoRecoveryCooldownDuration)
	a.healthyStreak = 0
	a.lowStreak = 0
	a.maxInFlightFrames = a.baselineMaxInFlight
	a.qualityCeiling = a.baselineQuality
	if a.qualityCeiling <= 0 {
		a.qualityCeiling = 1.0
	}
}

// clampQuality applies the current ceiling to a policy-derived candidate
// quality. Never increases candidate.
func (a *autoRecovery) clampQuality(candidate float64) float64 {
	if a.qualityCeiling > 0 && candidate > a.qualityCeiling {
		return a.qualityCeiling
	}
	return candidate
}

// UpdateHealth feeds one health-sample window into the auto-recovery state
// machine. No-op outside latencyMode=auto, so it is safe to call
// unconditionally.
func (c *Context) UpdateHealth(now time.Time, encodeFPS, avgEncodeMs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != LatencyModeAuto {
		return
	}
	c.auto.update(now, encodeFPS, avgEncodeMs, c.config.TargetFrameRate)
}

// AutoRecoveryActive reports whether the auto-recovery hysteresis state
// machine currently has recovery engaged.
func (c *Context) AutoRecoveryActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auto.active
}
