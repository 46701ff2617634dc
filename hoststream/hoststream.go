// Package hoststream implements the host-side per-stream state machine:
// keyframe-recovery escalation (soft to hard), auto-recovery hysteresis for
// latencyMode=auto, the typing-burst transient override, and in-flight
// encoder admission control. One Context exists per active stream.
package hoststream

import (
	"sync"
	"time"

	"github.com/miragekit/streamcore/quality"
)

// LatencyMode selects the presentation/recovery strategy for a stream.
type LatencyMode int

const (
	LatencyModeSmoothest LatencyMode = iota
	LatencyModeAuto
	LatencyModeLowestLatency
)

// EncoderConfig is the host's current encoder configuration (spec.md §3.6).
type EncoderConfig struct {
	Codec             string
	TargetFrameRate   float64
	KeyFrameInterval  int
	BitDepth          int
	ColorSpace        string
	PixelFormat       string
	BitrateBps        int64
	FrameQuality      float64
	KeyframeQuality   float64
	CaptureQueueDepth int
}

func (c EncoderConfig) toQualitySettings() quality.EncoderSettings {
	return quality.EncoderSettings{
		Codec: c.Codec, BitDepth: c.BitDepth, PixelFormat: c.PixelFormat, ColorSpace: c.ColorSpace,
		FrameRate: c.TargetFrameRate, KeyFrameInterval: c.KeyFrameInterval,
		CaptureQueueDepth: c.CaptureQueueDepth, BitrateBps: c.BitrateBps,
	}
}

// Context holds one stream's host-side latency/recovery state. All fields
// are guarded by a single mutex, matching spec.md §5's "actor-equivalent
// mutex" guidance for the stream context; the encoder-admission counter
// gets its own tiny mutex (admission.go) so reserving/releasing a slot
// never needs to take the wider stream lock.
type Context struct {
	mu     sync.Mutex
	config EncoderConfig
	mode   LatencyMode

	keyframe keyframeRecovery
	auto     autoRecovery
	typing   typingBurst

	admission encoderAdmission
}

// New creates a host stream Context.
func New(config EncoderConfig, mode LatencyMode, maxInFlightFrames int) *Context {
	c := &Context{config: config, mode: mode}
	c.auto.init(maxInFlightFrames, config.FrameQuality)
	c.admission.limit = maxInFlightFrames
	return c
}

// LatencyMode returns the stream's configured latency mode.
func (c *Context) LatencyMode() LatencyMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// EncoderConfig returns a copy of the current encoder configuration.
func (c *Context) EncoderConfig() EncoderConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// UpdateEncoderSettings classifies and applies a new encoder configuration,
// returning the classification spec.md §4.6.5 defines.
func (c *Context) UpdateEncoderSettings(updated EncoderConfig) quality.UpdateMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	mode := quality.EncoderSettingsUpdateMode(c.config.toQualitySettings(), updated.toQualitySettings())
	c.config = updated
	return mode
}

// ActiveQuality returns the effective frame quality for the current
// window, applying the auto-recovery and typing-burst ceilings on top of
// candidate (the policy-derived quality for this frame). Monotone:
// candidate is never increased, only potentially clamped down.
func (c *Context) ActiveQuality(now time.Time, candidate float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing.expireIfNeeded(now, &c.auto)
	return c.auto.clampQuality(candidate)
}

// MaxInFlightFrames returns the current in-flight frame budget.
func (c *Context) MaxInFlightFrames(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing.expireIfNeeded(now, &c.auto)
	return c.auto.maxInFlightFrames
}
