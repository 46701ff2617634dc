// Package quality implements the encoder-quality policy: pure functions
// deriving frame/keyframe quality and data-rate limits from target
// bitrate, resolution, frame rate and runtime pressure. Nothing here holds
// state or performs I/O — every function is deterministic given its
// arguments, satisfying spec.md §8 property 8 (policy purity).
package quality

import "math"

// Hard ceilings from spec.md §4.5.
const (
	maxFrameQuality          = 0.80
	severeConstraintCeiling  = 0.30
	qualityFloor             = 0.05
	keyframeQualityFloorDflt = 0.20
)

// Pressure captures runtime signals beyond the encoder's own configuration
// that should additionally bias quality downward (SPEC_FULL.md §12's
// "runtime pressure" resolution). CPUPercent is in [0, 100]; zero means no
// pressure signal is available and the bias is a no-op.
type Pressure struct {
	CPUPercent float64
}

func (p Pressure) bias() float64 {
	if p.CPUPercent <= 0 {
		return 1.0
	}
	// Linear taper: at 100% CPU, quality is scaled by 0.85; below 50% load
	// there is no penalty.
	if p.CPUPercent <= 50 {
		return 1.0
	}
	frac := (p.CPUPercent - 50) / 50
	if frac > 1 {
		frac = 1
	}
	return 1.0 - 0.15*frac
}

// DerivedQualities computes (frameQuality, keyframeQuality) for the given
// target bitrate, resolution and frame rate. Pure function: identical
// inputs yield identical outputs (spec.md §8 property 8).
func DerivedQualities(targetBitrateBps int64, width, height int, frameRate float64, pressure Pressure) (frameQuality, keyframeQuality float64) {
	if targetBitrateBps <= 0 || width <= 0 || height <= 0 || frameRate <= 0 {
		return qualityFloor, qualityFloor
	}

	pixels := float64(width) * float64(height)
	// Compression pressure: bits needed per pixel-second versus what's
	// budgeted. Higher pressure -> lower quality.
	bitsPerPixelPerSecond := float64(targetBitrateBps) / (pixels * frameRate)

	// Empirically-shaped monotone decreasing curve in [qualityFloor, 0.80].
	// bitsPerPixelPerSecond around 0.1 bpp is "comfortable" (near ceiling);
	// below 0.01 bpp is "severely constrained".
	frameQuality = maxFrameQuality * sigmoidRamp(bitsPerPixelPerSecond, 0.01, 0.12)

	// Additional monotone bias: at equal bitrate-per-pixel, higher frame
	// rates get lower quality (same bits spread over more frames).
	if frameRate >= 120 {
		frameQuality *= 0.88
	} else if frameRate >= 90 {
		frameQuality *= 0.94
	}

	frameQuality *= pressure.bias()

	if frameQuality > maxFrameQuality {
		frameQuality = maxFrameQuality
	}
	if bitsPerPixelPerSecond < 0.006 {
		if frameQuality > severeConstraintCeiling {
			frameQuality = severeConstraintCeiling
		}
	}
	if frameQuality < qualityFloor {
		frameQuality = qualityFloor
	}

	keyframeQuality = frameQuality * 0.90
	if keyframeQuality > frameQuality {
		keyframeQuality = frameQuality
	}
	if keyframeQuality < qualityFloor {
		keyframeQuality = qualityFloor
	}
	return frameQuality, keyframeQuality
}

// sigmoidRamp maps x smoothly from 0.15 (x<=lo) to 1 (x>=hi) using a cosine
// ease, giving a monotone, continuous curve without a library dependency
// (this one small numeric helper is the only place stdlib math substitutes
// for a curve-fitting library; see DESIGN.md).
func sigmoidRamp(x, lo, hi float64) float64 {
	if x <= lo {
		return 0.15 // never fully zero: qualityFloor still applies on top
	}
	if x >= hi {
		return 1.0
	}
	t := (x - lo) / (hi - lo)
	return 0.15 + 0.85*(0.5-0.5*math.Cos(math.Pi*t))
}

// DataRateLimit returns the byte budget and window for send-rate limiting,
// per spec.md §4.5.
func DataRateLimit(targetBitrateBps int64, targetFrameRate float64) (bytes int64, windowSeconds float64) {
	windowSeconds = 0.5
	if targetFrameRate >= 120 {
		windowSeconds = 0.25
	}
	bytes = int64(math.Round(float64(targetBitrateBps) / 8 * windowSeconds))
	if bytes < 1 {
		bytes = 1
	}
	return bytes, windowSeconds
}

// KeyframeQualityCompressor reduces keyframe quality toward a floor as the
// host's outbound queue fills, monotone and clamped (spec.md §4.5 runtime
// keyframe quality compression, property 9).
type KeyframeQualityCompressor struct {
	BaseQuality        float64
	KeyframeQualityFloor float64 // defaults to 0.20 if zero
	MaxQueuedBytes     int64
}

// KeyframeQuality returns the compressed keyframe quality for the given
// queue depth. Non-increasing in queuedBytes.
func (c KeyframeQualityCompressor) KeyframeQuality(queuedBytes int64) float64 {
	floor := c.KeyframeQualityFloor
	if floor <= 0 {
		floor = keyframeQualityFloorDflt
	}
	if c.MaxQueuedBytes <= 0 || queuedBytes <= 0 {
		return c.BaseQuality
	}
	frac := float64(queuedBytes) / float64(c.MaxQueuedBytes)
	if frac > 1 {
		frac = 1
	}
	q := c.BaseQuality - frac*(c.BaseQuality-floor)
	if q < floor {
		q = floor
	}
	if q > c.BaseQuality {
		q = c.BaseQuality
	}
	return q
}

// EncoderSettings is the subset of encoder configuration whose change
// classifies a reconfiguration request (spec.md §4.6.5).
type EncoderSettings struct {
	Codec             string
	BitDepth          int
	PixelFormat       string
	ColorSpace        string
	FrameRate         float64
	KeyFrameInterval  int
	CaptureQueueDepth int
	BitrateBps        int64
}

// UpdateMode classifies how two encoder settings differ.
type UpdateMode int

const (
	NoChange UpdateMode = iota
	BitrateOnly
	FullReconfiguration
)

// EncoderSettingsUpdateMode classifies the transition from current to
// updated settings. Pure function (spec.md §8 property 8).
func EncoderSettingsUpdateMode(current, updated EncoderSettings) UpdateMode {
	structuralEqual := current.Codec == updated.Codec &&
		current.BitDepth == updated.BitDepth &&
		current.PixelFormat == updated.PixelFormat &&
		current.ColorSpace == updated.ColorSpace &&
		current.FrameRate == updated.FrameRate &&
		current.KeyFrameInterval == updated.KeyFrameInterval &&
		current.CaptureQueueDepth == updated.CaptureQueueDepth

	bitrateEqual := current.BitrateBps == updated.BitrateBps

	switch {
	case structuralEqual && bitrateEqual:
		return NoChange
	case structuralEqual && !bitrateEqual:
		return BitrateOnly
	default:
		return FullReconfiguration
	}
}
