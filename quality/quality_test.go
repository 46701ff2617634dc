package quality

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDerivedQualitiesBounds(t *testing.T) {
	fq, kq := DerivedQualities(50_000_000, 1920, 1080, 60, Pressure{})
	require.True(t, fq <= maxFrameQuality)
	require.True(t, kq <= fq)
	require.True(t, fq >= qualityFloor)
}

func TestDerivedQualitiesSeverelyConstrained(t *testing.T) {
	fq, _ := DerivedQualities(20_000_000, 3840, 2160, 60, Pressure{})
	require.LessOrEqual(t, fq, 0.30)
}

func TestDerivedQualitiesNeverExceedsHardCeiling(t *testing.T) {
	fq, _ := DerivedQualities(1_000_000_000, 320, 240, 30, Pressure{})
	require.LessOrEqual(t, fq, maxFrameQuality)
}

func TestHigherFrameRateLowerQualityAtEqualBitsPerPixel(t *testing.T) {
	width, height := 1920, 1080
	pixels := float64(width * height)

	bpp := 0.05
	bitrate60 := int64(bpp * pixels * 60)
	bitrate120 := int64(bpp * pixels * 120)

	fq60, _ := DerivedQualities(bitrate60, width, height, 60, Pressure{})
	fq120, _ := DerivedQualities(bitrate120, width, height, 120, Pressure{})
	require.Less(t, fq120, fq60)
}

func TestDerivedQualitiesPurity(t *testing.T) {
	a1, a2 := DerivedQualities(10_000_000, 1280, 720, 30, Pressure{CPUPercent: 70})
	b1, b2 := DerivedQualities(10_000_000, 1280, 720, 30, Pressure{CPUPercent: 70})
	require.Equal(t, a1, b1)
	require.Equal(t, a2, b2)
}

func TestRuntimePressureLowersQualityMonotonically(t *testing.T) {
	base, _ := DerivedQualities(10_000_000, 1920, 1080, 60, Pressure{CPUPercent: 0})
	stressed, _ := DerivedQualities(10_000_000, 1920, 1080, 60, Pressure{CPUPercent: 95})
	require.LessOrEqual(t, stressed, base)
}

func TestDataRateLimit(t *testing.T) {
	bytes, window := DataRateLimit(8_000_000, 60)
	require.Equal(t, 0.5, window)
	require.Equal(t, int64(500000), bytes)

	bytes120, window120 := DataRateLimit(8_000_000, 120)
	require.Equal(t, 0.25, window120)
	require.Equal(t, int64(250000), bytes120)

	bytesMin, _ := DataRateLimit(1, 60)
	require.Equal(t, int64(1), bytesMin)
}

func TestKeyframeQualityCompressorMonotoneNonIncreasing(t *testing.T) {
	c := KeyframeQualityCompressor{BaseQuality: 0.7, KeyframeQualityFloor: 0.2, MaxQueuedBytes: 1000}
	prev := c.KeyframeQuality(0)
	for _, q := range []int64{100, 300, 600, 900, 1000, 5000} {
		cur := c.KeyframeQuality(q)
		require.LessOrEqual(t, cur, prev)
		require.GreaterOrEqual(t, cur, c.KeyframeQualityFloor)
		prev = cur
	}
}

func TestEncoderSettingsUpdateModeClassification(t *testing.T) {
	base := EncoderSettings{Codec: "hevc", BitDepth: 8, PixelFormat: "nv12", ColorSpace: "bt709", FrameRate: 60, KeyFrameInterval: 120, CaptureQueueDepth: 3, BitrateBps: 8_000_000}

	require.Equal(t, NoChange, EncoderSettingsUpdateMode(base, base))

	bitrateChanged := base
	bitrateChanged.BitrateBps = 4_000_000
	require.Equal(t, BitrateOnly, EncoderSettingsUpdateMode(base, bitrateChanged))

	full := base
	full.PixelFormat = "p010"
	require.Equal(t, FullReconfiguration, EncoderSettingsUpdateMode(base, full))
}

func TestEncoderSettingsUpdateModePurity(t *testing.T) {
	a := EncoderSettings{Codec: "h264", FrameRate: 30}
	b := EncoderSettings{Codec: "h264", FrameRate: 60}
	require.Equal(t, EncoderSettingsUpdateMode(a, b), EncoderSettingsUpdateMode(a, b))
}
