package presentation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectFramePolicyLowestLatencyIsLatest(t *testing.T) {
	mode, depth := SelectFramePolicy(LatencyModeLowestLatency, false, DecodeHealthy)
	require.Equal(t, SelectLatest, mode)
	require.Equal(t, 1, depth)
}

func TestSelectFramePolicyTypingBurstOverridesSmoothest(t *testing.T) {
	mode, depth := SelectFramePolicy(LatencyModeSmoothest, true, DecodeHealthy)
	require.Equal(t, SelectLatest, mode)
	require.Equal(t, 1, depth)
}

func TestSelectFramePolicyAutoAndSmoothestAreBuffered(t *testing.T) {
	mode, depth := SelectFramePolicy(LatencyModeAuto, false, DecodeHealthy)
	require.Equal(t, SelectBuffered, mode)
	require.Equal(t, defaultMaxDepth, depth)

	mode, depth = SelectFramePolicy(LatencyModeSmoothest, false, DecodeStressed)
	require.Equal(t, SelectBuffered, mode)
	require.Equal(t, defaultMaxDepth, depth)
}

func TestClassifyDecodeHealth(t *testing.T) {
	require.Equal(t, DecodeHealthy, ClassifyDecodeHealth(58, 60))
	require.Equal(t, DecodeStressed, ClassifyDecodeHealth(40, 60))
	require.Equal(t, DecodeNominal, ClassifyDecodeHealth(50, 60))
}

func TestRingBufferLatestModeReturnsNewestAndReleasesRest(t *testing.T) {
	var r RingBuffer
	released := map[uint64]bool{}
	for i := uint64(1); i <= 3; i++ {
		i := i
		r.Push(Frame{Sequence: i, Release: func() { released[i] = true }})
	}

	f, ok := r.Select(LatencyModeLowestLatency, false, DecodeHealthy)
	require.True(t, ok)
	require.Equal(t, uint64(3), f.Sequence)
	require.True(t, released[1])
	require.True(t, released[2])
	require.False(t, released[3], "the returned frame is not released")
	require.Equal(t, 1, r.Depth())
}

func TestRingBufferBufferedModeReturnsOldestUpToMaxDepth(t *testing.T) {
	var r RingBuffer
	for i := uint64(1); i <= 5; i++ {
		r.Push(Frame{Sequence: i})
	}

	f, ok := r.Select(LatencyModeAuto, false, DecodeHealthy)
	require.True(t, ok)
	require.Equal(t, defaultMaxDepth, r.Depth())
	require.Equal(t, uint64(3), f.Sequence, "oldest among the retained newest-3")
}

func TestRingBufferEmergencyTrim(t *testing.T) {
	var r RingBuffer
	for i := uint64(1); i <= 9; i++ {
		r.Push(Frame{Sequence: i, AgeMillis: 200})
	}

	f, ok := r.Select(LatencyModeAuto, false, DecodeHealthy)
	require.True(t, ok)
	require.Equal(t, defaultMaxDepth, r.Depth())
	require.Equal(t, uint64(9-defaultMaxDepth+1), f.Sequence, "oldest among the newest-3 after emergency trim then normal buffered trim")
}

func TestRingBufferEmptyReturnsFalse(t *testing.T) {
	var r RingBuffer
	_, ok := r.Select(LatencyModeAuto, false, DecodeHealthy)
	require.False(t, ok)
}
