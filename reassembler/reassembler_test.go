package reassembler

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/miragekit/streamcore/bufpool"
	"github.com/miragekit/streamcore/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type capturedFrame struct {
	streamID  uint32
	data      []byte
	keyframe  bool
	timestamp uint64
}

type collectingSink struct {
	mu     sync.Mutex
	frames []capturedFrame
}

func (s *collectingSink) OnFrameComplete(streamID uint32, data []byte, isKeyframe bool, timestamp uint64, rect protocol.Rect, release func()) {
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	s.frames = append(s.frames, capturedFrame{streamID, cp, isKeyframe, timestamp})
	s.mu.Unlock()
	release()
}

func (s *collectingSink) snapshot() []capturedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedFrame(nil), s.frames...)
}

func newTestReassembler(sink FrameSink) *Reassembler {
	cfg := Config{MaxPayloadSize: 16, KeyframeTimeout: 2 * time.Second, PFrameTimeout: 500 * time.Millisecond, MaxPendingFrames: 16}
	return New(cfg, bufpool.New(8), sink, zerolog.Nop())
}

// buildFragments splits data into fragCount fragments of the reassembler's
// MaxPayloadSize and returns headers+payloads ready for ProcessPacket.
func buildFragments(frameNumber uint32, epoch, dimToken uint16, keyframe bool, data []byte, maxPayload int) []struct {
	Header  protocol.VideoHeader
	Payload []byte
} {
	fragCount := (len(data) + maxPayload - 1) / maxPayload
	if fragCount == 0 {
		fragCount = 1
	}
	out := make([]struct {
		Header  protocol.VideoHeader
		Payload []byte
	}, 0, fragCount)
	for i := 0; i < fragCount; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(data) {
			end = len(data)
		}
		payload := data[start:end]
		var flags uint8
		if keyframe {
			flags |= protocol.FlagKeyframe
		}
		h := protocol.VideoHeader{
			Flags: flags, StreamID: 1, Epoch: epoch, DimensionToken: dimToken,
			FrameNumber: frameNumber, FragmentIndex: uint16(i), FragmentCount: uint16(fragCount),
			Timestamp: uint64(frameNumber), PayloadLength: uint32(len(payload)),
			Checksum: protocol.CRC32(payload),
		}
		out = append(out, struct {
			Header  protocol.VideoHeader
			Payload []byte
		}{h, payload})
	}
	return out
}

func TestScenarioA_KeyframeThenPFramesNoLoss(t *testing.T) {
	sink := &collectingSink{}
	r := newTestReassembler(sink)

	kf := make([]byte, 160) // 10 fragments at maxPayload=16
	for i := range kf {
		kf[i] = byte(i)
	}
	frags := buildFragments(100, 0, 0, true, kf, 16)
	for _, f := range frags {
		r.ProcessPacket(f.Payload, f.Header)
	}

	for _, fn := range []uint32{101, 102, 103} {
		p := []byte{byte(fn)}
		frags := buildFragments(fn, 0, 0, false, p, 16)
		for _, f := range frags {
			r.ProcessPacket(f.Payload, f.Header)
		}
	}

	got := sink.snapshot()
	require.Len(t, got, 4)
	require.True(t, got[0].keyframe)
	require.Equal(t, kf, got[0].data)
	require.Equal(t, []uint64{100, 101, 102, 103}, []uint64{got[0].timestamp, got[1].timestamp, got[2].timestamp, got[3].timestamp})

	snap := r.Snapshot()
	require.Zero(t, snap.PacketsDiscardedOld)
	require.Equal(t, uint64(4), snap.FramesDelivered)
	require.Zero(t, snap.DroppedFrameCount)
}

func TestScenarioB_LateStragglerDropped(t *testing.T) {
	sink := &collectingSink{}
	r := newTestReassembler(sink)

	for _, f := range buildFragments(200, 0, 0, true, []byte{1}, 16) {
		r.ProcessPacket(f.Payload, f.Header)
	}
	for _, f := range buildFragments(150, 0, 0, false, []byte{2}, 16) {
		r.ProcessPacket(f.Payload, f.Header)
	}

	snap := r.Snapshot()
	require.Equal(t, uint64(1), snap.PacketsDiscardedOld)
	got := sink.snapshot()
	require.Len(t, got, 1)
}

func TestScenarioC_DimensionTokenChange(t *testing.T) {
	sink := &collectingSink{}
	r := newTestReassembler(sink)
	r.UpdateExpectedDimensionToken(7)

	for _, f := range buildFragments(300, 0, 7, false, []byte{1}, 16) {
		r.ProcessPacket(f.Payload, f.Header)
	}
	for _, f := range buildFragments(301, 0, 8, false, []byte{2}, 16) {
		r.ProcessPacket(f.Payload, f.Header)
	}
	for _, f := range buildFragments(302, 0, 8, true, []byte{3}, 16) {
		r.ProcessPacket(f.Payload, f.Header)
	}

	snap := r.Snapshot()
	require.Equal(t, uint64(1), snap.PacketsDiscardedToken)
	got := sink.snapshot()
	require.Len(t, got, 2) // 300 and the 302 keyframe; 301 rejected

	r.mu.Lock()
	tok := r.expectedDimensionToken
	r.mu.Unlock()
	require.Equal(t, uint16(8), tok)
}

func TestScenarioD_EpochBump(t *testing.T) {
	sink := &collectingSink{}
	r := newTestReassembler(sink)

	for _, f := range buildFragments(500, 0, 0, true, []byte{1}, 16) {
		r.ProcessPacket(f.Payload, f.Header)
	}

	for _, f := range buildFragments(1, 4, 0, true, []byte{9}, 16) {
		r.ProcessPacket(f.Payload, f.Header)
	}

	r.mu.Lock()
	lastCompleted := r.lastCompletedFrame
	epoch := r.currentEpoch
	r.mu.Unlock()
	require.Equal(t, uint32(1), lastCompleted) // epoch reset zeroed it, then frame 1 delivered
	require.Equal(t, uint16(4), epoch)

	got := sink.snapshot()
	require.Len(t, got, 2) // frame 500 (epoch 0) and frame 1 (epoch 4)

	for _, f := range buildFragments(600, 3, 0, false, []byte{2}, 16) {
		r.ProcessPacket(f.Payload, f.Header)
	}
	snap := r.Snapshot()
	require.Equal(t, uint64(1), snap.PacketsDiscardedEpoch)
}

func TestScenarioE_CRCCorruptionTimesOut(t *testing.T) {
	sink := &collectingSink{}
	r := newTestReassembler(sink)
	r.cfg.PFrameTimeout = 10 * time.Millisecond

	data := make([]byte, 48) // 3 fragments
	frags := buildFragments(700, 0, 0, false, data, 16)
	frags[1].Payload = append([]byte(nil), frags[1].Payload...)
	frags[1].Payload[0] ^= 0xFF // corrupt fragment 1; checksum no longer matches

	for _, f := range frags {
		r.ProcessPacket(f.Payload, f.Header)
	}
	snap := r.Snapshot()
	require.Equal(t, uint64(1), snap.PacketsDiscardedCRC)
	require.Empty(t, sink.snapshot())

	time.Sleep(20 * time.Millisecond)
	// An incomplete probe frame runs the timeout sweep without completing a
	// newer frame that would supersede frame 700.
	r.ProcessPacket(nil, protocol.VideoHeader{StreamID: 1, FrameNumber: 99999, FragmentCount: 2, FragmentIndex: 0, Checksum: protocol.CRC32(nil)})
	snap = r.Snapshot()
	require.Equal(t, uint64(1), snap.DroppedFrameCount)
}

func TestIdempotentDuplicateFragment(t *testing.T) {
	sink := &collectingSink{}
	r := newTestReassembler(sink)

	frags := buildFragments(10, 0, 0, false, make([]byte, 32), 16)
	r.ProcessPacket(frags[0].Payload, frags[0].Header)
	r.ProcessPacket(frags[0].Payload, frags[0].Header) // duplicate

	r.mu.Lock()
	pf := r.pending[10]
	count := pf.receivedCount
	r.mu.Unlock()
	require.Equal(t, 1, count)
}

func TestFragmentationRoundTripUnderPermutation(t *testing.T) {
	sink := &collectingSink{}
	r := newTestReassembler(sink)

	data := make([]byte, 400)
	rng := rand.New(rand.NewSource(1))
	rng.Read(data)

	frags := buildFragments(1, 0, 0, true, data, 16)
	rng.Shuffle(len(frags), func(i, j int) { frags[i], frags[j] = frags[j], frags[i] })

	for _, f := range frags {
		r.ProcessPacket(f.Payload, f.Header)
	}

	got := sink.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, data, got[0].data)
}

func TestKeyframePreservedOverNewerPendingPFrame(t *testing.T) {
	sink := &collectingSink{}
	r := newTestReassembler(sink)

	kfFrags := buildFragments(50, 0, 0, true, make([]byte, 48), 16)
	r.ProcessPacket(kfFrags[0].Payload, kfFrags[0].Header) // incomplete keyframe pending

	pFrags := buildFragments(51, 0, 0, false, []byte{1}, 16)
	for _, f := range pFrags {
		r.ProcessPacket(f.Payload, f.Header)
	}

	r.mu.Lock()
	_, stillPending := r.pending[50]
	r.mu.Unlock()
	require.True(t, stillPending, "incomplete keyframe must not be evicted by a newer completed P-frame")
}
