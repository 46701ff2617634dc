package clientstream

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func discardLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestDecodeQueueDropsNonKeyframeWhenFull(t *testing.T) {
	q := NewDecodeQueue(2, discardLogger())
	released := 0
	mk := func(kf bool) Frame {
		return Frame{Data: []byte{1}, IsKeyframe: kf, Release: func() { released++ }}
	}

	now := time.Unix(100, 0)
	require.False(t, q.Enqueue(mk(false), now))
	require.False(t, q.Enqueue(mk(false), now))
	dropped := q.Enqueue(mk(false), now)
	require.True(t, dropped)
	require.Equal(t, 1, released)
	require.Equal(t, uint64(1), q.QueueDrops())
	require.Equal(t, 2, q.Depth())
}

func TestDecodeQueueDrainsOnKeyframeWhenFull(t *testing.T) {
	q := NewDecodeQueue(2, discardLogger())
	released := 0
	mk := func(kf bool) Frame {
		return Frame{Data: []byte{1}, IsKeyframe: kf, Release: func() { released++ }}
	}
	now := time.Unix(200, 0)
	require.False(t, q.Enqueue(mk(false), now))
	require.False(t, q.Enqueue(mk(false), now))
	dropped := q.Enqueue(mk(true), now)
	require.False(t, dropped)
	require.Equal(t, 2, released, "both pending P-frames released on drain")
	require.Equal(t, 1, q.Depth())

	f, ok := q.Dequeue()
	require.True(t, ok)
	require.True(t, f.IsKeyframe)
}

func TestDecodeQueueCloseUnblocksWaitingDequeue(t *testing.T) {
	q := NewDecodeQueue(4, discardLogger())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	// Give the goroutine a chance to block on the empty queue before Close.
	time.Sleep(50 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not unblock after Close")
	}
}

func TestDecodeQueueCloseReleasesPendingBuffers(t *testing.T) {
	q := NewDecodeQueue(4, discardLogger())
	released := 0
	q.Enqueue(Frame{Release: func() { released++ }}, time.Unix(1, 0))
	q.Enqueue(Frame{Release: func() { released++ }}, time.Unix(1, 0))

	q.Close()
	require.Equal(t, 2, released)

	_, ok := q.Dequeue()
	require.False(t, ok)
}

func TestDecodeErrorEscalatesToHardAfterThreeEvents(t *testing.T) {
	var d decodeErrorTracker
	t0 := time.Unix(300, 0)

	k1 := d.onErrorThreshold(t0)
	require.Equal(t, recoverySoft, k1)

	k2 := d.onErrorThreshold(t0.Add(600 * time.Millisecond))
	require.Equal(t, recoverySoft, k2)

	k3 := d.onErrorThreshold(t0.Add(1200 * time.Millisecond))
	require.Equal(t, recoveryHard, k3)
}

func TestDecodeErrorRespectsDispatchCooldown(t *testing.T) {
	var d decodeErrorTracker
	t0 := time.Unix(400, 0)
	k1 := d.onErrorThreshold(t0)
	require.Equal(t, recoverySoft, k1)
	k2 := d.onErrorThreshold(t0.Add(100 * time.Millisecond))
	require.Equal(t, recoveryNone, k2, "within 500ms cooldown")
}

func TestDecodeErrorWindowExpires(t *testing.T) {
	var d decodeErrorTracker
	t0 := time.Unix(500, 0)
	d.onErrorThreshold(t0)
	d.onErrorThreshold(t0.Add(600 * time.Millisecond))

	k3 := d.onErrorThreshold(t0.Add(9 * time.Second))
	require.Equal(t, recoverySoft, k3, "earlier events aged out of the 8s window")
}

func TestFreezeMonitorNoProgressEscalatesAfterTwoSamples(t *testing.T) {
	var f freezeMonitor
	t0 := time.Unix(600, 0)
	require.Equal(t, recoveryNone, f.sample(t0, 1, 0, true, false))

	// No progress, but not yet past the 5s freeze timeout.
	require.Equal(t, recoveryNone, f.sample(t0.Add(1*time.Second), 1, 0, true, false))

	past := t0.Add(6 * time.Second)
	k1 := f.sample(past, 1, 1, true, false)
	require.Equal(t, recoverySoft, k1, "first frozen sample, not yet awaiting keyframe")

	past2 := past.Add(4 * time.Second)
	k2 := f.sample(past2, 1, 1, true, true)
	require.Equal(t, recoveryHard, k2, "second consecutive frozen sample while awaiting keyframe escalates")
}

func TestFreezeMonitorProgressResetsCounter(t *testing.T) {
	var f freezeMonitor
	t0 := time.Unix(700, 0)
	f.sample(t0, 1, 0, true, false)
	f.sample(t0.Add(6*time.Second), 1, 1, true, false)
	require.Equal(t, 1, f.consecutiveFrozen)

	f.sample(t0.Add(7*time.Second), 2, 1, true, false)
	require.Equal(t, 0, f.consecutiveFrozen, "sequence advanced, freeze counter clears")
}

func TestSubmissionLimitRaisesUnderStreakedStress(t *testing.T) {
	s := newSubmissionLimitAdapter()
	require.Equal(t, 2, s.update(50, 60)) // ratio 0.83, not stressed
	require.Equal(t, 2, s.update(30, 60)) // ratio 0.5, stress streak 1
	require.Equal(t, 3, s.update(30, 60)) // stress streak 2, raised
}

func TestSubmissionLimitLowersAfterThreeHealthyWindows(t *testing.T) {
	s := newSubmissionLimitAdapter()
	s.limit = submissionLimitMax
	require.Equal(t, submissionLimitMax, s.update(59, 60), "1st consecutive healthy window")
	require.Equal(t, submissionLimitMax, s.update(59, 60), "2nd consecutive healthy window")
	require.Equal(t, submissionLimitBaseline, s.update(59, 60), "3rd consecutive healthy window lowers")
}

func TestAdaptiveFallbackQueueDropsAndRecoveries(t *testing.T) {
	var a adaptiveFallback
	t0 := time.Unix(800, 0)
	for i := 0; i < 12; i++ {
		a.noteQueueDrop(t0.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	require.False(t, a.evaluate(t0.Add(1200*time.Millisecond)), "queue drops alone are not enough")

	a.noteRecoveryRequested(t0.Add(1300 * time.Millisecond))
	a.noteRecoveryRequested(t0.Add(1400 * time.Millisecond))
	require.True(t, a.evaluate(t0.Add(1500*time.Millisecond)))
}

func TestAdaptiveFallbackDecodeThresholdAlone(t *testing.T) {
	var a adaptiveFallback
	t0 := time.Unix(900, 0)
	a.noteDecodeThresholdEvent(t0)
	a.noteDecodeThresholdEvent(t0.Add(100 * time.Millisecond))
	require.True(t, a.evaluate(t0.Add(200*time.Millisecond)))
}

func TestAdaptiveFallbackRespectsCooldown(t *testing.T) {
	var a adaptiveFallback
	t0 := time.Unix(1000, 0)
	a.noteDecodeThresholdEvent(t0)
	a.noteDecodeThresholdEvent(t0.Add(100 * time.Millisecond))
	require.True(t, a.evaluate(t0.Add(200*time.Millisecond)))

	a.noteDecodeThresholdEvent(t0.Add(300 * time.Millisecond))
	a.noteDecodeThresholdEvent(t0.Add(400 * time.Millisecond))
	require.False(t, a.evaluate(t0.Add(500*time.Millisecond)), "15s cooldown suppresses re-emit")
}

type fakeRecovery struct {
	soft, hard []string
}

func (f *fakeRecovery) RequestSoftRecovery(reason string) { f.soft = append(f.soft, reason) }
func (f *fakeRecovery) RequestHardRecovery(reason string) { f.hard = append(f.hard, reason) }

type fakeReassembler struct{ entered int }

func (f *fakeReassembler) EnterKeyframeOnlyMode() { f.entered++ }

func TestControllerDispatchesSoftThenHardRecovery(t *testing.T) {
	recovery := &fakeRecovery{}
	reasm := &fakeReassembler{}
	c := New(48, recovery, reasm, discardLogger())

	t0 := time.Unix(1100, 0)
	c.OnDecoderErrorThreshold(t0)
	c.OnDecoderErrorThreshold(t0.Add(600 * time.Millisecond))
	c.OnDecoderErrorThreshold(t0.Add(1200 * time.Millisecond))

	require.Len(t, recovery.soft, 2)
	require.Len(t, recovery.hard, 1)
	require.Equal(t, 3, reasm.entered)
}
