package clientstream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RecoveryRequester is the client's feedback channel back to the host:
// soft/hard recovery requests travel out as keyframeRequest control
// messages (control.ClientChannel implements this).
type RecoveryRequester interface {
	RequestSoftRecovery(reason string)
	RequestHardRecovery(reason string)
}

// ReassemblerControl lets the controller put the reassembler into
// keyframe-only recovery mode alongside a recovery request.
type ReassemblerControl interface {
	EnterKeyframeOnlyMode()
}

// Controller is the client-side per-stream stream controller: decode
// queue, decode-error escalation, freeze monitor, submission-limit
// adaptation and adaptive-fallback signal (spec.md §4.7).
type Controller struct {
	Queue *DecodeQueue

	mu          sync.Mutex
	errorWindow decodeErrorTracker
	freeze      freezeMonitor
	submission  *submissionLimitAdapter
	fallback    adaptiveFallback

	recovery    RecoveryRequester
	reassembler ReassemblerControl
	log         zerolog.Logger

	awaitingKeyframe bool
}

// New creates a Controller. queueCapacity is typically 48.
func New(queueCapacity int, recovery RecoveryRequester, reassembler ReassemblerControl, log zerolog.Logger) *Controller {
	return &Controller{
		Queue:       NewDecodeQueue(queueCapacity, log),
		submission:  newSubmissionLimitAdapter(),
		recovery:    recovery,
		reassembler: reassembler,
		log:         log,
	}
}

// EnqueueFrame admits a reassembled compressed frame into the decode
// queue, tracking drops for the adaptive-fallback signal.
func (c *Controller) EnqueueFrame(frame Frame, now time.Time) {
	dropped := c.Queue.Enqueue(frame, now)
	if dropped && !frame.IsKeyframe {
		c.mu.Lock()
		c.fallback.noteQueueDrop(now)
		c.mu.Unlock()
	}
}

// OnDecoderErrorThreshold is the hook the external decoder invokes when
// its internal per-decoder error counter crosses threshold (spec.md
// §4.7.2).
func (c *Controller) OnDecoderErrorThreshold(now time.Time) {
	c.mu.Lock()
	kind := c.errorWindow.onErrorThreshold(now)
	if kind != recoveryNone {
		c.fallback.noteDecodeThresholdEvent(now)
	}
	c.mu.Unlock()
	c.dispatchRecovery(now, kind, "decode-error-threshold")
}

// SamplePresentationProgress runs one freeze-monitor tick (spec.md
// §4.7.3), called every 500ms while the application is active.
func (c *Controller) SamplePresentationProgress(now time.Time, sequence uint64, packetReceivedRecently bool) {
	c.mu.Lock()
	awaiting := c.awaitingKeyframe
	kind := c.freeze.sample(now, sequence, c.Queue.Depth(), packetReceivedRecently, awaiting)
	c.mu.Unlock()
	c.dispatchRecovery(now, kind, "freeze-detected")
}

func (c *Controller) dispatchRecovery(now time.Time, kind recoveryKind, reason string) {
	if kind == recoveryNone {
		return
	}

	c.mu.Lock()
	c.awaitingKeyframe = true
	c.fallback.noteRecoveryRequested(now)
	c.mu.Unlock()

	if c.reassembler != nil {
		c.reassembler.EnterKeyframeOnlyMode()
	}
	if c.recovery == nil {
		return
	}
	switch kind {
	case recoverySoft:
		c.recovery.RequestSoftRecovery(reason)
	case recoveryHard:
		c.recovery.RequestHardRecovery(reason)
	}
}

// AcknowledgeKeyframeDelivered clears awaiting-keyframe state once a
// fresh keyframe has been reassembled and enqueued.
func (c *Controller) AcknowledgeKeyframeDelivered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaitingKeyframe = false
}

// UpdateSubmissionMetrics feeds one metrics window's decodedFPS/targetFPS
// and returns the current decode-submission limit (spec.md §4.7.4).
func (c *Controller) UpdateSubmissionMetrics(decodedFPS, targetFPS float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submission.update(decodedFPS, targetFPS)
}

// CheckAdaptiveFallback evaluates the rolling composite signal (spec.md
// §4.7.5); callers should downshift encoder settings via the control
// channel when this returns true.
func (c *Controller) CheckAdaptiveFallback(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback.evaluate(now)
}

// Stop cancels the decode pump: every pending compressed frame releases
// its buffer and a blocked Dequeue returns ok=false.
func (c *Controller) Stop() {
	c.Queue.Close()
}
