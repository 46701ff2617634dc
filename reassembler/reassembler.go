// Package reassembler rebuilds complete encoded video frames from UDP
// fragments under loss, reordering, dimension changes and keyframe-only
// recovery. One Reassembler instance exists per stream; its state is
// protected by a single mutex and the frame-complete callback fires
// outside that lock, matching the concurrency model documented in the
// host/client stream architecture this package implements (epoch/CRC/
// dimension-token validation, keyframe preservation, fragment timeouts).
package reassembler

import (
	"sync"
	"time"

	"github.com/miragekit/streamcore/bufpool"
	"github.com/miragekit/streamcore/protocol"
	"github.com/rs/zerolog"
)

// FrameSink receives complete, ordered frames. Release must be invoked by
// the sink exactly once, after it has finished reading frameBytes.
type FrameSink interface {
	OnFrameComplete(streamID uint32, frameBytes []byte, isKeyframe bool, timestamp uint64, rect protocol.Rect, release func())
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(streamID uint32, frameBytes []byte, isKeyframe bool, timestamp uint64, rect protocol.Rect, release func())

// OnFrameComplete implements FrameSink.
func (f FrameSinkFunc) OnFrameComplete(streamID uint32, frameBytes []byte, isKeyframe bool, timestamp uint64, rect protocol.Rect, release func()) {
	f(streamID, frameBytes, isKeyframe, timestamp, rect, release)
}

// FrameLossObserver is notified whenever a frame is dropped or times out
// instead of being delivered.
type FrameLossObserver interface {
	OnFrameLoss(frameNumber uint32, reason string)
}

// FrameLossObserverFunc adapts a function to FrameLossObserver.
type FrameLossObserverFunc func(frameNumber uint32, reason string)

// OnFrameLoss implements FrameLossObserver.
func (f FrameLossObserverFunc) OnFrameLoss(frameNumber uint32, reason string) { f(frameNumber, reason) }

// Config tunes timeouts and caps. Zero-value fields get spec.md §6.5
// defaults in New.
type Config struct {
	MaxPayloadSize   int           // bytes per fragment payload, default 1180 (1232 - VideoHeaderSize)
	KeyframeTimeout  time.Duration // default 2s
	PFrameTimeout    time.Duration // default 500ms
	MaxPendingFrames int           // default 16; oldest pending frame is dropped beyond this
	StaleWindow      uint32        // default 1000; see spec.md §9 open question on isOldFrame
}

func (c *Config) setDefaults() {
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = 1232 - protocol.VideoHeaderSize
	}
	if c.KeyframeTimeout <= 0 {
		c.KeyframeTimeout = 2 * time.Second
	}
	if c.PFrameTimeout <= 0 {
		c.PFrameTimeout = 500 * time.Millisecond
	}
	if c.MaxPendingFrames <= 0 {
		c.MaxPendingFrames = 16
	}
	if c.StaleWindow == 0 {
		c.StaleWindow = 1000
	}
}

// Counters tallies the discard/delivery statistics named in spec.md §3.5.
type Counters struct {
	TotalPacketsReceived          uint64
	FramesDelivered               uint64
	PacketsDiscardedOld           uint64
	PacketsDiscardedCRC           uint64
	PacketsDiscardedToken         uint64
	PacketsDiscardedEpoch         uint64
	PacketsDiscardedAwaitingKeyframe uint64
	DroppedFrameCount             uint64
}

type pendingFrame struct {
	buf             *bufpool.Buffer
	received        []bool
	receivedCount   int
	totalFragments  int
	isKeyframe      bool
	timestamp       uint64
	contentRect     protocol.Rect
	epoch           uint16
	dimensionToken  uint16
	receivedAt      time.Time
	expectedTotalBytes int
}

// Reassembler holds one stream's reassembly state.
type Reassembler struct {
	cfg    Config
	pool   *bufpool.Pool
	sink   FrameSink
	logger zerolog.Logger

	mu                              sync.Mutex
	currentEpoch                    uint16
	expectedDimensionToken          uint16
	dimensionTokenValidationEnabled bool
	lastCompletedFrame              uint32
	lastDeliveredKeyframe           uint32
	awaitingKeyframe                bool
	awaitingKeyframeSince           time.Time
	pending                         map[uint32]*pendingFrame
	pendingOrder                    []uint32 // insertion order, for MaxPendingFrames eviction
	counters                        Counters
	lossHandler                     FrameLossObserver
}

// New creates a Reassembler for one stream. pool may be shared across
// streams; sink and logger must not be nil (use zerolog.Nop() to disable
// logging).
func New(cfg Config, pool *bufpool.Pool, sink FrameSink, logger zerolog.Logger) *Reassembler {
	cfg.setDefaults()
	return &Reassembler{
		cfg:     cfg,
		pool:    pool,
		sink:    sink,
		logger:  logger,
		pending: make(map[uint32]*pendingFrame),
	}
}

// SetFrameLossHandler registers an observer for dropped/timed-out frames.
func (r *Reassembler) SetFrameLossHandler(obs FrameLossObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lossHandler = obs
}

// UpdateExpectedDimensionToken enables dimension-token validation and sets
// the value non-keyframe fragments are checked against.
func (r *Reassembler) UpdateExpectedDimensionToken(token uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expectedDimensionToken = token
	r.dimensionTokenValidationEnabled = true
}

// EnterKeyframeOnlyMode discards all non-keyframe packets until the next
// keyframe restores a decodable reference.
func (r *Reassembler) EnterKeyframeOnlyMode() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enterKeyframeOnlyModeLocked()
}

func (r *Reassembler) enterKeyframeOnlyModeLocked() {
	if !r.awaitingKeyframe {
		r.awaitingKeyframe = true
		r.awaitingKeyframeSince = time.Now()
	}
}

// ShouldRequestKeyframe reports whether the reassembler is currently stuck
// waiting on a keyframe to resume decoding.
func (r *Reassembler) ShouldRequestKeyframe() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awaitingKeyframe
}

// AwaitingKeyframeDuration returns how long the reassembler has been
// awaiting a keyframe as of now, or ok=false if it isn't.
func (r *Reassembler) AwaitingKeyframeDuration(now time.Time) (d time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.awaitingKeyframe {
		return 0, false
	}
	return now.Sub(r.awaitingKeyframeSince), true
}

// DroppedFrameCount returns the cumulative number of frames dropped or
// timed out without delivery.
func (r *Reassembler) DroppedFrameCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters.DroppedFrameCount
}

// Snapshot returns a copy of the current counters.
func (r *Reassembler) Snapshot() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// Reset clears all reassembler state (used on stream stop/restart), after
// releasing every pending buffer.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	r.releaseAllPendingLocked("reset")
	r.currentEpoch = 0
	r.expectedDimensionToken = 0
	r.dimensionTokenValidationEnabled = false
	r.lastCompletedFrame = 0
	r.lastDeliveredKeyframe = 0
	r.awaitingKeyframe = false
	r.counters = Counters{}
	r.mu.Unlock()
}

func (r *Reassembler) releaseAllPendingLocked(reason string) {
	for frameNumber, pf := range r.pending {
		pf.buf.Release()
		r.notifyLossLocked(frameNumber, reason)
	}
	r.pending = make(map[uint32]*pendingFrame)
	r.pendingOrder = nil
}

func (r *Reassembler) notifyLossLocked(frameNumber uint32, reason string) {
	if r.lossHandler != nil {
		obs := r.lossHandler
		go obs.OnFrameLoss(frameNumber, reason)
	}
}

// resetForEpoch discards all prior pending state and adopts a new epoch,
// per spec.md §4.3 step 2/3: any discontinuity signal re-bases the stream.
func (r *Reassembler) resetForEpochLocked(epoch uint16, reason string) {
	r.logger.Info().Uint16("epoch", epoch).Str("reason", reason).Msg("reassembler: epoch reset")
	r.releaseAllPendingLocked(reason)
	r.currentEpoch = epoch
	r.lastCompletedFrame = 0
	r.lastDeliveredKeyframe = 0
	r.awaitingKeyframe = false
}

// isOldFrame implements the modular staleness window from spec.md §4.3
// step 7 / §9: rejects old P-frames while tolerating wraparound.
func isOldFrame(frameNumber, lastCompleted, window uint32) bool {
	if frameNumber >= lastCompleted {
		return false
	}
	return (lastCompleted - frameNumber) < window
}

// ProcessPacket ingests one fragment. It never blocks longer than the time
// to hold the reassembler's mutex; the frame-complete callback (if any
// frame is completed as a result) runs after the lock is released.
func (r *Reassembler) ProcessPacket(payload []byte, header protocol.VideoHeader) {
	r.mu.Lock()

	r.counters.TotalPacketsReceived++
	if r.counters.TotalPacketsReceived%1000 == 0 {
		r.logger.Info().
			Uint64("total", r.counters.TotalPacketsReceived).
			Uint64("delivered", r.counters.FramesDelivered).
			Uint64("discardedOld", r.counters.PacketsDiscardedOld).
			Uint64("discardedCRC", r.counters.PacketsDiscardedCRC).
			Uint64("discardedToken", r.counters.PacketsDiscardedToken).
			Uint64("discardedEpoch", r.counters.PacketsDiscardedEpoch).
			Uint64("dropped", r.counters.DroppedFrameCount).
			Msg("reassembler: stats")
	}

	// 2. Epoch.
	if header.Epoch != r.currentEpoch {
		if header.IsKeyframe() {
			r.resetForEpochLocked(header.Epoch, "epoch mismatch")
		} else {
			r.counters.PacketsDiscardedEpoch++
			r.enterKeyframeOnlyModeLocked()
			r.mu.Unlock()
			return
		}
	}

	// 3. Discontinuity flag: same policy as epoch mismatch.
	if header.IsDiscontinuity() {
		if header.IsKeyframe() {
			r.resetForEpochLocked(header.Epoch, "discontinuity")
		} else {
			r.counters.PacketsDiscardedEpoch++
			r.enterKeyframeOnlyModeLocked()
			r.mu.Unlock()
			return
		}
	}

	// 4. Dimension token.
	if r.dimensionTokenValidationEnabled && header.DimensionToken != r.expectedDimensionToken {
		if header.IsKeyframe() {
			r.expectedDimensionToken = header.DimensionToken
		} else {
			r.counters.PacketsDiscardedToken++
			r.mu.Unlock()
			return
		}
	}

	// 5. Awaiting keyframe.
	if r.awaitingKeyframe && !header.IsKeyframe() {
		r.counters.PacketsDiscardedAwaitingKeyframe++
		r.mu.Unlock()
		return
	}

	// 6. CRC32.
	if !header.IsEncrypted() {
		if protocol.CRC32(payload) != header.Checksum {
			r.counters.PacketsDiscardedCRC++
			r.mu.Unlock()
			return
		}
	}

	// 7. Stale non-keyframe.
	if isOldFrame(header.FrameNumber, r.lastCompletedFrame, r.cfg.StaleWindow) && !header.IsKeyframe() {
		r.counters.PacketsDiscardedOld++
		r.mu.Unlock()
		return
	}

	// 8. Fragment store.
	pf := r.storeFragmentLocked(payload, header)

	var (
		deliverBytes []byte
		deliverKey   bool
		deliverTS    uint64
		deliverRect  protocol.Rect
		deliverRel   func()
		deliverSID   uint32
		shouldDeliver bool
	)

	// 9. Completion.
	if pf != nil && pf.receivedCount == pf.totalFragments {
		deliverBytes, deliverKey, deliverTS, deliverRect, deliverRel, shouldDeliver = r.completeFrameLocked(header.FrameNumber, pf)
		deliverSID = header.StreamID
	}

	// 10. Timeouts.
	r.cleanupOldFramesLocked()

	r.mu.Unlock()

	if shouldDeliver {
		r.sink.OnFrameComplete(deliverSID, deliverBytes, deliverKey, deliverTS, deliverRect, deliverRel)
	}
}

func (r *Reassembler) storeFragmentLocked(payload []byte, header protocol.VideoHeader) *pendingFrame {
	pf, ok := r.pending[header.FrameNumber]
	if !ok {
		if r.cfg.MaxPendingFrames > 0 && len(r.pending) >= r.cfg.MaxPendingFrames {
			r.evictOldestPendingLocked()
		}
		capacity := int(header.FragmentCount) * r.cfg.MaxPayloadSize
		pf = &pendingFrame{
			buf:            r.pool.Acquire(capacity),
			received:       make([]bool, header.FragmentCount),
			totalFragments: int(header.FragmentCount),
			isKeyframe:     header.IsKeyframe(),
			timestamp:      header.Timestamp,
			contentRect:    header.ContentRect,
			epoch:          header.Epoch,
			dimensionToken: header.DimensionToken,
			receivedAt:     time.Now(),
		}
		r.pending[header.FrameNumber] = pf
		r.pendingOrder = append(r.pendingOrder, header.FrameNumber)
	}

	if header.IsKeyframe() {
		pf.isKeyframe = true
	}

	idx := int(header.FragmentIndex)
	if idx < 0 || idx >= len(pf.received) {
		return pf // malformed fragment index; nothing more to do, frame stays incomplete
	}
	if pf.received[idx] {
		return pf // duplicate fragment: idempotent, does not advance receivedCount
	}

	offset := idx * r.cfg.MaxPayloadSize
	end := offset + len(payload)
	if end > len(pf.buf.Bytes) {
		end = len(pf.buf.Bytes)
	}
	if offset < len(pf.buf.Bytes) {
		copy(pf.buf.Bytes[offset:end], payload)
	}

	pf.received[idx] = true
	pf.receivedCount++

	if idx == pf.totalFragments-1 {
		total := offset + len(payload)
		if total > len(pf.buf.Bytes) {
			total = len(pf.buf.Bytes)
		}
		pf.expectedTotalBytes = total
	}

	return pf
}

func (r *Reassembler) evictOldestPendingLocked() {
	for len(r.pendingOrder) > 0 {
		oldest := r.pendingOrder[0]
		r.pendingOrder = r.pendingOrder[1:]
		pf, ok := r.pending[oldest]
		if !ok {
			continue
		}
		if pf.isKeyframe {
			// Keyframes are never evicted to make room; re-queue and try
			// the next oldest instead (spec.md §4.3 keyframe preservation).
			r.pendingOrder = append(r.pendingOrder, oldest)
			if len(r.pendingOrder) == 1 {
				return // only a keyframe is pending; nothing safe to evict
			}
			continue
		}
		delete(r.pending, oldest)
		pf.buf.Release()
		r.counters.DroppedFrameCount++
		r.notifyLossLocked(oldest, "pending map capacity exceeded")
		return
	}
}

// completeFrameLocked decides delivery vs discard for a just-completed
// frame and returns the values ProcessPacket needs to invoke the sink
// outside the lock.
func (r *Reassembler) completeFrameLocked(frameNumber uint32, pf *pendingFrame) (bytes []byte, isKeyframe bool, timestamp uint64, rect protocol.Rect, release func(), deliver bool) {
	delete(r.pending, frameNumber)
	r.removeFromOrderLocked(frameNumber)

	if pf.isKeyframe {
		deliver = frameNumber > r.lastDeliveredKeyframe || r.lastDeliveredKeyframe == 0
		if deliver {
			r.lastDeliveredKeyframe = frameNumber
			r.awaitingKeyframe = false
		}
	} else {
		deliver = frameNumber > r.lastCompletedFrame && frameNumber > r.lastDeliveredKeyframe
	}

	if !deliver {
		pf.buf.Release()
		r.counters.DroppedFrameCount++
		r.notifyLossLocked(frameNumber, "superseded")
		return nil, false, 0, protocol.Rect{}, nil, false
	}

	r.lastCompletedFrame = frameNumber
	r.discardOlderPendingPFramesLocked(frameNumber)
	r.counters.FramesDelivered++

	total := pf.expectedTotalBytes
	if total == 0 || total > len(pf.buf.Bytes) {
		total = len(pf.buf.Bytes)
	}
	buf := pf.buf
	return buf.Bytes[:total], pf.isKeyframe, pf.timestamp, pf.contentRect, buf.Release, true
}

func (r *Reassembler) removeFromOrderLocked(frameNumber uint32) {
	for i, n := range r.pendingOrder {
		if n == frameNumber {
			r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
			return
		}
	}
}

// discardOlderPendingPFramesLocked drops pending P-frames now known to be
// stale, but never a pending keyframe (spec.md §4.3 keyframe preservation:
// "only its own timeout or an epoch reset removes it").
func (r *Reassembler) discardOlderPendingPFramesLocked(deliveredFrame uint32) {
	for _, frameNumber := range r.pendingOrder {
		pf, ok := r.pending[frameNumber]
		if !ok || pf.isKeyframe {
			continue
		}
		if frameNumber < deliveredFrame {
			delete(r.pending, frameNumber)
			pf.buf.Release()
			r.counters.DroppedFrameCount++
			r.notifyLossLocked(frameNumber, "superseded by newer completed frame")
		}
	}
	r.rebuildOrderLocked()
}

func (r *Reassembler) rebuildOrderLocked() {
	order := r.pendingOrder[:0]
	for _, frameNumber := range r.pendingOrder {
		if _, ok := r.pending[frameNumber]; ok {
			order = append(order, frameNumber)
		}
	}
	r.pendingOrder = order
}

// cleanupOldFramesLocked times out pending frames that have exceeded their
// per-kind deadline (500ms P-frames, KeyframeTimeout keyframes by default).
func (r *Reassembler) cleanupOldFramesLocked() {
	now := time.Now()
	var expired []uint32
	for frameNumber, pf := range r.pending {
		timeout := r.cfg.PFrameTimeout
		if pf.isKeyframe {
			timeout = r.cfg.KeyframeTimeout
		}
		if now.Sub(pf.receivedAt) > timeout {
			expired = append(expired, frameNumber)
		}
	}
	for _, frameNumber := range expired {
		pf := r.pending[frameNumber]
		delete(r.pending, frameNumber)
		pf.buf.Release()
		r.counters.DroppedFrameCount++
		r.notifyLossLocked(frameNumber, "timeout")
	}
	if len(expired) > 0 {
		r.rebuildOrderAfterDeleteLocked(expired)
	}
}

func (r *Reassembler) rebuildOrderAfterDeleteLocked(removed []uint32) {
	removedSet := make(map[uint32]bool, len(removed))
	for _, n := range removed {
		removedSet[n] = true
	}
	order := r.pendingOrder[:0]
	for _, frameNumber := range r.pendingOrder {
		if !removedSet[frameNumber] {
			order = append(order, frameNumber)
		}
	}
	r.pendingOrder = order
}
