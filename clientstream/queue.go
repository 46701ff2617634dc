// Package clientstream implements the client-side stream controller:
// the ordered single-consumer decode queue, decode-error escalation,
// freeze monitor, decode-submission limit adaptation and the
// adaptive-fallback signal (spec.md §4.7).
package clientstream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Frame is one compressed frame handed to the decode queue. Release is
// called exactly once, whether the frame is decoded, dropped, or the
// queue is stopped while it's still pending.
type Frame struct {
	Data       []byte
	IsKeyframe bool
	Release    func()
}

// DecodeQueue is the bounded, ordered compressed-frame queue feeding the
// single decoder consumer (spec.md §4.7.1).
type DecodeQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []Frame
	capacity int
	closed   bool

	log          zerolog.Logger
	queueDrops   uint64
	lastDropLog  time.Time
}

// NewDecodeQueue creates a queue with the given capacity (spec.md default
// is 48).
func NewDecodeQueue(capacity int, log zerolog.Logger) *DecodeQueue {
	q := &DecodeQueue{capacity: capacity, log: log}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue admits frame into the queue. If the queue is full and frame is
// a keyframe, the queue is drained first (a fresh keyframe makes every
// pending P-frame useless) and the keyframe is accepted. If full and
// frame is not a keyframe, frame is released immediately and counted as
// a queue-drop. Returns true if frame was dropped.
func (q *DecodeQueue) Enqueue(frame Frame, now time.Time) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if frame.Release != nil {
			frame.Release()
		}
		return true
	}

	if len(q.items) >= q.capacity {
		if frame.IsKeyframe {
			drained := q.items
			q.items = nil
			q.mu.Unlock()
			for _, f := range drained {
				if f.Release != nil {
					f.Release()
				}
			}
			q.mu.Lock()
		} else {
			q.queueDrops++
			if now.Sub(q.lastDropLog) >= time.Second {
				q.log.Warn().Uint64("totalDrops", q.queueDrops).Msg("decode queue full, dropping frame")
				q.lastDropLog = now
			}
			q.mu.Unlock()
			if frame.Release != nil {
				frame.Release()
			}
			return true
		}
	}

	q.items = append(q.items, frame)
	q.notEmpty.Signal()
	q.mu.Unlock()
	return false
}

// Dequeue blocks until a frame is available or the queue is closed, in
// which case ok is false.
func (q *DecodeQueue) Dequeue() (frame Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 && q.closed {
		return Frame{}, false
	}
	frame = q.items[0]
	q.items = q.items[1:]
	return frame, true
}

// Depth returns the number of frames currently queued.
func (q *DecodeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// QueueDrops returns the lifetime queue-drop count.
func (q *DecodeQueue) QueueDrops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queueDrops
}

// Close stops the queue: every pending frame is released and any blocked
// Dequeue returns ok=false. Idempotent.
func (q *DecodeQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	drained := q.items
	q.items = nil
	q.notEmpty.Broadcast()
	q.mu.Unlock()

	for _, f := range drained {
		if f.Release != nil {
			f.Release()
		}
	}
}
