package hoststream

import "sync"

// encoderAdmission bounds the number of access units concurrently in
// flight through the encoder/network pipeline (spec.md §4.6.4). It uses
// its own mutex, separate from Context.mu, so a producer deciding whether
// to admit a new frame never blocks on the wider stream-state lock.
type encoderAdmission struct {
	mu      sync.Mutex
	limit   int
	current int
}

// ReserveEncoderSlot attempts to admit one more in-flight frame, returning
// false if the current limit is already reached. limit is read fresh from
// the auto-recovery/typing-burst state so a slot reservation always
// respects the latest clamp.
func (c *Context) ReserveEncoderSlot(nowLimit int) bool {
	c.admission.mu.Lock()
	defer c.admission.mu.Unlock()
	if nowLimit <= 0 {
		nowLimit = 1
	}
	if c.admission.current >= nowLimit {
		return false
	}
	c.admission.current++
	return true
}

// ReleaseEncoderSlot returns one in-flight slot. Safe to call even if the
// admission counter is already at zero (never goes negative).
func (c *Context) ReleaseEncoderSlot() {
	c.admission.mu.Lock()
	defer c.admission.mu.Unlock()
	if c.admission.current > 0 {
		c.admission.current--
	}
}

// ResetEncoderSlots clears the in-flight counter, e.g. after a hard
// recovery flushes the pipeline.
func (c *Context) ResetEncoderSlots() {
	c.admission.mu.Lock()
	defer c.admission.mu.Unlock()
	c.admission.current = 0
}

// InFlightFrames returns the current admitted-frame count, for telemetry.
func (c *Context) InFlightFrames() int {
	c.admission.mu.Lock()
	defer c.admission.mu.Unlock()
	return c.admission.current
}
