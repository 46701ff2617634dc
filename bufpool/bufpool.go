// Package bufpool provides a bounded pool of reusable byte buffers for the
// reassembler and packetizer, so steady-state streaming does not churn the
// allocator once warmed up. Exhaustion falls back to heap allocation rather
// than blocking a caller — this is a latency-sensitive path.
package bufpool

import "sync"

// Buffer is a pooled byte slice with a single logical owner. Release
// returns it to the pool it came from; calling Release more than once is a
// caller bug but is made a no-op on subsequent calls so defensive cleanup
// code cannot corrupt the pool.
type Buffer struct {
	Bytes    []byte
	pool     *Pool
	class    int
	released bool
}

// Release returns the buffer's backing storage to the pool. Safe to call
// from any goroutine; safe to call more than once.
func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	if b.pool != nil {
		b.pool.put(b.class, b.Bytes)
	}
}

// Pool is a bounded-capacity, size-classed pool of byte buffers. Every
// buffer is, at any moment, either owned by exactly one caller or idle in
// the pool. A full size class simply drops the returned buffer (the GC
// reclaims it) instead of blocking the releaser.
type Pool struct {
	mu          sync.Mutex
	classes     map[int][][]byte
	maxRetained int
}

// New creates a pool. maxRetained bounds how many idle buffers of a given
// size class the pool keeps warm per class; 0 means unbounded retention.
func New(maxRetained int) *Pool {
	return &Pool{
		classes:     make(map[int][][]byte),
		maxRetained: maxRetained,
	}
}

// sizeClass rounds capacity up to a coarse bucket so buffers are reusable
// across slightly different fragment counts without fragmenting the pool
// into one class per exact byte count.
func sizeClass(capacity int) int {
	const bucket = 4096
	if capacity <= 0 {
		return bucket
	}
	return ((capacity + bucket - 1) / bucket) * bucket
}

// Acquire returns a Buffer whose Bytes slice has length exactly capacity,
// reused from the pool when an idle buffer of a suitable size class is
// available, or freshly heap-allocated otherwise.
func (p *Pool) Acquire(capacity int) *Buffer {
	class := sizeClass(capacity)

	p.mu.Lock()
	idle := p.classes[class]
	var raw []byte
	if n := len(idle); n > 0 {
		raw = idle[n-1]
		p.classes[class] = idle[:n-1]
	}
	p.mu.Unlock()

	if cap(raw) < capacity {
		raw = make([]byte, capacity, class)
	}
	return &Buffer{Bytes: raw[:capacity], pool: p, class: class}
}

func (p *Pool) put(class int, buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxRetained > 0 && len(p.classes[class]) >= p.maxRetained {
		return // bounded: let the GC reclaim this one
	}
	p.classes[class] = append(p.classes[class], buf[:0])
}
