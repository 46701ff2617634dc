package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(4)
	b := p.Acquire(1000)
	require.Len(t, b.Bytes, 1000)

	copy(b.Bytes, []byte("hello"))
	b.Release()

	b2 := p.Acquire(900) // same size class, should reuse backing storage
	require.Len(t, b2.Bytes, 900)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(2)
	b := p.Acquire(64)
	require.NotPanics(t, func() {
		b.Release()
		b.Release()
		b.Release()
	})
}

func TestReleaseNilIsNoop(t *testing.T) {
	var b *Buffer
	require.NotPanics(t, b.Release)
}

func TestExhaustionFallsBackToHeap(t *testing.T) {
	p := New(1)
	a := p.Acquire(4096)
	b := p.Acquire(4096)
	a.Release()
	b.Release() // second release of same class is dropped, not blocked
	c := p.Acquire(4096)
	require.Len(t, c.Bytes, 4096)
}

func TestSizeClassBucketsCoarsely(t *testing.T) {
	require.Equal(t, 4096, sizeClass(1))
	require.Equal(t, 4096, sizeClass(4096))
	require.Equal(t, 8192, sizeClass(4097))
}
