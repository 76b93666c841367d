package fileservice

import (
	"math/bits"
	"sync"
)

// copyBuffers pools the transfer buffers used by Copy, bucketed by
// power-of-two capacity so mirrors configured with different buffer sizes
// can share one pool. Buffers above maxPooledSize are allocated fresh and
// never pooled.
var copyBuffers = newBufferPool(minPooledSize, maxPooledSize)

const (
	minPooledSize = 1 << 10 // 1 KiB, the smallest bufferKiB Copy accepts
	maxPooledSize = 1 << 22 // 4 MiB
)

type bufferPool struct {
	minExp int
	maxExp int
	pools  []sync.Pool
}

// newBufferPool builds a pool with one bucket per power of two between
// minSize and maxSize inclusive. Both bounds must be powers of two.
func newBufferPool(minSize, maxSize int) *bufferPool {
	minExp := bits.TrailingZeros(uint(minSize))
	maxExp := bits.TrailingZeros(uint(maxSize))

	p := &bufferPool{
		minExp: minExp,
		maxExp: maxExp,
		pools:  make([]sync.Pool, maxExp+1),
	}
	for i := minExp; i <= maxExp; i++ {
		size := 1 << i
		p.pools[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// get returns a buffer of exactly size bytes, backed by the smallest
// bucket that fits. Oversized requests fall back to a plain allocation.
func (p *bufferPool) get(size int) *[]byte {
	if size > 1<<p.maxExp {
		b := make([]byte, size)
		return &b
	}

	idx := bits.Len(uint(size - 1))
	if idx < p.minExp {
		idx = p.minExp
	}
	buf := p.pools[idx].Get().(*[]byte)
	*buf = (*buf)[:size]
	return buf
}

// put returns a buffer to its bucket. Buffers whose capacity is not one of
// the pool's bucket sizes (including oversized fallback allocations) are
// dropped for the garbage collector.
func (p *bufferPool) put(buf *[]byte) {
	if buf == nil {
		return
	}
	c := cap(*buf)
	if c < 1<<p.minExp || c > 1<<p.maxExp || c&(c-1) != 0 {
		return
	}
	*buf = (*buf)[:c]
	p.pools[bits.TrailingZeros(uint(c))].Put(buf)
}
