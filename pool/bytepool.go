// File: pool/bytepool.go
// Package pool provides fixed-size byte buffer recycling for the engine's
// read path, so a busy reactor does not allocate per read.
package pool

import "sync"

// BytePool hands out buffers of one size class.
type BytePool struct {
	size int
	p    sync.Pool
}

// NewBytePool creates a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	bp := &BytePool{size: size}
	bp.p.New = func() any {
		return make([]byte, size)
	}
	return bp
}

// Get returns a buffer of the pool's size class.
func (bp *BytePool) Get() []byte {
	return bp.p.Get().([]byte)
}

// Put recycles a buffer obtained from Get. Buffers whose capacity differs from
// the size class are dropped; a shortened slice of a pooled buffer is restored
// to full length.
func (bp *BytePool) Put(b []byte) {
	if cap(b) != bp.size {
		return
	}
	bp.p.Put(b[:bp.size]) //nolint:staticcheck // slice is sized, not pointer-like
}

// Size reports the pool's buffer size class.
func (bp *BytePool) Size() int { return bp.size }
