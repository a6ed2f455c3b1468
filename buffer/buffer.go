package buffer

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrOverRelease = errors.New("buffer: released more times than retained")

// ChunkBuffer is a reference counted block of bytes holding exactly one chunk.
// A new buffer starts with a count of 1. Every Retain must be balanced by one
// Release; the backing array is returned to its allocator when the count
// reaches zero and must not be touched afterwards.
type ChunkBuffer struct {
	data  []byte
	refs  atomic.Int32
	alloc *Allocator
}

// Wrap returns a buffer that owns data. The slice is not recycled on release.
func Wrap(data []byte) *ChunkBuffer {
	b := &ChunkBuffer{data: data}
	b.refs.Store(1)
	return b
}

// Bytes returns the payload. Only valid while the caller holds a reference.
func (b *ChunkBuffer) Bytes() []byte {
	return b.data
}

// Len returns the payload size in bytes.
func (b *ChunkBuffer) Len() int {
	return len(b.data)
}

// RefCnt returns the current reference count.
func (b *ChunkBuffer) RefCnt() int32 {
	return b.refs.Load()
}

// Retain adds a reference.
func (b *ChunkBuffer) Retain() *ChunkBuffer {
	if b.refs.Add(1) <= 1 {
		panic("buffer: retain on released buffer")
	}
	return b
}

// Release drops a reference and reports whether the buffer was freed.
func (b *ChunkBuffer) Release() bool {
	n := b.refs.Add(-1)
	if n < 0 {
		panic(ErrOverRelease)
	}
	if n > 0 {
		return false
	}
	if b.alloc != nil {
		b.alloc.put(b.data)
	}
	b.data = nil
	return true
}

// Allocator hands out chunk buffers whose backing arrays are recycled on
// final release.
type Allocator struct {
	size int
	pool sync.Pool
}

// NewAllocator returns an allocator for chunks of at most size bytes.
func NewAllocator(size int) *Allocator {
	a := &Allocator{size: size}
	a.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return a
}

// Get returns a buffer with a payload of n bytes and a count of 1.
// Requests larger than the allocator's size are not pooled.
func (a *Allocator) Get(n int) *ChunkBuffer {
	if n > a.size {
		return Wrap(make([]byte, n))
	}
	bp := a.pool.Get().(*[]byte)
	b := &ChunkBuffer{data: (*bp)[:n], alloc: a}
	b.refs.Store(1)
	return b
}

func (a *Allocator) put(data []byte) {
	if cap(data) != a.size {
		return
	}
	data = data[:a.size]
	a.pool.Put(&data)
}
