package reader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mulgadc/shufflefetch/buffer"
)

// resultQueue hands completed chunks from transport goroutines to the single
// consumer. It owns the reader's closed state: once closed, tryEnqueue drops
// everything, so a buffer can never be queued after close has drained.
type resultQueue struct {
	mu     sync.Mutex
	items  []*buffer.ChunkBuffer
	closed bool

	// notify wakes a polling consumer early. Capacity 1, sends never block.
	notify chan struct{}
}

func newResultQueue() *resultQueue {
	return &resultQueue{notify: make(chan struct{}, 1)}
}

// tryEnqueue retains buf and queues it unless the queue is closed.
func (q *resultQueue) tryEnqueue(buf *buffer.ChunkBuffer) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	buf.Retain()
	q.items = append(q.items, buf)
	q.mu.Unlock()

	q.wake()
	return true
}

func (q *resultQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *resultQueue) pop() *buffer.ChunkBuffer {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	buf := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return buf
}

// poll waits up to wait for a buffer. It returns (nil, nil) when the wait
// elapses or the consumer was woken without a buffer being available.
func (q *resultQueue) poll(ctx context.Context, wait time.Duration) (*buffer.ChunkBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buf := q.pop(); buf != nil {
		return buf, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.notify:
	case <-timer.C:
	}
	return q.pop(), nil
}

func (q *resultQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *resultQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// closeAndDrain marks the queue closed and releases every queued buffer.
// It returns how many buffers were released.
func (q *resultQueue) closeAndDrain() int {
	q.mu.Lock()
	q.closed = true
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, buf := range items {
		buf.Release()
	}
	return len(items)
}

// exceptionSlot holds the most recent fetch failure.
type exceptionSlot struct {
	err atomic.Pointer[ReadError]
}

func (s *exceptionSlot) set(err *ReadError) {
	s.err.Store(err)
}

// get returns the recorded failure as an error, or nil. A nil *ReadError is
// never returned as a non-nil error interface.
func (s *exceptionSlot) get() error {
	if err := s.err.Load(); err != nil {
		return err
	}
	return nil
}
