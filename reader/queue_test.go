package reader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mulgadc/shufflefetch/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultQueue_FIFO(t *testing.T) {
	q := newResultQueue()

	a, b := buffer.Wrap([]byte("a")), buffer.Wrap([]byte("b"))
	require.True(t, q.tryEnqueue(a))
	require.True(t, q.tryEnqueue(b))
	assert.Equal(t, int32(2), a.RefCnt())

	got, err := q.poll(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, a, got)

	got, err = q.poll(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, b, got)

	got, err = q.poll(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResultQueue_PollWakesOnEnqueue(t *testing.T) {
	q := newResultQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.tryEnqueue(buffer.Wrap([]byte("x")))
	}()

	start := time.Now()
	got, err := q.poll(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestResultQueue_PollCancelled(t *testing.T) {
	q := newResultQueue()
	require.True(t, q.tryEnqueue(buffer.Wrap([]byte("x"))))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := q.poll(ctx, time.Minute)
	assert.Equal(t, context.Canceled, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, q.len(), "cancelled poll must not consume")
}

func TestResultQueue_CloseRacesEnqueue(t *testing.T) {
	q := newResultQueue()

	const producers = 32
	bufs := make([]*buffer.ChunkBuffer, producers)
	for i := range bufs {
		bufs[i] = buffer.Wrap([]byte{byte(i)})
	}

	var wg sync.WaitGroup
	for _, b := range bufs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.tryEnqueue(b)
			b.Release()
		}()
	}

	q.closeAndDrain()
	wg.Wait()

	// Whatever was queued before close was released by it, the rest never retained.
	for i, b := range bufs {
		assert.Equal(t, int32(0), b.RefCnt(), "buffer %d", i)
	}
	assert.Equal(t, 0, q.len())
	assert.False(t, q.tryEnqueue(buffer.Wrap(nil)))
}

func TestExceptionSlot(t *testing.T) {
	var s exceptionSlot
	assert.NoError(t, s.get())

	s.set(ErrFetchChunkError.WithCause(1, 2, nil))
	s.set(ErrFetchChunkError.WithCause(1, 4, nil))

	re, ok := IsReadError(s.get())
	require.True(t, ok)
	assert.Equal(t, 4, re.ChunkIndex)
}
