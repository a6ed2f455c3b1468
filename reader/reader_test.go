package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mulgadc/shufflefetch/buffer"
	"github.com/mulgadc/shufflefetch/config"
	"github.com/mulgadc/shufflefetch/metrics"
	"github.com/mulgadc/shufflefetch/partition"
	"github.com/mulgadc/shufflefetch/quic/quicproto"
	"github.com/mulgadc/shufflefetch/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient records dispatched fetches. Depending on its settings a fetch
// completes inline, on its own goroutine, or only when the test says so.
type fakeClient struct {
	mu           sync.Mutex
	handle       quicproto.StreamHandle
	rpcErr       error
	rpcResp      []byte
	openReq      quicproto.OpenStream
	async        bool
	syncComplete map[int]bool
	dispatched   []int
	pending      map[int]transport.ChunkReceivedCallback
	buffers      []*buffer.ChunkBuffer
	wg           sync.WaitGroup
}

func newFakeClient(numChunks int) *fakeClient {
	return &fakeClient{
		handle:       quicproto.StreamHandle{StreamID: 77, NumChunks: numChunks},
		syncComplete: make(map[int]bool),
		pending:      make(map[int]transport.ChunkReceivedCallback),
	}
}

func (c *fakeClient) SendRPCSync(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.rpcErr != nil {
		return nil, c.rpcErr
	}

	m, err := quicproto.DecodeMessage(request)
	if err != nil {
		return nil, err
	}
	if m.Type != quicproto.TypeOpenStream {
		return nil, fmt.Errorf("unexpected request %q", m.Type)
	}
	if err := json.Unmarshal(m.Payload, &c.openReq); err != nil {
		return nil, err
	}

	if c.rpcResp != nil {
		return c.rpcResp, nil
	}
	resp, err := quicproto.NewMessage(quicproto.TypeStreamHandler, c.handle)
	if err != nil {
		return nil, err
	}
	return resp.Encode()
}

func (c *fakeClient) FetchChunk(streamID int64, chunkIndex int, timeout time.Duration, cb transport.ChunkReceivedCallback) {
	c.mu.Lock()
	c.dispatched = append(c.dispatched, chunkIndex)
	c.pending[chunkIndex] = cb
	inline := c.syncComplete[chunkIndex]
	async := c.async
	c.mu.Unlock()

	switch {
	case inline:
		c.complete(chunkIndex)
	case async:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.complete(chunkIndex)
		}()
	}
}

// complete delivers chunkIndex the way a transport does: the callback sees a
// buffer with one reference, which the transport drops afterwards.
func (c *fakeClient) complete(chunkIndex int) *buffer.ChunkBuffer {
	c.mu.Lock()
	cb, ok := c.pending[chunkIndex]
	delete(c.pending, chunkIndex)
	buf := buffer.Wrap(chunkPayload(chunkIndex))
	c.buffers = append(c.buffers, buf)
	c.mu.Unlock()

	if !ok {
		panic(fmt.Sprintf("chunk %d was never dispatched", chunkIndex))
	}

	cb.OnSuccess(chunkIndex, buf)
	buf.Release()
	return buf
}

func (c *fakeClient) fail(chunkIndex int, err error) {
	c.mu.Lock()
	cb := c.pending[chunkIndex]
	delete(c.pending, chunkIndex)
	c.mu.Unlock()

	cb.OnFailure(chunkIndex, err)
}

func (c *fakeClient) dispatchedChunks() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.dispatched...)
}

type fakeFactory struct {
	mu     sync.Mutex
	client *fakeClient
	calls  int
	failAt int // fail from the failAt-th call on, 0 never fails
	err    error
	hosts  []string
}

func (f *fakeFactory) CreateClient(ctx context.Context, host string, port int) (transport.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.hosts = append(f.hosts, fmt.Sprintf("%s:%d", host, port))
	if f.failAt > 0 && f.calls >= f.failAt {
		return nil, f.err
	}
	return f.client, nil
}

func chunkPayload(chunkIndex int) []byte {
	return []byte(fmt.Sprintf("chunk-%d", chunkIndex))
}

var testLocation = partition.Location{
	ID:        7,
	Host:      "worker-1",
	FetchPort: 9097,
	FileName:  "7-0",
}

func testConfig(window int) config.ClientConfig {
	return config.ClientConfig{
		FetchMaxReqsInFlight: window,
		FetchTimeout:         time.Second,
		PollInterval:         20 * time.Millisecond,
	}
}

func newTestReader(t *testing.T, conf config.ClientConfig, factory *fakeFactory, retryCnt, maxRetry int) *PartitionReader {
	t.Helper()

	r, err := NewPartitionReader(context.Background(), conf, "app-1-0", testLocation, factory, 0, 1<<30,
		retryCnt, maxRetry, WithMetrics(metrics.NewReader(prometheus.NewRegistry())))
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func TestNewPartitionReader_OpenStream(t *testing.T) {
	client := newFakeClient(4)
	factory := &fakeFactory{client: client}

	r, err := NewPartitionReader(context.Background(), testConfig(2), "app-1-0", testLocation, factory, 2, 6,
		0, 1, WithMetrics(metrics.NewReader(prometheus.NewRegistry())))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(77), r.StreamID())
	assert.Equal(t, 4, r.NumChunks())
	assert.Equal(t, testLocation, r.Location())
	assert.Equal(t, quicproto.OpenStream{ShuffleKey: "app-1-0", FileName: "7-0", StartIndex: 2, EndIndex: 6}, client.openReq)
	assert.Equal(t, []string{"worker-1:9097"}, factory.hosts)

	// Nothing is fetched before the first Next
	assert.Empty(t, client.dispatchedChunks())
}

func TestNewPartitionReader_Failures(t *testing.T) {
	dialErr := errors.New("connection refused")

	errResp, err := quicproto.NewMessage(quicproto.TypeError, quicproto.ErrorMessage{Error: "no such partition"})
	require.NoError(t, err)
	errRespBytes, err := errResp.Encode()
	require.NoError(t, err)

	tests := []struct {
		name     string
		setup    func(*fakeFactory)
		wantCode ErrorCode
	}{
		{
			name:     "client creation fails",
			setup:    func(f *fakeFactory) { f.failAt, f.err = 1, dialErr },
			wantCode: CodeConnection,
		},
		{
			name:     "rpc fails",
			setup:    func(f *fakeFactory) { f.client.rpcErr = errors.New("timeout") },
			wantCode: CodeOpenStream,
		},
		{
			name:     "worker rejects stream",
			setup:    func(f *fakeFactory) { f.client.rpcResp = errRespBytes },
			wantCode: CodeOpenStream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := &fakeFactory{client: newFakeClient(3)}
			tt.setup(factory)

			r, err := NewPartitionReader(context.Background(), testConfig(2), "app-1-0", testLocation, factory, 0, 10,
				0, 1, WithMetrics(metrics.NewReader(prometheus.NewRegistry())))
			assert.Nil(t, r)

			re, ok := IsReadError(err)
			require.True(t, ok, "expected ReadError, got %v", err)
			assert.Equal(t, tt.wantCode, re.Code)
		})
	}
}

func TestNewPartitionReader_CancelledIsNotWrapped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := NewPartitionReader(ctx, testConfig(2), "app-1-0", testLocation, &fakeFactory{client: newFakeClient(3)}, 0, 10,
		0, 1, WithMetrics(metrics.NewReader(prometheus.NewRegistry())))
	assert.Nil(t, r)
	assert.Equal(t, context.Canceled, err)
}

func TestNewPartitionReader_CountsReads(t *testing.T) {
	m := metrics.NewReader(prometheus.NewRegistry())
	factory := &fakeFactory{client: newFakeClient(1)}

	for range 3 {
		r, err := NewPartitionReader(context.Background(), testConfig(1), "app-1-0", testLocation, factory, 0, 1, 0, 1, WithMetrics(m))
		require.NoError(t, err)
		require.NoError(t, r.Close())
	}

	factory.failAt, factory.err = factory.calls+1, errors.New("down")
	_, err := NewPartitionReader(context.Background(), testConfig(1), "app-1-0", testLocation, factory, 0, 1, 0, 1, WithMetrics(m))
	require.Error(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReadsOpened))
}

// N=5, W=2: the first pass dispatches W+1 requests and the window is not
// refilled until it drops below W.
func TestFetchWindow_OverFetchByOne(t *testing.T) {
	client := newFakeClient(5)
	client.syncComplete[0] = true
	factory := &fakeFactory{client: client}
	r := newTestReader(t, testConfig(2), factory, 0, 1)
	defer r.Close()

	ctx := context.Background()

	buf, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunkPayload(0), buf.Bytes())
	buf.Release()

	assert.Equal(t, []int{0, 1, 2}, client.dispatchedChunks())
	assert.Equal(t, 3, r.chunkIndex)
	assert.Equal(t, 1, r.returnedChunks)

	// inFlight == 2 is not < W
	require.NoError(t, r.fetchChunks(ctx))
	assert.Equal(t, []int{0, 1, 2}, client.dispatchedChunks())

	// Completion order wins over index order
	client.complete(2)
	buf, err = r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunkPayload(2), buf.Bytes())
	buf.Release()
	assert.Equal(t, []int{0, 1, 2}, client.dispatchedChunks())

	// inFlight drops to 1: toFetch = min(2-1+1, 5-3) = 2
	client.complete(1)
	buf, err = r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunkPayload(1), buf.Bytes())
	buf.Release()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, client.dispatchedChunks())
	assert.Equal(t, 5, r.chunkIndex)
}

func TestFetchWindow_Bound(t *testing.T) {
	for window := 1; window <= 4; window++ {
		for numChunks := 0; numChunks <= 9; numChunks++ {
			t.Run(fmt.Sprintf("W=%d/N=%d", window, numChunks), func(t *testing.T) {
				client := newFakeClient(numChunks)
				client.async = true
				r := newTestReader(t, testConfig(window), &fakeFactory{client: client}, 0, 1)
				defer r.Close()

				ctx := context.Background()
				seen := make(map[string]bool)

				for r.HasNext() {
					require.NoError(t, r.fetchChunks(ctx))
					inFlight := r.chunkIndex - r.returnedChunks
					assert.LessOrEqual(t, inFlight, window+1)
					assert.LessOrEqual(t, r.chunkIndex, numChunks)

					buf, err := r.Next(ctx)
					require.NoError(t, err)
					seen[string(buf.Bytes())] = true
					buf.Release()

					assert.LessOrEqual(t, r.chunkIndex-r.returnedChunks, window+1)
				}

				assert.Len(t, seen, numChunks)
				assert.Equal(t, numChunks, r.returnedChunks)

				_, err := r.Next(ctx)
				assert.ErrorIs(t, err, io.EOF)
			})
		}
	}
}

func TestHasNext(t *testing.T) {
	client := newFakeClient(3)
	client.async = true
	r := newTestReader(t, testConfig(1), &fakeFactory{client: client}, 0, 1)
	defer r.Close()

	for i := range 3 {
		assert.True(t, r.HasNext(), "before chunk %d", i)
		buf, err := r.Next(context.Background())
		require.NoError(t, err)
		buf.Release()
	}
	assert.False(t, r.HasNext())
}

func TestEmptyStream(t *testing.T) {
	client := newFakeClient(0)
	r := newTestReader(t, testConfig(2), &fakeFactory{client: client}, 0, 1)
	defer r.Close()

	assert.False(t, r.HasNext())
	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, client.dispatchedChunks())
}

func TestRefCountConservation(t *testing.T) {
	client := newFakeClient(20)
	client.async = true
	r := newTestReader(t, testConfig(3), &fakeFactory{client: client}, 0, 1)

	for r.HasNext() {
		buf, err := r.Next(context.Background())
		require.NoError(t, err)
		buf.Release()
	}
	require.NoError(t, r.Close())
	client.wg.Wait()

	require.Len(t, client.buffers, 20)
	for i, buf := range client.buffers {
		assert.Equal(t, int32(0), buf.RefCnt(), "buffer %d", i)
	}
}

// Two buffers queued and one request in flight when the reader is closed.
func TestClose_ReleasesQueuedAndDropsLate(t *testing.T) {
	client := newFakeClient(5)
	r := newTestReader(t, testConfig(2), &fakeFactory{client: client}, 0, 1)

	require.NoError(t, r.fetchChunks(context.Background()))
	require.Equal(t, []int{0, 1, 2}, client.dispatchedChunks())

	queued := []*buffer.ChunkBuffer{client.complete(0), client.complete(1)}
	for _, buf := range queued {
		assert.Equal(t, int32(1), buf.RefCnt(), "reader holds the queued buffer")
	}
	require.Equal(t, 2, r.results.len())

	require.NoError(t, r.Close())

	for _, buf := range queued {
		assert.Equal(t, int32(0), buf.RefCnt())
	}
	assert.Equal(t, 0, r.results.len())

	late := client.complete(2)
	assert.Equal(t, int32(0), late.RefCnt(), "late buffer must not be retained")
	assert.Equal(t, 0, r.results.len())

	// Idempotent
	require.NoError(t, r.Close())

	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, ErrReaderClosedError)
}

func TestFetchFailure_SurfacesWithinOnePollCycle(t *testing.T) {
	client := newFakeClient(5)
	conf := testConfig(2)
	conf.PollInterval = time.Minute
	r := newTestReader(t, conf, &fakeFactory{client: client}, 0, 1)
	defer r.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Next(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(client.dispatchedChunks()) == 3 }, time.Second, time.Millisecond)

	cause := errors.New("stream reset by peer")
	client.fail(1, cause)

	select {
	case err := <-errCh:
		re, ok := IsReadError(err)
		require.True(t, ok, "expected ReadError, got %v", err)
		assert.Equal(t, CodeFetchChunk, re.Code)
		assert.Equal(t, 1, re.ChunkIndex)
		assert.Equal(t, int64(77), re.StreamID)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrFetchChunkError)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not observe the fetch failure")
	}

	// The reader stays failed
	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, ErrFetchChunkError)
}

func TestFailureInjection(t *testing.T) {
	client := newFakeClient(6)
	client.async = true
	factory := &fakeFactory{client: client}

	conf := testConfig(4)
	conf.TestFetchFailure = true
	conf.TestFailChunkIndex = 3

	// fetchChunkRetryCnt(0) < fetchChunkMaxRetry(3)-1
	r := newTestReader(t, conf, factory, 0, 3)
	defer r.Close()

	var err error
	for err == nil {
		var buf *buffer.ChunkBuffer
		buf, err = r.Next(context.Background())
		if buf != nil {
			buf.Release()
		}
	}

	re, ok := IsReadError(err)
	require.True(t, ok, "expected ReadError, got %v", err)
	assert.Equal(t, 3, re.ChunkIndex)
	assert.ErrorIs(t, err, errInjectedFailure)

	assert.NotContains(t, client.dispatchedChunks(), 3)
	assert.Equal(t, []int{0, 1, 2}, client.dispatchedChunks())
	// One client for the open, one per real dispatch
	assert.Equal(t, 4, factory.calls)
}

func TestFailureInjection_LastRetryReadsEverything(t *testing.T) {
	client := newFakeClient(6)
	client.async = true

	conf := testConfig(4)
	conf.TestFetchFailure = true
	conf.TestFailChunkIndex = 3

	r := newTestReader(t, conf, &fakeFactory{client: client}, 2, 3)
	defer r.Close()

	for r.HasNext() {
		buf, err := r.Next(context.Background())
		require.NoError(t, err)
		buf.Release()
	}
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5}, client.dispatchedChunks())
}

func TestNext_ClientAcquisitionFailure(t *testing.T) {
	client := newFakeClient(5)
	client.async = true
	// open uses call 1, chunks 0 and 1 use calls 2 and 3
	factory := &fakeFactory{client: client, failAt: 4, err: errors.New("no route to host")}
	r := newTestReader(t, testConfig(3), factory, 0, 1)
	defer r.Close()

	_, err := r.Next(context.Background())
	re, ok := IsReadError(err)
	require.True(t, ok, "expected ReadError, got %v", err)
	assert.Equal(t, CodeConnection, re.Code)
	assert.Equal(t, 2, re.ChunkIndex)
	assert.Equal(t, []int{0, 1}, client.dispatchedChunks())
	assert.Equal(t, 2, r.chunkIndex)
}

func TestNext_Cancelled(t *testing.T) {
	client := newFakeClient(5)
	r := newTestReader(t, testConfig(2), &fakeFactory{client: client}, 0, 1)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Next(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(client.dispatchedChunks()) == 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after cancel")
	}
	assert.Equal(t, 0, r.returnedChunks)

	// A chunk completing later is still handed out on the next call
	client.complete(1)
	buf, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chunkPayload(1), buf.Bytes())
	buf.Release()
}

func TestNext_CancelledDuringDispatch(t *testing.T) {
	client := newFakeClient(5)
	r := newTestReader(t, testConfig(2), &fakeFactory{client: client}, 0, 1)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Next(ctx)
	assert.Equal(t, context.Canceled, err)
	assert.Empty(t, client.dispatchedChunks())
}
