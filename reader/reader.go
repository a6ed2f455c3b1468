// Package reader implements the client side partition reader: it opens a
// stream on the worker holding a partition and pulls its chunks through a
// bounded window of asynchronous fetches.
//
// A PartitionReader is used by a single goroutine. Chunk completions arrive on
// transport goroutines and are handed over through a result queue.
package reader

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mulgadc/shufflefetch/buffer"
	"github.com/mulgadc/shufflefetch/config"
	"github.com/mulgadc/shufflefetch/metrics"
	"github.com/mulgadc/shufflefetch/partition"
	"github.com/mulgadc/shufflefetch/quic/quicproto"
	"github.com/mulgadc/shufflefetch/transport"
)

const defaultPollInterval = 500 * time.Millisecond

// PartitionReader iterates over the chunks of one partition range.
type PartitionReader struct {
	location partition.Location
	factory  transport.ClientFactory
	handle   quicproto.StreamHandle

	// Written by the consumer goroutine only.
	// 0 <= returnedChunks <= chunkIndex <= handle.NumChunks
	chunkIndex     int
	returnedChunks int

	results   *resultQueue
	exception *exceptionSlot
	sink      *chunkSink

	maxReqsInFlight int
	fetchTimeout    time.Duration
	pollInterval    time.Duration
	metrics         *metrics.Reader

	// Failure injection
	testFetch          bool
	testFailChunkIndex int
	fetchChunkRetryCnt int
	fetchChunkMaxRetry int
}

// Option customises a PartitionReader.
type Option func(*PartitionReader)

// WithMetrics reports to m instead of metrics.DefaultReader.
func WithMetrics(m *metrics.Reader) Option {
	return func(r *PartitionReader) { r.metrics = m }
}

// NewPartitionReader opens a stream over the chunks of location whose map
// index lies in [startMapIndex, endMapIndex). It blocks for the open-stream
// round trip, bounded by conf.FetchTimeout. On failure no reader is returned.
//
// fetchChunkRetryCnt and fetchChunkMaxRetry describe the caller's retry state
// and only matter when test failure injection is enabled.
func NewPartitionReader(
	ctx context.Context,
	conf config.ClientConfig,
	shuffleKey string,
	location partition.Location,
	factory transport.ClientFactory,
	startMapIndex int,
	endMapIndex int,
	fetchChunkRetryCnt int,
	fetchChunkMaxRetry int,
	opts ...Option,
) (*PartitionReader, error) {
	r := &PartitionReader{
		location:           location,
		factory:            factory,
		results:            newResultQueue(),
		exception:          &exceptionSlot{},
		maxReqsInFlight:    max(conf.FetchMaxReqsInFlight, 1),
		fetchTimeout:       conf.FetchTimeout,
		pollInterval:       conf.PollInterval,
		metrics:            metrics.DefaultReader,
		testFetch:          conf.TestFetchFailure,
		testFailChunkIndex: conf.TestFailChunkIndex,
		fetchChunkRetryCnt: fetchChunkRetryCnt,
		fetchChunkMaxRetry: fetchChunkMaxRetry,
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	for _, opt := range opts {
		opt(r)
	}

	handle, err := r.openStream(ctx, shuffleKey, startMapIndex, endMapIndex)
	if err != nil {
		return nil, err
	}
	r.handle = handle

	r.sink = &chunkSink{
		streamID:  handle.StreamID,
		results:   r.results,
		exception: r.exception,
		metrics:   r.metrics,
	}

	r.metrics.ReadsOpened.Inc()
	slog.Debug("Opened partition stream",
		"location", location.String(),
		"streamId", handle.StreamID,
		"numChunks", handle.NumChunks,
		"startMapIndex", startMapIndex,
		"endMapIndex", endMapIndex,
	)

	return r, nil
}

// openStream performs the synchronous open-stream handshake.
func (r *PartitionReader) openStream(ctx context.Context, shuffleKey string, startMapIndex, endMapIndex int) (quicproto.StreamHandle, error) {
	client, err := r.factory.CreateClient(ctx, r.location.Host, r.location.FetchPort)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			slog.Error("PartitionReader interrupted while creating client", "location", r.location.String())
			return quicproto.StreamHandle{}, ctxErr
		}
		return quicproto.StreamHandle{}, ErrConnectionError.WithCause(0, noChunk, err)
	}

	req, err := quicproto.EncodeOpenStream(quicproto.OpenStream{
		ShuffleKey: shuffleKey,
		FileName:   r.location.FileName,
		StartIndex: startMapIndex,
		EndIndex:   endMapIndex,
	})
	if err != nil {
		return quicproto.StreamHandle{}, ErrOpenStreamError.WithCause(0, noChunk, err)
	}

	resp, err := client.SendRPCSync(ctx, req, r.fetchTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return quicproto.StreamHandle{}, ctxErr
		}
		return quicproto.StreamHandle{}, ErrOpenStreamError.WithCause(0, noChunk, err)
	}

	handle, err := quicproto.DecodeStreamHandle(resp)
	if err != nil {
		return quicproto.StreamHandle{}, ErrOpenStreamError.WithCause(0, noChunk, err)
	}
	return handle, nil
}

// Location returns the partition this reader reads.
func (r *PartitionReader) Location() partition.Location {
	return r.location
}

// StreamID returns the worker assigned stream id.
func (r *PartitionReader) StreamID() int64 {
	return r.handle.StreamID
}

// NumChunks returns the number of chunks the stream holds.
func (r *PartitionReader) NumChunks() int {
	return r.handle.NumChunks
}

// HasNext reports whether chunks remain to be returned.
func (r *PartitionReader) HasNext() bool {
	return r.returnedChunks < r.handle.NumChunks
}

// Next returns the next completed chunk. Chunks come back in completion
// order, which need not be chunk index order. The caller owns the returned
// buffer and must Release it exactly once.
//
// Next returns io.EOF once every chunk has been returned, ctx.Err() if ctx is
// done while waiting, and a *ReadError for connection and fetch failures. A
// reader that returned a ReadError stays failed and should be closed.
func (r *PartitionReader) Next(ctx context.Context) (*buffer.ChunkBuffer, error) {
	if r.results.isClosed() {
		return nil, ErrReaderClosedError
	}
	if !r.HasNext() {
		return nil, io.EOF
	}
	if err := r.exception.get(); err != nil {
		return nil, err
	}

	if r.chunkIndex < r.handle.NumChunks {
		if err := r.fetchChunks(ctx); err != nil {
			return nil, err
		}
	}

	for {
		if err := r.exception.get(); err != nil {
			return nil, err
		}

		chunk, err := r.results.poll(ctx, r.pollInterval)
		if err != nil {
			slog.Error("PartitionReader interrupted while polling data", "streamId", r.handle.StreamID, "error", err)
			return nil, err
		}
		if chunk == nil {
			continue
		}

		r.returnedChunks++
		r.metrics.InFlight.Dec()
		r.metrics.ChunksFetched.Inc()
		r.metrics.BytesFetched.Add(float64(chunk.Len()))
		return chunk, nil
	}
}

// Close stops the reader and releases every chunk that completed but was
// never returned. Requests already dispatched are not cancelled; their
// buffers are dropped on arrival. Close is idempotent and never blocks.
func (r *PartitionReader) Close() error {
	if r.results.isClosed() {
		return nil
	}

	released := r.results.closeAndDrain()
	r.metrics.InFlight.Sub(float64(r.chunkIndex - r.returnedChunks))

	if released > 0 {
		slog.Debug("Released unconsumed chunks", "streamId", r.handle.StreamID, "count", released)
	}
	return nil
}

// fetchChunks tops up the in-flight window. The window is refilled to
// maxReqsInFlight+1 outstanding requests once it drops below maxReqsInFlight.
func (r *PartitionReader) fetchChunks(ctx context.Context) error {
	inFlight := r.chunkIndex - r.returnedChunks
	if inFlight >= r.maxReqsInFlight {
		return nil
	}

	toFetch := min(r.maxReqsInFlight-inFlight+1, r.handle.NumChunks-r.chunkIndex)

	for range toFetch {
		if r.injectFailure() {
			r.sink.OnFailure(r.chunkIndex, errInjectedFailure)
			return nil
		}

		client, err := r.factory.CreateClient(ctx, r.location.Host, r.location.FetchPort)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				slog.Error("PartitionReader interrupted while fetching chunks", "streamId", r.handle.StreamID)
				return ctxErr
			}
			slog.Error("fetchChunk failed",
				"streamId", r.handle.StreamID,
				"chunkIndex", r.chunkIndex,
				"error", err,
			)
			return ErrConnectionError.WithCause(r.handle.StreamID, r.chunkIndex, err)
		}

		client.FetchChunk(r.handle.StreamID, r.chunkIndex, r.fetchTimeout, r.sink)
		r.chunkIndex++
		r.metrics.InFlight.Inc()
	}

	return nil
}

func (r *PartitionReader) injectFailure() bool {
	return r.testFetch &&
		r.chunkIndex == r.testFailChunkIndex &&
		r.fetchChunkRetryCnt < r.fetchChunkMaxRetry-1
}
