package reader

import (
	"log/slog"

	"github.com/mulgadc/shufflefetch/buffer"
	"github.com/mulgadc/shufflefetch/metrics"
)

// chunkSink receives fetch completions from the transport. Its methods run on
// transport goroutines, concurrently with each other and with the consumer.
type chunkSink struct {
	streamID  int64
	results   *resultQueue
	exception *exceptionSlot
	metrics   *metrics.Reader
}

// OnSuccess keeps buf only while the reader is open. When closed, the buffer
// is left to the transport's own release.
func (s *chunkSink) OnSuccess(chunkIndex int, buf *buffer.ChunkBuffer) {
	if !s.results.tryEnqueue(buf) {
		slog.Debug("Dropping chunk for closed reader", "streamId", s.streamID, "chunkIndex", chunkIndex)
	}
}

// OnFailure records the failure for the consumer. Other in-flight requests
// are left alone.
func (s *chunkSink) OnFailure(chunkIndex int, err error) {
	slog.Error("Fetch chunk failed", "streamId", s.streamID, "chunkIndex", chunkIndex, "error", err)
	s.metrics.FetchFailures.Inc()
	s.exception.set(ErrFetchChunkError.WithCause(s.streamID, chunkIndex, err))
	s.results.wake()
}
