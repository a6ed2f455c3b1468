// Package transport declares the client side request/response contract the
// partition reader is written against. quicclient provides the production
// implementation.
package transport

import (
	"context"
	"time"

	"github.com/mulgadc/shufflefetch/buffer"
)

// ChunkReceivedCallback receives the outcome of one FetchChunk call.
// Exactly one of the two methods is invoked, exactly once, and possibly from
// a goroutine owned by the transport.
type ChunkReceivedCallback interface {
	// OnSuccess is handed a buffer owned by the transport. The transport
	// releases its reference once OnSuccess returns, so a callee that keeps
	// the buffer must Retain it first.
	OnSuccess(chunkIndex int, buf *buffer.ChunkBuffer)
	OnFailure(chunkIndex int, err error)
}

// Client is a connection to one worker.
type Client interface {
	// SendRPCSync sends one request and blocks for its response.
	SendRPCSync(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error)
	// FetchChunk asynchronously requests one chunk of an opened stream.
	FetchChunk(streamID int64, chunkIndex int, timeout time.Duration, cb ChunkReceivedCallback)
}

// ClientFactory creates or reuses clients. It returns ctx.Err() unwrapped
// when the context is done before a client is available.
type ClientFactory interface {
	CreateClient(ctx context.Context, host string, port int) (Client, error)
}
